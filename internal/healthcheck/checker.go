// Package healthcheck aggregates runtime checks of the upstream token, the
// stream connection and the idempotency store.
package healthcheck

import "context"

// Item statuses, from best to worst.
const (
	StatusOK      = "ok"
	StatusUnknown = "unknown"
	StatusWarn    = "warn"
	StatusError   = "error"
)

// CheckResult is one item reported by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker reports zero or more items. Implementations must honour ctx
// deadlines for any remote probe.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}
