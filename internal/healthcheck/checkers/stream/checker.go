package streamchecker

import (
	"context"
	"time"

	"github.com/memohai/knowbot/internal/healthcheck"
)

const checkTypeStream = "stream.connection"

// ConnectionObserver reads the stream connection state.
type ConnectionObserver interface {
	Connected() bool
	LastFrame() time.Time
}

// Checker reports the stream mode websocket state.
type Checker struct {
	observer ConnectionObserver
}

func NewChecker(observer ConnectionObserver) *Checker {
	return &Checker{observer: observer}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if c.observer == nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:       checkTypeStream,
		Type:     checkTypeStream,
		Status:   healthcheck.StatusError,
		Summary:  "Stream connection is down.",
		Metadata: map[string]any{},
	}
	if last := c.observer.LastFrame(); !last.IsZero() {
		item.Metadata["last_frame_at"] = last.UTC().Format(time.RFC3339)
	}
	if c.observer.Connected() {
		item.Status = healthcheck.StatusOK
		item.Summary = "Stream is connected."
	}
	return []healthcheck.CheckResult{item}
}
