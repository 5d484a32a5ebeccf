package dedupechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/knowbot/internal/healthcheck"
)

const checkTypeDedupe = "dedupe.store"

// Pinger is a shared idempotency store that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes the shared idempotency store. A failing store does not stop
// processing, so failures are reported as warnings.
type Checker struct {
	logger *slog.Logger
	store  Pinger
}

func NewChecker(log *slog.Logger, store Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_dedupe")),
		store:  store,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if c.store == nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:      checkTypeDedupe,
		Type:    checkTypeDedupe,
		Status:  healthcheck.StatusOK,
		Summary: "Idempotency store is reachable.",
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.Ping(pingCtx); err != nil {
		c.logger.Warn("idempotency store unreachable", slog.Any("error", err))
		item.Status = healthcheck.StatusWarn
		item.Summary = "Idempotency store is unreachable; duplicates may be reprocessed."
		item.Detail = err.Error()
	}
	return []healthcheck.CheckResult{item}
}
