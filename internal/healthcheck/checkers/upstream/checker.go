package upstreamchecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/knowbot/internal/healthcheck"
)

const checkTypeToken = "dingtalk.token"

// TokenSource exposes the app access token lifecycle.
type TokenSource interface {
	Ping(ctx context.Context) error
	TokenExpiry() (time.Time, bool)
}

// Checker verifies that an access token can be obtained.
type Checker struct {
	logger  *slog.Logger
	source  TokenSource
	timeout time.Duration
}

// NewChecker creates a token health checker.
func NewChecker(log *slog.Logger, source TokenSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_token")),
		source:  source,
		timeout: 5 * time.Second,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:   checkTypeToken,
		Type: checkTypeToken,
	}
	if c.source == nil {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Token source is not available."
		return []healthcheck.CheckResult{item}
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.source.Ping(pingCtx); err != nil {
		c.logger.Warn("access token check failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Access token could not be obtained."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Access token is valid."
	if expiry, ok := c.source.TokenExpiry(); ok {
		item.Metadata = map[string]any{"refresh_at": expiry.UTC().Format(time.RFC3339)}
	}
	return []healthcheck.CheckResult{item}
}
