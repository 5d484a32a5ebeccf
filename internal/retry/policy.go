// Package retry runs a pipeline step under a bounded exponential backoff policy.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/knowbot/internal/failure"
)

// Policy configures how a step is attempted again after a failure.
type Policy struct {
	Name           string        `json:"name,omitempty"`
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	InitialBackoff time.Duration `json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `json:"max_backoff,omitempty"`
	Multiplier     float64       `json:"multiplier,omitempty"`
	// Retryable decides whether an error may be retried. Defaults to failure.Retryable.
	Retryable func(error) bool `json:"-"`
	// Sleep waits between attempts; tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error `json:"-"`
	Logger *slog.Logger `json:"-"`
}

// Normalize fills zero-value fields with defaults.
func Normalize(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Retryable == nil {
		p.Retryable = failure.Retryable
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = Normalize(p)
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Policy, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// ceiling is reached or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p = Normalize(p)
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w", p.Name, lastErr)
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Backoff(attempt)
		if p.Logger != nil {
			p.Logger.Warn("step retry",
				slog.String("policy", p.Name),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", p.Name, lastErr)
		}
	}
	return &ExhaustedError{Policy: p.Name, Attempts: p.MaxAttempts, Err: lastErr}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
