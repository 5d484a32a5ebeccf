package dingtalk

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/knowbot/internal/failure"
)

// refreshSkew renews a token this long before the platform expires it.
const refreshSkew = 60 * time.Second

type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenSource caches the app access token. Concurrent callers that find the
// cache empty or stale share a single refresh.
type tokenSource struct {
	fetch tokenFetcher
	now   func() time.Time
	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func newTokenSource(fetch tokenFetcher) *tokenSource {
	return &tokenSource{fetch: fetch, now: time.Now}
}

func (s *tokenSource) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, true
	}
	return "", false
}

// Token returns a valid access token, refreshing it when needed.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}
	ch := s.group.DoChan("token", func() (any, error) {
		if token, ok := s.cached(); ok {
			return token, nil
		}
		// Waiters are not failed by the first caller's cancellation, only by
		// its deadline.
		refreshCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			refreshCtx, cancel = context.WithDeadline(refreshCtx, deadline)
			defer cancel()
		}
		token, ttl, err := s.fetch(refreshCtx)
		if err != nil {
			return "", err
		}
		lifetime := ttl - refreshSkew
		if lifetime <= 0 {
			lifetime = ttl / 2
		}
		s.mu.Lock()
		s.token = token
		s.expiresAt = s.now().Add(lifetime)
		s.mu.Unlock()
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", failure.Wrap(failure.KindDeadlineExceeded, "dingtalk access token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops token if it is still the cached one.
func (s *tokenSource) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == token {
		s.token = ""
		s.expiresAt = time.Time{}
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	const op = "dingtalk access token"
	req := call{
		op:       op,
		method:   http.MethodGet,
		url:      c.cfg.OAPIBaseURL + "/gettoken",
		query:    url.Values{"appkey": {c.cfg.AppKey}, "appsecret": {c.cfg.AppSecret}},
		auth:     authNone,
		fallback: failure.KindInternal,
	}
	var out tokenResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", 0, err
	}
	if out.AccessToken == "" {
		return "", 0, failure.New(failure.KindInternal, op, "empty access token")
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	c.logger.Debug("access token refreshed", slog.Duration("ttl", ttl))
	return out.AccessToken, ttl, nil
}

// TokenExpiry reports when the cached token stops being used, for health checks.
func (c *Client) TokenExpiry() (time.Time, bool) {
	c.tokens.mu.RLock()
	defer c.tokens.mu.RUnlock()
	if c.tokens.token == "" {
		return time.Time{}, false
	}
	return c.tokens.expiresAt, true
}

// Ping ensures a valid access token can be obtained.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}
