// Package dingtalk is a typed client for the subset of DingTalk open platform
// endpoints the bot needs: contacts, drive, media, assistant knowledge, robot
// replies and the stream gateway.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/media"
)

const (
	DefaultAPIBaseURL  = "https://api.dingtalk.com"
	DefaultOAPIBaseURL = "https://oapi.dingtalk.com"

	tokenHeader      = "x-acs-dingtalk-access-token"
	maxResponseBytes = 4 * 1024 * 1024
)

// Config holds app credentials and transport settings.
type Config struct {
	AppKey      string
	AppSecret   string
	AgentID     string
	APIBaseURL  string
	OAPIBaseURL string
	// QPS bounds outbound requests; zero disables the limiter.
	QPS         float64
	Burst       int
	CallTimeout time.Duration
}

// Client talks to DingTalk on behalf of one app. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tokens  *tokenSource
	logger  *slog.Logger
}

// NewClient builds a client. httpClient may be nil.
func NewClient(log *slog.Logger, cfg Config, httpClient *http.Client) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.AppKey = strings.TrimSpace(cfg.AppKey)
	cfg.AppSecret = strings.TrimSpace(cfg.AppSecret)
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, errors.New("dingtalk app key and secret are required")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if strings.TrimSpace(cfg.OAPIBaseURL) == "" {
		cfg.OAPIBaseURL = DefaultOAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.OAPIBaseURL = strings.TrimRight(cfg.OAPIBaseURL, "/")
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		logger:  log.With(slog.String("component", "dingtalk")),
	}
	c.tokens = newTokenSource(c.fetchToken)
	return c, nil
}

// AppKey returns the configured app key (also the robot code for app bots).
func (c *Client) AppKey() string { return c.cfg.AppKey }

type authMode int

const (
	authNone authMode = iota
	authHeader
	authQuery
)

// call describes one JSON round trip.
type call struct {
	op          string
	method      string
	url         string
	query       url.Values
	body        []byte
	contentType string
	auth        authMode
	// fallback is the failure kind for errors that are neither throttling,
	// capacity nor server-side.
	fallback failure.Kind
}

func (c *Client) jsonCall(op, method, rawURL string, payload any, fallback failure.Kind) (call, error) {
	req := call{op: op, method: method, url: rawURL, auth: authHeader, fallback: fallback}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return call{}, failure.Wrap(failure.KindInternal, op, err)
		}
		req.body = body
		req.contentType = "application/json"
	}
	return req, nil
}

// formCall builds a legacy oapi request whose parameters travel as a JSON
// document in the "request" form field.
func (c *Client) formCall(op, path string, payload any, fallback failure.Kind) (call, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return call{}, failure.Wrap(failure.KindInternal, op, err)
	}
	form := url.Values{}
	form.Set("request", string(doc))
	return call{
		op:          op,
		method:      http.MethodPost,
		url:         c.cfg.OAPIBaseURL + path,
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		auth:        authQuery,
		fallback:    fallback,
	}, nil
}

// do runs req and decodes the response into out. A rejected access token is
// invalidated and the request replayed once with a fresh token.
func (c *Client) do(ctx context.Context, req call, out any) error {
	for attempt := 0; ; attempt++ {
		token := ""
		if req.auth != authNone {
			var err error
			token, err = c.tokens.Token(ctx)
			if err != nil {
				return err
			}
		}
		status, body, err := c.send(ctx, req, token)
		if err != nil {
			return err
		}
		apiErr := parseAPIError(status, body)
		if apiErr != nil {
			if apiErr.tokenRejected() && token != "" && attempt == 0 {
				c.logger.Info("access token rejected, refreshing", slog.String("op", req.op))
				c.tokens.Invalidate(token)
				continue
			}
			return failure.Wrap(apiErr.kind(req.fallback), req.op, apiErr)
		}
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return failure.Wrap(req.fallback, req.op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, req call, token string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, failure.Wrap(transportKind(ctx, err), req.op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	target, err := url.Parse(req.url)
	if err != nil {
		return 0, nil, failure.Wrap(failure.KindInternal, req.op, err)
	}
	query := target.Query()
	for key, values := range req.query {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	if req.auth == authQuery {
		query.Set("access_token", token)
	}
	target.RawQuery = query.Encode()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, target.String(), body)
	if err != nil {
		return 0, nil, failure.Wrap(failure.KindInternal, req.op, err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.auth == authHeader {
		httpReq.Header.Set(tokenHeader, token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, failure.Wrap(transportKind(callCtx, err), req.op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := media.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return 0, nil, failure.Wrap(transportKind(callCtx, err), req.op, fmt.Errorf("read response: %w", err))
	}
	return resp.StatusCode, data, nil
}

// transportKind classifies a failure that happened before a response arrived.
func transportKind(ctx context.Context, err error) failure.Kind {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return failure.KindInternal
	}
	return failure.KindTransient
}
