package dingtalk

import (
	"context"
	"net/http"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

// Subscription names a stream topic.
type Subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// StreamEndpoint is a websocket endpoint plus the one-time ticket to open it.
type StreamEndpoint struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

type openConnectionRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	Subscriptions []Subscription `json:"subscriptions"`
	UA            string         `json:"ua"`
	LocalIP       string         `json:"localIp,omitempty"`
}

// OpenStreamConnection registers a stream-mode connection for the app.
func (c *Client) OpenStreamConnection(ctx context.Context, subscriptions []Subscription, ua string) (StreamEndpoint, error) {
	const op = "dingtalk open stream connection"
	req, err := c.jsonCall(op, http.MethodPost, c.cfg.APIBaseURL+"/v1.0/gateway/connections/open", openConnectionRequest{
		ClientID:      c.cfg.AppKey,
		ClientSecret:  c.cfg.AppSecret,
		Subscriptions: subscriptions,
		UA:            ua,
	}, failure.KindInternal)
	if err != nil {
		return StreamEndpoint{}, err
	}
	req.auth = authNone
	var out StreamEndpoint
	if err := c.do(ctx, req, &out); err != nil {
		return StreamEndpoint{}, err
	}
	if strings.TrimSpace(out.Endpoint) == "" || strings.TrimSpace(out.Ticket) == "" {
		return StreamEndpoint{}, failure.New(failure.KindTransient, op, "gateway returned no endpoint")
	}
	return out, nil
}
