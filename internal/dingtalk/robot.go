package dingtalk

import (
	"context"
	"net/http"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

type textReply struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// ReplyText posts a text message to a conversation's session webhook.
func (c *Client) ReplyText(ctx context.Context, sessionWebhook, text string) error {
	const op = "dingtalk robot reply"
	if strings.TrimSpace(sessionWebhook) == "" {
		return failure.New(failure.KindInternal, op, "session webhook is required")
	}
	payload := textReply{MsgType: "text"}
	payload.Text.Content = text
	req, err := c.jsonCall(op, http.MethodPost, sessionWebhook, payload, failure.KindInternal)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}
