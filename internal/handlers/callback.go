package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/orchestrator"
)

const callbackMaxBodyBytes int64 = 1 << 20 // 1 MiB

// EnvelopeHandler runs one authenticated callback to completion or deadline.
type EnvelopeHandler interface {
	Handle(ctx context.Context, env callback.Envelope) orchestrator.Outcome
}

// CallbackHandler receives encrypted DingTalk event callbacks.
type CallbackHandler struct {
	logger  *slog.Logger
	handler EnvelopeHandler
}

func NewCallbackHandler(log *slog.Logger, handler EnvelopeHandler) *CallbackHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CallbackHandler{
		logger:  log.With(slog.String("handler", "callback")),
		handler: handler,
	}
}

func (h *CallbackHandler) Register(e *echo.Echo) {
	e.POST("/callback", h.Handle)
}

type callbackBody struct {
	Encrypt string `json:"encrypt"`
}

// Handle answers every well-formed request with 200 and an encrypted
// acknowledgement; failures are only distinguishable after decryption.
func (h *CallbackHandler) Handle(c echo.Context) error {
	if h.handler == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "callback handler not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, callbackMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > callbackMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", callbackMaxBodyBytes))
	}
	var body callbackBody
	if err := json.Unmarshal(payload, &body); err != nil {
		// fails signature verification below and gets a failure ack
		h.logger.Warn("callback body is not json", slog.Any("error", err))
	}

	env := callback.Envelope{
		Signature: firstQuery(c, "signature", "msg_signature"),
		Timestamp: firstQuery(c, "timestamp", "timeStamp"),
		Nonce:     firstQuery(c, "nonce"),
		Encrypt:   strings.TrimSpace(body.Encrypt),
	}
	out := h.handler.Handle(c.Request().Context(), env)

	attrs := []any{
		slog.String("state", string(out.State)),
		slog.Bool("duplicate", out.Duplicate),
		slog.Bool("detached", out.Detached),
	}
	if out.State == orchestrator.StateFailed {
		attrs = append(attrs, slog.String("failure", out.Failure.String()), slog.Any("error", out.Err))
		h.logger.Warn("callback failed", attrs...)
	} else {
		h.logger.Info("callback handled", attrs...)
	}

	if out.Response.Encrypt == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not seal acknowledgement")
	}
	return c.JSON(http.StatusOK, out.Response)
}

func firstQuery(c echo.Context, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(c.QueryParam(name)); value != "" {
			return value
		}
	}
	return ""
}
