// Package stream receives robot messages over the DingTalk stream gateway, a
// long-lived websocket used instead of a public callback URL.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/dingtalk"
	"github.com/memohai/knowbot/internal/retry"
)

// Gateway registers a stream connection and hands out its endpoint.
type Gateway interface {
	OpenStreamConnection(ctx context.Context, subscriptions []dingtalk.Subscription, ua string) (dingtalk.StreamEndpoint, error)
}

// Handler processes one file message. It runs on its own goroutine after the
// frame was acknowledged.
type Handler func(ctx context.Context, event callback.FileEvent)

// Notifier answers a robot message through its session webhook.
type Notifier interface {
	ReplyText(ctx context.Context, webhook, text string) error
}

// Config tunes reconnects and liveness.
type Config struct {
	UserAgent    string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IdleTimeout drops a connection that received nothing for this long.
	IdleTimeout time.Duration
	// Notifier, when set, confirms text messages to their sender.
	Notifier Notifier
}

const (
	textReply    = "成功"
	replyTimeout = 10 * time.Second
)

// Client keeps one stream connection open and dispatches file messages.
type Client struct {
	gateway Gateway
	handler Handler
	dialer  *websocket.Dialer
	cfg     Config
	logger  *slog.Logger

	connected atomic.Bool
	lastFrame atomic.Int64
	inflight  sync.WaitGroup
}

func NewClient(log *slog.Logger, gateway Gateway, handler Handler, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "knowbot/1.0"
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Client{
		gateway: gateway,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		cfg:     cfg,
		logger:  log.With(slog.String("component", "stream")),
	}
}

// Connected reports whether a websocket session is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// LastFrame returns when the last frame arrived (zero if never).
func (c *Client) LastFrame() time.Time {
	ns := c.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run connects and reconnects until ctx is done, then waits for in-flight
// handlers to finish.
func (c *Client) Run(ctx context.Context) error {
	defer c.inflight.Wait()
	backoff := retry.Policy{InitialBackoff: c.cfg.ReconnectMin, MaxBackoff: c.cfg.ReconnectMax, Multiplier: 2}
	failures := 0
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.cfg.ReconnectMax {
			failures = 0
		}
		failures++
		delay := backoff.Backoff(failures)
		c.logger.Warn("stream session ended, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", delay))
		if err := retry.SleepContext(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	endpoint, err := c.gateway.OpenStreamConnection(ctx, []dingtalk.Subscription{
		{Type: TypeCallback, Topic: TopicBotMessage},
	}, c.cfg.UserAgent)
	if err != nil {
		return fmt.Errorf("open stream connection: %w", err)
	}
	target, err := url.Parse(endpoint.Endpoint)
	if err != nil {
		return fmt.Errorf("parse stream endpoint: %w", err)
	}
	query := target.Query()
	query.Set("ticket", endpoint.Ticket)
	target.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial stream endpoint: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("stream connected", slog.String("endpoint", endpoint.Endpoint))
	defer c.connected.Store(false)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	return c.serve(ctx, conn)
}

// serve reads frames until the connection fails or the gateway asks us to
// leave. All writes happen on this goroutine.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return err
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.lastFrame.Store(time.Now().UnixNano())

		switch frame.Type {
		case TypeSystem:
			switch frame.Headers.Topic {
			case TopicPing:
				if err := conn.WriteJSON(newAck(frame.Headers.MessageID, frame.Data)); err != nil {
					return fmt.Errorf("write ping ack: %w", err)
				}
			case TopicDisconnect:
				c.logger.Info("gateway requested disconnect")
				return errors.New("gateway disconnect")
			default:
				c.logger.Debug("system frame ignored", slog.String("topic", frame.Headers.Topic))
			}
		case TypeCallback:
			if err := conn.WriteJSON(newAck(frame.Headers.MessageID, callbackAckData)); err != nil {
				return fmt.Errorf("write callback ack: %w", err)
			}
			if frame.Headers.Topic == TopicBotMessage {
				c.dispatch(ctx, frame)
			}
		default:
			// events are acknowledged so the gateway does not redeliver them
			if err := conn.WriteJSON(newAck(frame.Headers.MessageID, "")); err != nil {
				return fmt.Errorf("write event ack: %w", err)
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, frame Frame) {
	event, err := callback.ParseEvent([]byte(frame.Data))
	if err != nil {
		c.logger.Warn("robot message dropped", slog.String("message_id", frame.Headers.MessageID), slog.Any("error", err))
		return
	}
	if event.Type != callback.EventFile {
		if event.RawType == "text" {
			c.confirm(ctx, event.SessionWebhook)
			return
		}
		c.logger.Debug("non-file robot message ignored", slog.String("msgtype", event.RawType))
		return
	}
	file := *event.File
	if strings.TrimSpace(file.MessageID) == "" {
		file.MessageID = frame.Headers.MessageID
	}
	handlerCtx := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.handler(handlerCtx, file)
	}()
}

// confirm answers a text message with a fixed acknowledgement.
func (c *Client) confirm(ctx context.Context, webhook string) {
	if c.cfg.Notifier == nil || strings.TrimSpace(webhook) == "" {
		return
	}
	replyCtx := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		replyCtx, cancel := context.WithTimeout(replyCtx, replyTimeout)
		defer cancel()
		if err := c.cfg.Notifier.ReplyText(replyCtx, webhook, textReply); err != nil {
			c.logger.Warn("text reply failed", slog.Any("error", err))
		}
	}()
}
