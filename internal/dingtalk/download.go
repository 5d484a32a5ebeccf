package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/media"
)

// DownloadMedia fetches a media object by mediaId, rejecting payloads over maxBytes.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string, maxBytes int64) ([]byte, error) {
	const op = "dingtalk media download"
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		target := c.cfg.OAPIBaseURL + "/media/downloadFile?" + url.Values{
			"access_token": {token},
			"mediaId":      {mediaID},
		}.Encode()
		data, err := c.fetch(ctx, op, target, maxBytes)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.tokenRejected() {
			c.logger.Info("access token rejected, refreshing", slog.String("op", op))
			c.tokens.Invalidate(token)
			continue
		}
		return data, err
	}
}

type messageFileResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// DownloadByCode exchanges a robot message downloadCode for a temporary URL
// and fetches the file, rejecting payloads over maxBytes.
func (c *Client) DownloadByCode(ctx context.Context, downloadCode, robotCode string, maxBytes int64) ([]byte, error) {
	const op = "dingtalk message file download"
	if strings.TrimSpace(robotCode) == "" {
		robotCode = c.cfg.AppKey
	}
	req, err := c.jsonCall(op, http.MethodPost, c.cfg.APIBaseURL+"/v1.0/robot/messageFiles/download",
		map[string]string{"downloadCode": downloadCode, "robotCode": robotCode}, failure.KindDownload)
	if err != nil {
		return nil, err
	}
	var out messageFileResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.DownloadURL) == "" {
		return nil, failure.New(failure.KindDownload, op, "response carries no downloadUrl")
	}
	return c.fetch(ctx, op, out.DownloadURL, maxBytes)
}

// fetch streams a binary body with a size ceiling. JSON bodies on the media
// endpoint carry errcode failures instead of file content.
func (c *Client) fetch(ctx context.Context, op, target string, maxBytes int64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, failure.Wrap(transportKind(ctx, err), op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, failure.Wrap(failure.KindDownload, op, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, failure.Wrap(transportKind(callCtx, err), op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := media.ReadAllWithLimit(resp.Body, maxResponseBytes)
		apiErr := parseAPIError(resp.StatusCode, body)
		return nil, failure.Wrap(apiErr.kind(failure.KindDownload), op, apiErr)
	}
	if err := media.CheckDeclaredSize(resp.ContentLength, maxBytes); err != nil {
		return nil, failure.Wrap(failure.KindPayloadTooLarge, op, err)
	}
	data, err := media.ReadAllWithLimit(resp.Body, maxBytes)
	if err != nil {
		if errors.Is(err, media.ErrFileTooLarge) {
			return nil, failure.Wrap(failure.KindPayloadTooLarge, op, err)
		}
		return nil, failure.Wrap(transportKind(callCtx, err), op, fmt.Errorf("read body: %w", err))
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if apiErr := parseAPIError(resp.StatusCode, data); apiErr != nil {
			return nil, failure.Wrap(apiErr.kind(failure.KindDownload), op, apiErr)
		}
	}
	return data, nil
}
