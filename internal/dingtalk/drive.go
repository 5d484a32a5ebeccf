package dingtalk

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

type spaceItem struct {
	SpaceID    string `json:"spaceId"`
	SpaceIDAlt string `json:"space_id"`
}

func (s spaceItem) id() string {
	if id := strings.TrimSpace(s.SpaceID); id != "" {
		return id
	}
	return strings.TrimSpace(s.SpaceIDAlt)
}

type spaceListResponse struct {
	Spaces []spaceItem `json:"spaces"`
	List   []spaceItem `json:"list"`
}

// ListPersonalSpaces returns the personal drive space ids owned by unionID.
func (c *Client) ListPersonalSpaces(ctx context.Context, unionID string) ([]string, error) {
	req, err := c.jsonCall("dingtalk list spaces", http.MethodGet, c.cfg.APIBaseURL+"/v1.0/drive/spaces", nil, failure.KindProvisionFailed)
	if err != nil {
		return nil, err
	}
	req.query = url.Values{"unionId": {unionID}, "spaceType": {"personal"}, "maxResults": {"1"}}
	var out spaceListResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Spaces)+len(out.List))
	for _, item := range append(out.Spaces, out.List...) {
		if id := item.id(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreatePersonalSpace provisions a personal drive space for unionID.
func (c *Client) CreatePersonalSpace(ctx context.Context, unionID, name string) (string, error) {
	const op = "dingtalk create space"
	req, err := c.jsonCall(op, http.MethodPost, c.cfg.APIBaseURL+"/v1.0/drive/spaces",
		map[string]string{"name": name}, failure.KindProvisionFailed)
	if err != nil {
		return "", err
	}
	req.query = url.Values{"unionId": {unionID}}
	var out spaceItem
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	if out.id() == "" {
		return "", failure.New(failure.KindProvisionFailed, op, "response carries no spaceId")
	}
	return out.id(), nil
}

type mediaUploadResponse struct {
	MediaID string `json:"media_id"`
}

// UploadMedia stores data as a temporary media object and returns its mediaId.
func (c *Client) UploadMedia(ctx context.Context, fileName string, data []byte) (string, error) {
	const op = "dingtalk media upload"
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", fileName)
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, op, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", failure.Wrap(failure.KindInternal, op, err)
	}
	if err := writer.Close(); err != nil {
		return "", failure.Wrap(failure.KindInternal, op, err)
	}
	req := call{
		op:          op,
		method:      http.MethodPost,
		url:         c.cfg.OAPIBaseURL + "/media/upload",
		query:       url.Values{"type": {"file"}},
		body:        body.Bytes(),
		contentType: writer.FormDataContentType(),
		auth:        authQuery,
		fallback:    failure.KindUpload,
	}
	var out mediaUploadResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.MediaID) == "" {
		return "", failure.New(failure.KindUpload, op, "response carries no media_id")
	}
	return out.MediaID, nil
}

type driveFileRequest struct {
	AgentID   string `json:"agent_id"`
	SpaceID   string `json:"space_id"`
	FileName  string `json:"file_name,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	Overwrite *bool  `json:"overwrite,omitempty"`
}

type driveFileResponse struct {
	Result struct {
		FileID     string `json:"file_id"`
		PreviewURL string `json:"preview_url"`
	} `json:"result"`
}

// AddDriveFile attaches an uploaded media object to a drive space.
func (c *Client) AddDriveFile(ctx context.Context, spaceID, mediaID, fileName string) (string, error) {
	const op = "dingtalk drive add file"
	overwrite := true
	req, err := c.formCall(op, "/topapi/drive/file/add", driveFileRequest{
		AgentID:   c.cfg.AgentID,
		SpaceID:   spaceID,
		FileName:  fileName,
		MediaID:   mediaID,
		Overwrite: &overwrite,
	}, failure.KindUpload)
	if err != nil {
		return "", err
	}
	var out driveFileResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Result.FileID) == "" {
		return "", failure.New(failure.KindUpload, op, "response carries no file_id")
	}
	return out.Result.FileID, nil
}

// PreviewURL returns the web preview URL of a drive file. A file the platform
// is still converting yields KindPreviewUnavailable.
func (c *Client) PreviewURL(ctx context.Context, spaceID, fileID string) (string, error) {
	const op = "dingtalk drive preview"
	req, err := c.formCall(op, "/topapi/drive/file/get_preview_info", driveFileRequest{
		AgentID: c.cfg.AgentID,
		SpaceID: spaceID,
		FileID:  fileID,
	}, failure.KindUpload)
	if err != nil {
		return "", err
	}
	var out driveFileResponse
	if err := c.do(ctx, req, &out); err != nil {
		if stillProcessing(err) {
			return "", failure.Wrap(failure.KindPreviewUnavailable, op, err)
		}
		return "", err
	}
	preview := strings.TrimSpace(out.Result.PreviewURL)
	if preview == "" {
		return "", failure.New(failure.KindPreviewUnavailable, op, "preview not ready for file %s", fileID)
	}
	return preview, nil
}

func stillProcessing(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "processing") || strings.Contains(msg, "converting") || strings.Contains(apiErr.Message, "转换中")
}
