// Package upload moves a chat attachment into a member's drive space and
// turns it into a document URL the knowledge service can read.
package upload

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/drive"
	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/media"
)

// Transport is the media and drive API surface the pipeline drives.
type Transport interface {
	DownloadMedia(ctx context.Context, mediaID string, maxBytes int64) ([]byte, error)
	DownloadByCode(ctx context.Context, downloadCode, robotCode string, maxBytes int64) ([]byte, error)
	UploadMedia(ctx context.Context, fileName string, data []byte) (string, error)
	AddDriveFile(ctx context.Context, spaceID, mediaID, fileName string) (string, error)
	PreviewURL(ctx context.Context, spaceID, fileID string) (string, error)
}

// Result identifies an uploaded drive file.
type Result struct {
	SpaceID string `json:"space_id"`
	FileID  string `json:"file_id"`
	DocURL  string `json:"doc_url,omitempty"`
}

// Config bounds the pipeline.
type Config struct {
	MaxFileBytes int64
}

// Pipeline downloads, re-uploads and publishes one file at a time. It keeps
// no per-file state and is safe for concurrent use.
type Pipeline struct {
	transport Transport
	// store receives fallback copies; nil disables the fallback.
	store  media.StorageProvider
	cfg    Config
	logger *slog.Logger
}

func NewPipeline(log *slog.Logger, transport Transport, store media.StorageProvider, cfg Config) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = media.MaxFileBytes
	}
	return &Pipeline{
		transport: transport,
		store:     store,
		cfg:       cfg,
		logger:    log.With(slog.String("component", "upload")),
	}
}

// FetchSource downloads the file referenced by event. Files announced or
// observed above the size ceiling fail with KindPayloadTooLarge.
func (p *Pipeline) FetchSource(ctx context.Context, event callback.FileEvent) ([]byte, error) {
	const op = "fetch source"
	if err := media.CheckDeclaredSize(event.FileSize, p.cfg.MaxFileBytes); err != nil {
		return nil, failure.Wrap(failure.KindPayloadTooLarge, op, err)
	}
	var (
		data []byte
		err  error
	)
	switch {
	case event.MediaID != "":
		data, err = p.transport.DownloadMedia(ctx, event.MediaID, p.cfg.MaxFileBytes)
	case event.DownloadCode != "":
		data, err = p.transport.DownloadByCode(ctx, event.DownloadCode, event.RobotCode, p.cfg.MaxFileBytes)
	default:
		return nil, failure.New(failure.KindDownload, op, "event references no file")
	}
	if err != nil {
		if errors.Is(err, media.ErrFileTooLarge) {
			return nil, failure.Wrap(failure.KindPayloadTooLarge, op, err)
		}
		return nil, err
	}
	// a transport that ignores the ceiling must not slip oversized data through
	if int64(len(data)) > p.cfg.MaxFileBytes {
		return nil, failure.New(failure.KindPayloadTooLarge, op, "downloaded %d bytes, max %d", len(data), p.cfg.MaxFileBytes)
	}
	return data, nil
}

// UploadToSpace stores data in space under fileName.
func (p *Pipeline) UploadToSpace(ctx context.Context, space drive.Space, fileName string, data []byte) (Result, error) {
	mediaID, err := p.transport.UploadMedia(ctx, fileName, data)
	if err != nil {
		return Result{}, err
	}
	fileID, err := p.transport.AddDriveFile(ctx, space.SpaceID, mediaID, fileName)
	if err != nil {
		return Result{}, err
	}
	p.logger.Debug("file added to drive",
		slog.String("space_id", space.SpaceID),
		slog.String("file_id", fileID),
		slog.String("file_name", fileName))
	return Result{SpaceID: space.SpaceID, FileID: fileID}, nil
}

// ToDocURL returns the preview URL of an uploaded file. A preview that is
// still being generated fails with the retryable KindPreviewUnavailable.
func (p *Pipeline) ToDocURL(ctx context.Context, res Result) (string, error) {
	return p.transport.PreviewURL(ctx, res.SpaceID, res.FileID)
}

// CanFallback reports whether err may be recovered by publishing a local copy.
// Capacity failures are final: a copy would not fix them.
func (p *Pipeline) CanFallback(err error) bool {
	if p.store == nil || err == nil {
		return false
	}
	switch failure.KindOf(err) {
	case failure.KindPayloadTooLarge, failure.KindQuotaExceeded, failure.KindDeadlineExceeded:
		return false
	default:
		return true
	}
}

// Fallback writes data to the local store and returns its public URL.
func (p *Pipeline) Fallback(ctx context.Context, fileName string, data []byte) (string, error) {
	const op = "upload fallback"
	if p.store == nil {
		return "", failure.New(failure.KindUpload, op, "no fallback store configured")
	}
	key := strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + safeName(fileName)
	if err := p.store.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", failure.Wrap(failure.KindUpload, op, err)
	}
	docURL := p.store.AccessPath(key)
	p.logger.Warn("drive upload unavailable, serving local copy", slog.String("key", key))
	return docURL, nil
}

func safeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return name
}
