package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/memohai/knowbot/internal/media/providers/localfs"
)

// UploadsHandler serves fallback copies written by the local store.
type UploadsHandler struct {
	root string
}

func NewUploadsHandler(store *localfs.Store) *UploadsHandler {
	if store == nil {
		return &UploadsHandler{}
	}
	return &UploadsHandler{root: store.Root()}
}

func (h *UploadsHandler) Register(e *echo.Echo) {
	if h.root == "" {
		return
	}
	e.Static(localfs.RoutePrefix, h.root)
}
