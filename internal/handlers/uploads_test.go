package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/knowbot/internal/media/providers/localfs"
)

func TestUploadsHandlerServesStoredFiles(t *testing.T) {
	t.Parallel()

	store, err := localfs.New(t.TempDir(), "https://bot.example.com")
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "abc_report.txt", strings.NewReader("hello")))

	h := NewUploadsHandler(store)
	rec := serve(t, h, http.MethodGet, "/uploads/abc_report.txt")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/uploads/missing.txt").Code)
}

func TestUploadsHandlerDisabled(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewUploadsHandler(nil), http.MethodGet, "/uploads/anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
