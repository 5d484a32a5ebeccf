package dingtalk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/knowbot/internal/failure"
)

// fakeDingTalk serves /gettoken and delegates everything else to routes.
type fakeDingTalk struct {
	tokenCalls atomic.Int32
	expiresIn  int
	mu         sync.Mutex
	routes     map[string]http.HandlerFunc
}

func (f *fakeDingTalk) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/gettoken" {
		n := f.tokenCalls.Add(1)
		expires := f.expiresIn
		if expires == 0 {
			expires = 7200
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"errcode":      0,
			"access_token": "token-" + string(rune('0'+n)),
			"expires_in":   expires,
		})
		return
	}
	f.mu.Lock()
	h := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, fake *fakeDingTalk) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(nil, Config{
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		AgentID:     "agent-1",
		APIBaseURL:  srv.URL,
		OAPIBaseURL: srv.URL,
		CallTimeout: 2 * time.Second,
	}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewClient(nil, Config{AppKey: "k"}, nil)
	assert.Error(t, err)
}

func TestTokenRefreshedOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /v1.0/contact/users/search": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"list": []string{"u1"}})
		},
	}}
	c := newTestClient(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := c.SearchUserIDs(context.Background(), "Alice", 10)
			assert.NoError(t, err)
			assert.Equal(t, []string{"u1"}, ids)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestTokenRefreshedBeforeExpiry(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{expiresIn: 120}
	c := newTestClient(t, fake)
	now := time.Unix(1700000000, 0)
	c.tokens.now = func() time.Time { return now }

	first, err := c.tokens.Token(context.Background())
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	again, err := c.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), fake.tokenCalls.Load())

	// 60s before the 120s expiry the token is renewed.
	now = now.Add(2 * time.Second)
	renewed, err := c.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, renewed)
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestRejectedTokenIsRefreshedAndReplayed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"GET /v1.0/contact/users/u1": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "InvalidAuthentication", "message": "token expired"})
				return
			}
			assert.Equal(t, "token-2", r.Header.Get(tokenHeader))
			writeJSON(w, http.StatusOK, map[string]any{"unionId": "union-1"})
		},
	}}
	c := newTestClient(t, fake)

	unionID, err := c.GetUnionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "union-1", unionID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     any
		fallback failure.Kind
		want     failure.Kind
	}{
		{name: "http 429", status: http.StatusTooManyRequests, body: map[string]any{}, fallback: failure.KindInternal, want: failure.KindRateLimited},
		{name: "qps code", status: http.StatusForbidden, body: map[string]any{"code": "Forbidden.AccessDenied.QpsLimitForApi"}, fallback: failure.KindInternal, want: failure.KindRateLimited},
		{name: "oapi throttle errcode", status: http.StatusOK, body: map[string]any{"errcode": 90018, "errmsg": "too many"}, fallback: failure.KindUpload, want: failure.KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, body: map[string]any{}, fallback: failure.KindUpload, want: failure.KindTransient},
		{name: "quota", status: http.StatusBadRequest, body: map[string]any{"code": "QuotaExceeded", "message": "drive full"}, fallback: failure.KindUpload, want: failure.KindQuotaExceeded},
		{name: "other client error", status: http.StatusBadRequest, body: map[string]any{"code": "invalidParameter"}, fallback: failure.KindUpload, want: failure.KindUpload},
		{name: "oapi errcode", status: http.StatusOK, body: map[string]any{"errcode": 60011, "errmsg": "no permission"}, fallback: failure.KindProvisionFailed, want: failure.KindProvisionFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tt.body)
			require.NoError(t, err)
			apiErr := parseAPIError(tt.status, raw)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.want, apiErr.kind(tt.fallback))
		})
	}

	assert.Nil(t, parseAPIError(http.StatusOK, []byte(`{"errcode":0,"media_id":"m"}`)))
	assert.Nil(t, parseAPIError(http.StatusOK, []byte(`{"list":[]}`)))
}

func TestSearchUserIDsSendsFullMatchQuery(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /v1.0/contact/users/search": func(w http.ResponseWriter, r *http.Request) {
			var req userSearchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Alice", req.QueryWord)
			assert.Equal(t, 1, req.FullMatchField)
			assert.Equal(t, "token-1", r.Header.Get(tokenHeader))
			writeJSON(w, http.StatusOK, map[string]any{"list": []string{"u1", "u1", "u2"}})
		},
	}}
	c := newTestClient(t, fake)

	ids, err := c.SearchUserIDs(context.Background(), "Alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestSearchRateLimited(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /v1.0/contact/users/search": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": "Throttling"})
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.SearchUserIDs(context.Background(), "Alice", 10)
	require.Error(t, err)
	assert.Equal(t, failure.KindRateLimited, failure.KindOf(err))
	assert.True(t, failure.Retryable(err))
}

func TestDriveUploadFlow(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /media/upload": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "token-1", r.URL.Query().Get("access_token"))
			assert.Equal(t, "file", r.URL.Query().Get("type"))
			file, header, err := r.FormFile("media")
			require.NoError(t, err)
			data, _ := io.ReadAll(file)
			assert.Equal(t, "report.pdf", header.Filename)
			assert.Equal(t, "pdf-bytes", string(data))
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 0, "media_id": "@media"})
		},
		"POST /topapi/drive/file/add": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			var req driveFileRequest
			require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("request")), &req))
			assert.Equal(t, "agent-1", req.AgentID)
			assert.Equal(t, "space-1", req.SpaceID)
			assert.Equal(t, "@media", req.MediaID)
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 0, "result": map[string]any{"file_id": "file-1"}})
		},
		"POST /topapi/drive/file/get_preview_info": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 0, "result": map[string]any{"preview_url": "https://preview/file-1"}})
		},
	}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	mediaID, err := c.UploadMedia(ctx, "report.pdf", []byte("pdf-bytes"))
	require.NoError(t, err)
	fileID, err := c.AddDriveFile(ctx, "space-1", mediaID, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "file-1", fileID)
	preview, err := c.PreviewURL(ctx, "space-1", fileID)
	require.NoError(t, err)
	assert.Equal(t, "https://preview/file-1", preview)
}

func TestPreviewNotReady(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /topapi/drive/file/get_preview_info": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 0, "result": map[string]any{}})
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.PreviewURL(context.Background(), "space-1", "file-1")
	require.Error(t, err)
	assert.Equal(t, failure.KindPreviewUnavailable, failure.KindOf(err))
}

func TestDownloadByCodeFollowsTemporaryURL(t *testing.T) {
	t.Parallel()

	var fileURL string
	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /v1.0/robot/messageFiles/download": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dc-1", body["downloadCode"])
			assert.Equal(t, "app-key", body["robotCode"])
			writeJSON(w, http.StatusOK, map[string]any{"downloadUrl": fileURL})
		},
		"GET /files/dc-1": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("file-content"))
		},
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	fileURL = srv.URL + "/files/dc-1"
	c, err := NewClient(nil, Config{AppKey: "app-key", AppSecret: "s", APIBaseURL: srv.URL, OAPIBaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	data, err := c.DownloadByCode(context.Background(), "dc-1", "", 1024)
	require.NoError(t, err)
	assert.Equal(t, "file-content", string(data))
}

func TestDownloadMediaRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"GET /media/downloadFile": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "@big", r.URL.Query().Get("mediaId"))
			w.Header().Set("Content-Type", "application/octet-stream")
			// no Content-Length: the limit applies while streaming
			flusher, _ := w.(http.Flusher)
			for i := 0; i < 4; i++ {
				_, _ = w.Write([]byte(strings.Repeat("x", 64)))
				if flusher != nil {
					flusher.Flush()
				}
			}
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.DownloadMedia(context.Background(), "@big", 100)
	require.Error(t, err)
	assert.Equal(t, failure.KindPayloadTooLarge, failure.KindOf(err))
}

func TestDownloadMediaErrcodeBody(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"GET /media/downloadFile": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 40004, "errmsg": "invalid media"})
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.DownloadMedia(context.Background(), "@gone", 1024)
	require.Error(t, err)
	assert.Equal(t, failure.KindDownload, failure.KindOf(err))
}

func TestDownloadMediaRefreshesRejectedToken(t *testing.T) {
	t.Parallel()

	var seen []string
	var mu sync.Mutex
	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"GET /media/downloadFile": func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("access_token")
			mu.Lock()
			seen = append(seen, token)
			mu.Unlock()
			if token == "token-1" {
				writeJSON(w, http.StatusOK, map[string]any{"errcode": 42001, "errmsg": "access_token expired"})
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("file-content"))
		},
	}}
	c := newTestClient(t, fake)

	data, err := c.DownloadMedia(context.Background(), "@media", 1024)
	require.NoError(t, err)
	assert.Equal(t, "file-content", string(data))
	assert.Equal(t, []string{"token-1", "token-2"}, seen)
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestDownloadMediaGivesUpAfterSecondRejection(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"GET /media/downloadFile": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
		},
	}}
	c := newTestClient(t, fake)

	_, err := c.DownloadMedia(context.Background(), "@media", 1024)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLearnKnowledge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     any
		want     LearnResult
		wantKind failure.Kind
	}{
		{name: "accepted", status: http.StatusOK, body: map[string]any{"result": true}, want: LearnResult{Accepted: true}},
		{name: "pending", status: http.StatusOK, body: map[string]any{"result": true, "status": "PENDING"}, want: LearnResult{Accepted: true, Pending: true, Status: "pending"}},
		{name: "refused", status: http.StatusOK, body: map[string]any{"result": false}, want: LearnResult{Accepted: false}},
		{name: "bad request", status: http.StatusBadRequest, body: map[string]any{"code": "invalidDocUrl"}, wantKind: failure.KindRejected},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: map[string]any{}, wantKind: failure.KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
				"POST /v1.0/assistant/knowledges/learn": func(w http.ResponseWriter, r *http.Request) {
					var req learnRequest
					require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
					assert.Equal(t, "assistant-1", req.AssistantID)
					assert.Equal(t, "https://doc", req.DocURL)
					writeJSON(w, tt.status, tt.body)
				},
			}}
			c := newTestClient(t, fake)
			got, err := c.LearnKnowledge(context.Background(), "assistant-1", "https://doc", "doc")
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, failure.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenStreamConnectionSkipsAccessToken(t *testing.T) {
	t.Parallel()

	fake := &fakeDingTalk{routes: map[string]http.HandlerFunc{
		"POST /v1.0/gateway/connections/open": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get(tokenHeader))
			var req openConnectionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "app-key", req.ClientID)
			assert.Len(t, req.Subscriptions, 1)
			writeJSON(w, http.StatusOK, map[string]any{"endpoint": "wss://stream", "ticket": "t-1"})
		},
	}}
	c := newTestClient(t, fake)

	ep, err := c.OpenStreamConnection(context.Background(), []Subscription{{Type: "CALLBACK", Topic: "/v1.0/im/bot/messages/get"}}, "knowbot/test")
	require.NoError(t, err)
	assert.Equal(t, StreamEndpoint{Endpoint: "wss://stream", Ticket: "t-1"}, ep)
	assert.Zero(t, fake.tokenCalls.Load())
}
