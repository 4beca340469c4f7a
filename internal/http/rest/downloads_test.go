package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/leech_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDownloader implements Downloader for testing.
type mockDownloader struct {
	mu           sync.Mutex
	downloadFunc func(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error)
	requests     []transfer.Request
}

func (m *mockDownloader) Download(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, req, onProgress)
	}

	return transfer.File("/downloads/file.bin"), nil
}

func (m *mockDownloader) lastRequest() transfer.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[len(m.requests)-1]
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, content)

	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.messages...)
}

func newTestHandler(t *testing.T, d Downloader, username, password string) (*DownloadsHandler, *recordingNotifier) {
	t.Helper()

	n := &recordingNotifier{}
	h := NewDownloadsHandler(context.Background(), username, password, d, t.TempDir(), n, nil, 0)

	t.Cleanup(h.Wait)

	return h, n
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func getView(t *testing.T, handler http.Handler, id string) DownloadView {
	t.Helper()

	rec := doJSON(t, handler, http.MethodGet, "/downloads/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var v DownloadView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

func waitForState(t *testing.T, handler http.Handler, id string, state JobState) DownloadView {
	t.Helper()

	var v DownloadView

	require.Eventually(t, func() bool {
		v = getView(t, handler, id)
		return v.State == state
	}, 2*time.Second, 5*time.Millisecond)

	return v
}

func TestHandleCreate_CompletesDownload(t *testing.T) {
	d := &mockDownloader{
		downloadFunc: func(_ context.Context, _ transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error) {
			onProgress.Report(transfer.NewProgress(10, 10, 5))
			return transfer.File("/downloads/ubuntu.iso"), nil
		},
	}
	h, n := newTestHandler(t, d, "", "")
	routes := h.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/downloads", DownloadRequest{
		Source:   "https://example.com/ubuntu.iso",
		Filename: "ubuntu.iso",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created DownloadView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	v := waitForState(t, routes, created.ID, StateCompleted)
	assert.Equal(t, "/downloads/ubuntu.iso", v.Path)
	assert.False(t, v.IsDir)
	require.NotNil(t, v.Progress)
	assert.Equal(t, float64(100), v.Progress.Percentage)
	assert.NotNil(t, v.FinishedAt)

	req := d.lastRequest()
	assert.Equal(t, "ubuntu.iso", req.Filename)
	assert.True(t, req.PreferDaemon)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "✅ Download finished: ubuntu.iso", n.all()[0])
}

func TestHandleCreate_PreferDaemonOverride(t *testing.T) {
	d := &mockDownloader{}
	h, _ := newTestHandler(t, d, "", "")
	routes := h.Routes()

	preferDaemon := false
	rec := doJSON(t, routes, http.MethodPost, "/downloads", DownloadRequest{
		Source:       "https://example.com/a.zip",
		PreferDaemon: &preferDaemon,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	h.Wait()
	assert.False(t, d.lastRequest().PreferDaemon)
}

func TestHandleCreate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", "{", "invalid request body"},
		{"no source", `{}`, "either source or metainfo must be provided"},
		{"unsupported scheme", `{"source":"ftp://example.com/file"}`, "not an http(s) URL"},
		{"bad base64", `{"metainfo":"!!!"}`, "invalid base64 encoding"},
		{"not a torrent", `{"metainfo":"` + base64.StdEncoding.EncodeToString([]byte("d8:announce3:urle")) + `"}`, "missing required 'info' dictionary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDownloader{}
			h, _ := newTestHandler(t, d, "", "")

			req := httptest.NewRequest(http.MethodPost, "/downloads", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
			assert.Empty(t, d.requests)
		})
	}
}

func TestHandleCreate_MetaInfoIsSaved(t *testing.T) {
	torrent := []byte("d4:infod4:name4:testee")
	d := &mockDownloader{}
	h, _ := newTestHandler(t, d, "", "")

	rec := doJSON(t, h.Routes(), http.MethodPost, "/downloads", DownloadRequest{
		MetaInfo: base64.StdEncoding.EncodeToString(torrent),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	h.Wait()

	src := d.lastRequest().Source
	assert.Equal(t, filepath.Join(h.downloadDir, generateTorrentFilename(torrent)), src)

	saved, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, torrent, saved)
}

func TestHandleCreate_FailureIsReported(t *testing.T) {
	d := &mockDownloader{
		downloadFunc: func(context.Context, transfer.Request, transfer.ProgressFunc) (transfer.Result, error) {
			return transfer.Result{}, &transfer.DaemonRequiredError{
				Source: "magnet",
				Err:    &transfer.DaemonUnavailableError{Host: "localhost", Port: 6800, Attempts: 3, Err: errors.New("connection refused")},
			}
		},
	}
	h, n := newTestHandler(t, d, "", "")
	routes := h.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/downloads", DownloadRequest{
		Source: "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created DownloadView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	v := waitForState(t, routes, created.ID, StateFailed)
	assert.Equal(t, "magnet downloads need the download daemon, which is not reachable at localhost:6800", v.Error)
	assert.Empty(t, v.Path)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(n.all()[0], "❌ Download failed:"))
}

func TestHandleDelete(t *testing.T) {
	started := make(chan struct{})
	d := &mockDownloader{
		downloadFunc: func(ctx context.Context, _ transfer.Request, _ transfer.ProgressFunc) (transfer.Result, error) {
			close(started)
			<-ctx.Done()

			return transfer.Result{}, errors.Join(transfer.ErrCancelled, ctx.Err())
		},
	}
	h, n := newTestHandler(t, d, "", "")
	routes := h.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/downloads", DownloadRequest{Source: "https://example.com/big.iso"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created DownloadView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	<-started

	rec = doJSON(t, routes, http.MethodDelete, "/downloads/"+created.ID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	v := waitForState(t, routes, created.ID, StateCancelled)
	assert.Equal(t, "download cancelled", v.Error)
	assert.Empty(t, n.all(), "cancellations are not notified")

	// a finished download is forgotten
	rec = doJSON(t, routes, http.MethodDelete, "/downloads/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, routes, http.MethodGet, "/downloads/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, routes, http.MethodDelete, "/downloads/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleList(t *testing.T) {
	h, _ := newTestHandler(t, &mockDownloader{}, "", "")
	routes := h.Routes()

	for _, src := range []string{"https://example.com/a", "https://example.com/b"} {
		rec := doJSON(t, routes, http.MethodPost, "/downloads", DownloadRequest{Source: src})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	h.Wait()

	rec := doJSON(t, routes, http.MethodGet, "/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Downloads []DownloadView `json:"downloads"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Downloads, 2)
	assert.Equal(t, "https://example.com/a", body.Downloads[0].Source)
	assert.Equal(t, "https://example.com/b", body.Downloads[1].Source)
}

func TestActiveFiles(t *testing.T) {
	release := make(chan struct{})
	d := &mockDownloader{
		downloadFunc: func(context.Context, transfer.Request, transfer.ProgressFunc) (transfer.Result, error) {
			<-release
			return transfer.File("/downloads/test"), nil
		},
	}
	h, _ := newTestHandler(t, d, "", "")

	torrent := []byte("d4:infod4:name4:testee")
	rec := doJSON(t, h.Routes(), http.MethodPost, "/downloads", DownloadRequest{
		MetaInfo: base64.StdEncoding.EncodeToString(torrent),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	saved := filepath.Join(h.downloadDir, generateTorrentFilename(torrent))
	assert.Equal(t, map[string]bool{saved: true}, h.ActiveFiles())

	close(release)
	h.Wait()

	require.Eventually(t, func() bool { return len(h.ActiveFiles()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBasicAuth(t *testing.T) {
	tests := []struct {
		name       string
		setAuth    bool
		username   string
		password   string
		wantStatus int
	}{
		{"missing credentials", false, "", "", http.StatusUnauthorized},
		{"wrong password", true, "admin", "nope", http.StatusUnauthorized},
		{"valid credentials", true, "admin", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &mockDownloader{}, "admin", "secret")

			req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.username, tt.password)
			}

			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestGenerateTorrentFilename(t *testing.T) {
	content := []byte("d4:infod4:name4:testee")

	name := generateTorrentFilename(content)
	assert.True(t, strings.HasSuffix(name, ".torrent"))
	assert.Len(t, name, 16+len(".torrent"))
	assert.Equal(t, name, generateTorrentFilename(content), "filenames are stable")
	assert.NotEqual(t, name, generateTorrentFilename([]byte("d4:infod4:name5:otheree")))
}

func TestFormatDownloadError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "invalid source",
			err:  &transfer.InvalidSourceError{Source: "x", Reason: "malformed magnet link"},
			want: "invalid source: malformed magnet link",
		},
		{
			name: "daemon not configured",
			err:  &transfer.DaemonRequiredError{Source: "torrent", Err: errors.New("no daemon configured")},
			want: "torrent downloads need the download daemon, which is not configured",
		},
		{
			name: "daemon job failed",
			err:  &transfer.DaemonJobFailedError{GID: "abc", Code: "3", Message: "resource not found"},
			want: "download daemon reported: resource not found",
		},
		{
			name: "http status",
			err:  &transfer.DownloadFailedError{URL: "https://example.com/x", StatusCode: 404, Attempts: 1},
			want: "server answered HTTP 404 for https://example.com/x",
		},
		{
			name: "transport failure",
			err:  &transfer.DownloadFailedError{URL: "https://example.com/x", Attempts: 3, Err: errors.New("reset")},
			want: "could not download https://example.com/x after 3 attempts",
		},
		{
			name: "filesystem",
			err:  &transfer.FilesystemError{Path: "/downloads/x", Op: "create", Err: os.ErrPermission},
			want: "could not create /downloads/x",
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: "error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDownloadError(tt.err))
		})
	}
}
