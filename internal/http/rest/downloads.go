package rest

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/notifier"
	"github.com/italolelis/leech_relay/internal/relay"
	"github.com/italolelis/leech_relay/internal/source"
	"github.com/italolelis/leech_relay/internal/telemetry"
	"github.com/italolelis/leech_relay/internal/transfer"
)

const maxRequestSize = 16 * 1024 * 1024 // base64 of the largest accepted .torrent

// Downloader serves one download request.
type Downloader interface {
	Download(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error)
}

type JobState string

const (
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

type DownloadRequest struct {
	Source       string `json:"source"`
	Filename     string `json:"filename,omitempty"`
	PreferDaemon *bool  `json:"prefer_daemon,omitempty"`
	// MetaInfo is a base64 encoded .torrent file, used instead of Source.
	MetaInfo string `json:"metainfo,omitempty"`
}

type ProgressView struct {
	Downloaded uint64  `json:"downloaded"`
	Total      uint64  `json:"total"`
	Percentage float64 `json:"percentage"`
	Speed      uint64  `json:"speed"`
}

type DownloadView struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	State      JobState      `json:"state"`
	Progress   *ProgressView `json:"progress,omitempty"`
	Path       string        `json:"path,omitempty"`
	IsDir      bool          `json:"is_dir,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

type job struct {
	id         string
	source     string
	savedFile  string // .torrent written for a metainfo upload
	state      JobState
	progress   *transfer.Progress
	result     transfer.Result
	errMsg     string
	createdAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
}

// DownloadsHandler accepts download requests over HTTP and tracks them in memory.
type DownloadsHandler struct {
	username         string
	password         string
	downloader       Downloader
	downloadDir      string
	notifier         notifier.Notifier
	telemetry        *telemetry.Telemetry
	progressInterval time.Duration

	// jobs outlive the request that created them
	baseCtx context.Context

	mu    sync.RWMutex
	jobs  map[string]*job
	order []string
	wg    sync.WaitGroup
}

// NewDownloadsHandler creates a new downloads handler. Basic auth is enforced
// when username is set.
func NewDownloadsHandler(
	ctx context.Context,
	username, password string,
	d Downloader,
	downloadDir string,
	n notifier.Notifier,
	t *telemetry.Telemetry,
	progressInterval time.Duration,
) *DownloadsHandler {
	if n == nil {
		n = notifier.Nop{}
	}

	return &DownloadsHandler{
		username:         username,
		password:         password,
		downloader:       d,
		downloadDir:      downloadDir,
		notifier:         n,
		telemetry:        t,
		progressInterval: progressInterval,
		baseCtx:          ctx,
		jobs:             make(map[string]*job),
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Delete("/downloads/{id}", h.HandleDelete)

	return r
}

// HandleCreate starts a download and answers with its id right away.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	src, savedFile, err := h.resolveSource(r.Context(), &req)
	if err != nil {
		logger.Warn("rejected download request", "err", err)
		writeError(w, http.StatusBadRequest, formatDownloadError(err))

		return
	}

	treq := transfer.NewRequest(src).WithFilename(req.Filename)
	if req.PreferDaemon != nil {
		treq.PreferDaemon = *req.PreferDaemon
	}

	j := h.start(r.Context(), treq, savedFile)

	writeJSON(w, http.StatusAccepted, h.view(j))
}

// HandleList lists every tracked download, oldest first.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	views := make([]DownloadView, 0, len(h.order))

	for _, id := range h.order {
		views = append(views, h.viewLocked(h.jobs[id]))
	}
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": views})
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	j, ok := h.jobs[chi.URLParam(r, "id")]

	var view DownloadView
	if ok {
		view = h.viewLocked(j)
	}
	h.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// HandleDelete cancels a running download or forgets a finished one.
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	j, ok := h.jobs[id]

	running := ok && j.state == StateRunning
	if running {
		j.cancel()
	} else if ok {
		h.forgetLocked(id)
	}
	h.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "download not found")
	case running:
		logger.Info("download cancellation requested", "download_id", id)
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ActiveFiles returns the uploaded .torrent files of running downloads so the
// retention cleanup leaves them alone.
func (h *DownloadsHandler) ActiveFiles() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]bool)

	for _, j := range h.jobs {
		if j.state == StateRunning && j.savedFile != "" {
			out[j.savedFile] = true
		}
	}

	return out
}

// Wait blocks until every running download returned.
func (h *DownloadsHandler) Wait() {
	h.wg.Wait()
}

func (h *DownloadsHandler) resolveSource(ctx context.Context, req *DownloadRequest) (string, string, error) {
	if req.MetaInfo != "" {
		path, err := h.saveMetaInfo(ctx, req.MetaInfo)
		if err != nil {
			return "", "", err
		}

		return path, path, nil
	}

	if req.Source == "" {
		return "", "", &transfer.InvalidSourceError{Source: "request", Reason: "either source or metainfo must be provided"}
	}

	if source.Classify(req.Source) == source.DirectURL && !source.IsHTTP(req.Source) {
		return "", "", &transfer.InvalidSourceError{Source: req.Source, Reason: "not an http(s) URL, magnet link or torrent file"}
	}

	return req.Source, "", nil
}

// saveMetaInfo validates an uploaded .torrent and stores it in the download dir.
func (h *DownloadsHandler) saveMetaInfo(ctx context.Context, metainfo string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	torrentBytes, err := base64.StdEncoding.DecodeString(metainfo)
	if err != nil {
		return "", &transfer.InvalidSourceError{
			Source: "metainfo",
			Reason: fmt.Sprintf("invalid base64 encoding: %v", err),
			Err:    err,
		}
	}

	logger.Debug("decoded metainfo", "size_bytes", len(torrentBytes))

	if err := source.ValidateMetainfo(torrentBytes); err != nil {
		return "", err
	}

	if err := os.MkdirAll(h.downloadDir, 0755); err != nil {
		return "", &transfer.FilesystemError{Path: h.downloadDir, Op: "mkdir", Err: err}
	}

	path := filepath.Join(h.downloadDir, generateTorrentFilename(torrentBytes))
	if err := os.WriteFile(path, torrentBytes, 0644); err != nil {
		return "", &transfer.FilesystemError{Path: path, Op: "write", Err: err}
	}

	logger.Debug("saved metainfo", "path", path)

	return path, nil
}

// generateTorrentFilename generates a stable .torrent filename from torrent content.
func generateTorrentFilename(torrentBytes []byte) string {
	hash := sha1.Sum(torrentBytes)
	hashStr := hex.EncodeToString(hash[:])

	return fmt.Sprintf("%s.torrent", hashStr[:16])
}

func (h *DownloadsHandler) start(reqCtx context.Context, req transfer.Request, savedFile string) *job {
	id := uuid.NewString()
	// the job runs on the server context but keeps the request's log fields
	ctx, logger := logctx.With(logctx.WithLogger(h.baseCtx, logctx.LoggerFromContext(reqCtx)), "download_id", id)
	ctx, cancel := context.WithCancel(ctx)

	j := &job{
		id:        id,
		source:    req.Source,
		savedFile: savedFile,
		state:     StateRunning,
		createdAt: time.Now(),
		cancel:    cancel,
	}

	h.mu.Lock()
	h.jobs[id] = j
	h.order = append(h.order, id)
	h.mu.Unlock()

	logger.Info("download accepted", "source", req.Source, "prefer_daemon", req.PreferDaemon)

	onProgress := relay.Throttle(h.progressInterval, func(p transfer.Progress) {
		h.mu.Lock()
		j.progress = &p
		h.mu.Unlock()
	})

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		defer cancel()

		res, err := h.downloader.Download(ctx, req, onProgress)
		h.finish(ctx, j, res, err)
	}()

	return j
}

func (h *DownloadsHandler) finish(ctx context.Context, j *job, res transfer.Result, err error) {
	h.mu.Lock()
	j.finishedAt = time.Now()

	switch {
	case err == nil:
		j.state = StateCompleted
		j.result = res
	case errors.Is(err, transfer.ErrCancelled) || errors.Is(err, context.Canceled):
		j.state = StateCancelled
		j.errMsg = "download cancelled"
	default:
		j.state = StateFailed
		j.errMsg = formatDownloadError(err)
	}

	state, msg := j.state, j.errMsg
	h.mu.Unlock()

	var content string

	switch state {
	case StateCompleted:
		content = "✅ Download finished: " + filepath.Base(res.Path)
	case StateFailed:
		content = "❌ Download failed: " + msg
	default:
		return
	}

	// the job context may be cancelled by shutdown; the notification still goes out
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	status := "success"
	if err := h.notifier.Notify(nctx, content); err != nil {
		status = "error"

		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}

	h.telemetry.RecordNotification(nctx, status)
}

func (h *DownloadsHandler) forgetLocked(id string) {
	delete(h.jobs, id)

	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *DownloadsHandler) view(j *job) DownloadView {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.viewLocked(j)
}

func (h *DownloadsHandler) viewLocked(j *job) DownloadView {
	v := DownloadView{
		ID:        j.id,
		Source:    j.source,
		State:     j.state,
		Error:     j.errMsg,
		CreatedAt: j.createdAt,
	}

	if j.progress != nil {
		v.Progress = &ProgressView{
			Downloaded: j.progress.Downloaded,
			Total:      j.progress.Total,
			Percentage: j.progress.Percentage,
			Speed:      j.progress.Speed,
		}
	}

	if j.state == StateCompleted {
		v.Path = j.result.Path
		v.IsDir = j.result.IsDir()
	}

	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		v.FinishedAt = &finished
	}

	return v
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// formatDownloadError converts internal errors to one line messages an end user
// can act on.
func formatDownloadError(err error) string {
	var invalidErr *transfer.InvalidSourceError
	if errors.As(err, &invalidErr) {
		return fmt.Sprintf("invalid source: %s", invalidErr.Reason)
	}

	var requiredErr *transfer.DaemonRequiredError
	if errors.As(err, &requiredErr) {
		var unavailable *transfer.DaemonUnavailableError
		if errors.As(err, &unavailable) {
			return fmt.Sprintf("%s downloads need the download daemon, which is not reachable at %s", requiredErr.Source, unavailable.Addr())
		}

		return fmt.Sprintf("%s downloads need the download daemon, which is not configured", requiredErr.Source)
	}

	var jobErr *transfer.DaemonJobFailedError
	if errors.As(err, &jobErr) {
		return fmt.Sprintf("download daemon reported: %s", jobErr.Message)
	}

	var dlErr *transfer.DownloadFailedError
	if errors.As(err, &dlErr) {
		if dlErr.StatusCode > 0 {
			return fmt.Sprintf("server answered HTTP %d for %s", dlErr.StatusCode, dlErr.URL)
		}

		return fmt.Sprintf("could not download %s after %d attempts", dlErr.URL, dlErr.Attempts)
	}

	var fsErr *transfer.FilesystemError
	if errors.As(err, &fsErr) {
		return fmt.Sprintf("could not %s %s", fsErr.Op, fsErr.Path)
	}

	// Generic fallback for unknown errors
	return fmt.Sprintf("error: %v", err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
