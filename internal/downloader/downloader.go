package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/leech_relay/internal/downloader/progress"
	"github.com/italolelis/leech_relay/internal/filename"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// partialPattern names in-flight attempts inside the download dir.
	partialPattern = ".leech-*.part"

	DefaultChunkSize   = 1 << 20 // 1 MiB
	DefaultMaxAttempts = 3
	DefaultUserAgent   = "Mozilla/5.0 (compatible; leech_relay/1.0)"
)

// Fetcher streams a single HTTP(S) resource to disk. It is safe for concurrent
// use; all fetches share one pooled HTTP client.
type Fetcher struct {
	downloadDir       string
	client            *http.Client
	transport         *http.Transport
	userAgent         string
	maxAttempts       int
	chunkSize         int64
	maxFilenameLength int
	backoff           func(attempt int) time.Duration
	now               func() time.Time
}

type Option func(*Fetcher)

// WithHTTPClient replaces the pooled client. The caller owns its lifecycle.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
		f.transport = nil
	}
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

func WithChunkSize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

func WithMaxFilenameLength(n int) Option {
	return func(f *Fetcher) { f.maxFilenameLength = n }
}

// WithBackoff sets the wait before the attempt following a failed one.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(f *Fetcher) { f.backoff = fn }
}

// LinearBackoff waits 2s, 4s, ... after the 1st, 2nd, ... failed attempt.
func LinearBackoff(attempt int) time.Duration {
	return time.Duration(2*attempt) * time.Second
}

func NewFetcher(downloadDir string, opts ...Option) *Fetcher {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 8
	tr.ResponseHeaderTimeout = time.Minute

	f := &Fetcher{
		downloadDir:       downloadDir,
		client:            &http.Client{Transport: otelhttp.NewTransport(tr)},
		transport:         tr,
		userAgent:         DefaultUserAgent,
		maxAttempts:       DefaultMaxAttempts,
		chunkSize:         DefaultChunkSize,
		maxFilenameLength: filename.DefaultMaxLength,
		backoff:           LinearBackoff,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Close releases the pooled connections.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()

	if f.transport != nil {
		f.transport.CloseIdleConnections()
	}
}

// Fetch downloads rawURL into the download directory and returns the written
// path. name overrides the filename derived from the URL. Transport failures are
// retried with a linear backoff; every attempt starts from scratch, so
// onProgress may observe Downloaded going back to zero between attempts. The
// target only ever holds a complete body: attempts write to a partial file next
// to it that is renamed into place on success.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, name string, headers http.Header, onProgress transfer.ProgressFunc) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", rawURL)

	targetPath := filepath.Join(f.downloadDir, f.resolveFilename(rawURL, name))
	if err := ensureTargetDir(targetPath, logger); err != nil {
		return "", err
	}

	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		logger.Debug("download attempt", "attempt", attempt, "target", targetPath)

		written, err := f.attempt(ctx, attempt, rawURL, targetPath, headers, onProgress)
		if err == nil {
			logger.Info("downloaded and saved file",
				"target", targetPath,
				"size", humanize.Bytes(uint64(written)),
				"attempts", attempt)

			return targetPath, nil
		}

		var te *transportError
		if !errors.As(err, &te) {
			return "", err
		}

		lastErr = te.err

		logger.Warn("download attempt failed", "attempt", attempt, "err", te.err)

		if attempt == f.maxAttempts {
			break
		}

		if err := f.wait(ctx, attempt); err != nil {
			return "", err
		}
	}

	return "", &transfer.DownloadFailedError{URL: rawURL, Attempts: f.maxAttempts, Err: lastErr}
}

func (f *Fetcher) attempt(
	ctx context.Context, attempt int, rawURL, targetPath string, headers http.Header, onProgress transfer.ProgressFunc,
) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &transfer.InvalidSourceError{Source: rawURL, Reason: "malformed URL", Err: err}
	}

	req.Header.Set("User-Agent", f.userAgent)

	for key, values := range headers {
		req.Header.Del(key)

		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, wrapTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, &transfer.DownloadFailedError{URL: rawURL, StatusCode: resp.StatusCode, Attempts: attempt}
	}

	// concurrent fetches of the same URL share targetPath; each attempt writes
	// its own partial file and only a complete one replaces the target
	part, err := os.CreateTemp(filepath.Dir(targetPath), partialPattern)
	if err != nil {
		return 0, &transfer.FilesystemError{Path: targetPath, Op: "create", Err: err}
	}

	committed := false

	defer func() {
		_ = part.Close()

		if !committed {
			_ = os.Remove(part.Name())
		}
	}()

	if err := f.writeFile(ctx, part, resp.Body, rawURL, targetPath, resp.ContentLength, onProgress); err != nil {
		return 0, err
	}

	info, err := part.Stat()
	if err != nil {
		return 0, &transfer.FilesystemError{Path: part.Name(), Op: "stat", Err: err}
	}

	if err := part.Chmod(filePerm); err != nil {
		return 0, &transfer.FilesystemError{Path: part.Name(), Op: "chmod", Err: err}
	}

	if err := part.Close(); err != nil {
		return 0, &transfer.FilesystemError{Path: part.Name(), Op: "close", Err: err}
	}

	if err := os.Rename(part.Name(), targetPath); err != nil {
		return 0, &transfer.FilesystemError{Path: targetPath, Op: "rename", Err: err}
	}

	committed = true

	return info.Size(), nil
}

func (f *Fetcher) writeFile(
	ctx context.Context, out *os.File, body io.Reader, rawURL, targetPath string, totalBytes int64, onProgress transfer.ProgressFunc,
) error {
	logger := logctx.LoggerFromContext(ctx)

	if totalBytes > 0 {
		logger.Info("downloading file", "file_path", targetPath, "file_size", humanize.Bytes(uint64(totalBytes)))
	} else {
		logger.Info("downloading file", "file_path", targetPath)
	}

	pr := progress.NewReader(body, totalBytes, f.chunkSize, func(p transfer.Progress) {
		logger.Debug("download progress",
			"url", rawURL,
			"downloaded", humanize.Bytes(p.Downloaded),
			"percent", humanize.FtoaWithDigits(p.Percentage, 2))

		onProgress.Report(p)
	})

	// fileWriter hides os.File's ReaderFrom so the chunk buffer is honoured.
	if _, err := io.CopyBuffer(fileWriter{out: out, path: targetPath}, pr, make([]byte, f.chunkSize)); err != nil {
		var fsErr *transfer.FilesystemError
		if errors.As(err, &fsErr) {
			return err
		}

		return wrapTransport(ctx, err)
	}

	return nil
}

func (f *Fetcher) resolveFilename(rawURL, name string) string {
	if name == "" {
		name = filename.FromURL(rawURL)
	}

	if name == "" {
		name = "download_" + strconv.FormatInt(f.now().Unix(), 10)
	}

	return filename.Sanitize(name, f.maxFilenameLength)
}

func (f *Fetcher) wait(ctx context.Context, attempt int) error {
	delay := f.backoff(attempt)

	logctx.LoggerFromContext(ctx).Debug("waiting before retry", "delay", delay.String(), "attempt", attempt)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", transfer.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return &transfer.FilesystemError{Path: dir, Op: "mkdir", Err: err}
	}

	return nil
}

// transportError marks failures worth another attempt.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func wrapTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", transfer.ErrCancelled, ctx.Err())
	}

	return &transportError{err: err}
}

type fileWriter struct {
	out  *os.File
	path string
}

func (w fileWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if err != nil {
		return n, &transfer.FilesystemError{Path: w.path, Op: "write", Err: err}
	}

	return n, nil
}
