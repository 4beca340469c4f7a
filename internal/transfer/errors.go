package transfer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrCancelled is returned when the caller abandons a download.
var ErrCancelled = errors.New("download cancelled")

// DownloadFailedError is returned by the direct fetcher when every attempt failed
// with a transport error or the server answered with a non-2xx status.
type DownloadFailedError struct {
	URL        string // Source URL
	StatusCode int    // HTTP status, 0 for transport failures
	Attempts   int    // Number of attempts made
	Err        error  // Last underlying error, if any
}

func (e *DownloadFailedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("download of %s failed: HTTP %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("download of %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Err
}

// DaemonUnavailableError means the daemon control connection could not be
// established or verified.
type DaemonUnavailableError struct {
	Host     string
	Port     int
	Attempts int
	Err      error
}

func (e *DaemonUnavailableError) Error() string {
	return fmt.Sprintf("download daemon at %s unavailable after %d attempt(s): %v",
		e.Addr(), e.Attempts, e.Err)
}

func (e *DaemonUnavailableError) Unwrap() error {
	return e.Err
}

// Addr returns host:port of the daemon.
func (e *DaemonUnavailableError) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// DaemonRequiredError is returned for magnet and torrent sources when the
// daemon cannot be reached. There is no fallback for those sources.
type DaemonRequiredError struct {
	Source string // Kind of source, e.g. "magnet"
	Err    error
}

func (e *DaemonRequiredError) Error() string {
	return fmt.Sprintf("%s downloads require the download daemon: %v", e.Source, e.Err)
}

func (e *DaemonRequiredError) Unwrap() error {
	return e.Err
}

// DaemonJobFailedError carries the error the daemon reported for a job.
type DaemonJobFailedError struct {
	GID     string
	Code    string
	Message string
}

func (e *DaemonJobFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("daemon job %s failed (code %s): %s", e.GID, e.Code, e.Message)
	}

	return fmt.Sprintf("daemon job %s failed: %s", e.GID, e.Message)
}

// FilesystemError means a target path could not be created, written or found.
type FilesystemError struct {
	Path string
	Op   string // "create", "write", "stat", ...
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// InvalidSourceError is returned for sources that can not be submitted at all,
// such as a malformed magnet link or a file that is not a torrent.
type InvalidSourceError struct {
	Source string
	Reason string
	Err    error
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid source %s: %s", e.Source, e.Reason)
}

func (e *InvalidSourceError) Unwrap() error {
	return e.Err
}
