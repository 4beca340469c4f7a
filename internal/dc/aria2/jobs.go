package aria2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/filename"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/source"
	"github.com/italolelis/leech_relay/internal/transfer"
)

// Submit queues src with the daemon and returns the job GID. Magnets and
// remote .torrent URLs go through aria2.addUri, local torrent files through
// aria2.addTorrent, plain URLs through aria2.addUri without torrent or
// metalink following.
func (c *Client) Submit(ctx context.Context, src string, opts dc.SubmitOptions) (string, error) {
	kind := source.Classify(src)
	logger := logctx.LoggerFromContext(ctx).With("source_kind", kind.String())

	options := map[string]string{"dir": c.downloadDir}

	var (
		gid string
		err error
	)

	switch {
	case kind == source.Magnet:
		// aria2 decides whether the link is usable; parsing only enriches the logs
		if m, perr := source.ParseMagnet(src); perr == nil {
			logger = logger.With("info_hash", m.InfoHash, "display_name", m.DisplayName)
		}

		err = c.call(ctx, "aria2.addUri", &gid, []string{src}, options)
	case kind == source.TorrentReference && source.IsHTTP(src):
		err = c.call(ctx, "aria2.addUri", &gid, []string{src}, options)
	case kind == source.TorrentReference:
		var data []byte

		data, err = readMetainfo(src)
		if err != nil {
			return "", err
		}

		err = c.call(ctx, "aria2.addTorrent", &gid, base64.StdEncoding.EncodeToString(data), []string{}, options)
	default:
		options["follow-torrent"] = "false"
		options["follow-metalink"] = "false"

		if opts.Filename != "" {
			options["out"] = filename.Sanitize(opts.Filename, c.maxFilenameLength)
		}

		err = c.call(ctx, "aria2.addUri", &gid, []string{src}, options)
	}

	if err != nil {
		logger.Error("failed to submit job to aria2", "err", err)

		return "", fmt.Errorf("failed to submit %s to aria2: %w", kind, err)
	}

	logger.Info("job submitted to aria2", "gid", gid)

	return gid, nil
}

func readMetainfo(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &transfer.FilesystemError{Path: path, Op: "stat", Err: err}
	}

	if info.IsDir() {
		return nil, &transfer.InvalidSourceError{Source: path, Reason: "is a directory, not a torrent file"}
	}

	if info.Size() > source.MaxMetainfoSize {
		return nil, &transfer.InvalidSourceError{
			Source: path,
			Reason: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", info.Size(), source.MaxMetainfoSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &transfer.FilesystemError{Path: path, Op: "read", Err: err}
	}

	if err := source.ValidateMetainfo(data); err != nil {
		var invalidErr *transfer.InvalidSourceError
		if errors.As(err, &invalidErr) {
			return nil, &transfer.InvalidSourceError{Source: path, Reason: invalidErr.Reason, Err: invalidErr.Err}
		}

		return nil, err
	}

	return data, nil
}

// Status fetches a fresh snapshot of the job.
func (c *Client) Status(ctx context.Context, gid string) (Status, error) {
	var res statusResponse
	if err := c.call(ctx, "aria2.tellStatus", &res, gid, statusKeys); err != nil {
		return Status{}, err
	}

	if res.GID == "" {
		res.GID = gid
	}

	return res.snapshot(), nil
}

// Remove drops the job from the daemon. Already downloaded data is kept.
func (c *Client) Remove(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.remove", nil, gid)
}

// Monitor polls the job until it completes and returns where its output landed.
// A job that hands off to a successor (a magnet resolving into the torrent job)
// is followed, so reported progress restarts for the successor. Cancelling ctx
// removes the job from the daemon on a best-effort basis.
func (c *Client) Monitor(ctx context.Context, gid string, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("gid", gid)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, gid)
		if err != nil {
			if ctx.Err() != nil {
				return c.abandon(ctx, gid)
			}

			return transfer.Result{}, fmt.Errorf("failed to poll aria2 job %s: %w", gid, err)
		}

		if st.Error != "" {
			logger.Error("aria2 job failed", "error_code", st.ErrorCode, "error", st.Error)

			return transfer.Result{}, &transfer.DaemonJobFailedError{GID: gid, Code: st.ErrorCode, Message: st.Error}
		}

		onProgress.Report(st.Progress())

		if st.Completed {
			if len(st.FollowedBy) > 0 {
				logger.Info("aria2 job handed off", "followed_by", st.FollowedBy[0])

				gid = st.FollowedBy[0]
				logger = logger.With("gid", gid)

				continue
			}

			res := c.result(st)
			logger.Info("aria2 job completed", "path", res.Path, "kind", res.Kind.String())

			return res, nil
		}

		select {
		case <-ctx.Done():
			return c.abandon(ctx, gid)
		case <-ticker.C:
		}
	}
}

func (c *Client) abandon(ctx context.Context, gid string) (transfer.Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("gid", gid)

	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.removeTimeout)
	defer cancel()

	if err := c.Remove(rmCtx, gid); err != nil {
		logger.Warn("failed to remove cancelled aria2 job", "err", err)
	} else {
		logger.Info("removed cancelled aria2 job")
	}

	return transfer.Result{}, fmt.Errorf("%w: %w", transfer.ErrCancelled, ctx.Err())
}

// result maps a completed job onto a local path: no files means <dir>/<name>,
// one file is returned as is and several files yield the parent directory of
// the first one.
func (c *Client) result(st Status) transfer.Result {
	switch len(st.Files) {
	case 0:
		dir := st.Dir
		if dir == "" {
			dir = c.downloadDir
		}

		name := st.Name
		if name == "" {
			name = st.GID
		}

		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return transfer.Directory(path)
		}

		return transfer.File(path)
	case 1:
		return transfer.File(st.Files[0])
	default:
		return transfer.Directory(filepath.Dir(st.Files[0]))
	}
}
