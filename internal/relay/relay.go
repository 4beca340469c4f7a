// Package relay turns a download request into a local path, picking between the
// download daemon and a direct HTTP fetch.
package relay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/source"
	"github.com/italolelis/leech_relay/internal/telemetry"
	"github.com/italolelis/leech_relay/internal/transfer"
	"golang.org/x/sync/singleflight"
)

const (
	StrategyDaemon = "daemon"
	StrategyDirect = "direct"
)

var errNoDaemon = errors.New("no download daemon configured")

// Fetcher downloads a single URL to disk and returns the written path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, name string, headers http.Header, onProgress transfer.ProgressFunc) (string, error)
}

// Orchestrator serves download requests. It is safe for concurrent use.
type Orchestrator struct {
	fetcher   Fetcher
	daemon    dc.Daemon
	classify  func(string) source.Kind
	telemetry *telemetry.Telemetry

	checks singleflight.Group
	mu     sync.Mutex
	// available memoizes the first daemon check for the lifetime of the
	// orchestrator. nil until checked.
	available *bool
}

type Option func(*Orchestrator)

// WithClassifier replaces source.Classify.
func WithClassifier(fn func(string) source.Kind) Option {
	return func(o *Orchestrator) { o.classify = fn }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// New returns an orchestrator. daemon may be nil, in which case magnet and
// torrent requests fail and direct URLs always use fetcher.
func New(fetcher Fetcher, daemon dc.Daemon, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:  fetcher,
		daemon:   daemon,
		classify: source.Classify,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// DaemonAvailable reports whether the daemon is reachable. Only the first
// completed check talks to the daemon; its outcome is kept for the
// orchestrator's lifetime. Concurrent callers share that check without holding
// a lock across it, and a
// caller whose ctx ends stops waiting and gets false without recording anything.
func (o *Orchestrator) DaemonAvailable(ctx context.Context) bool {
	if ok, done := o.checked(); done {
		return ok
	}

	if o.daemon == nil {
		return o.remember(false)
	}

	ch := o.checks.DoChan("connect", func() (interface{}, error) {
		if ok, done := o.checked(); done {
			return ok, nil
		}

		err := o.daemon.Connect(context.WithoutCancel(ctx))
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("download daemon unavailable, direct URLs will be fetched directly", "err", err)
		}

		return o.remember(err == nil), nil
	})

	select {
	case <-ctx.Done():
		return false
	case res := <-ch:
		return res.Val.(bool)
	}
}

func (o *Orchestrator) checked() (ok, done bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.available == nil {
		return false, false
	}

	return *o.available, true
}

// remember stores ok unless a check outcome is already known, and returns the
// stored outcome.
func (o *Orchestrator) remember(ok bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.available == nil {
		o.available = &ok
	}

	return *o.available
}

// Download serves req and returns where the downloaded data is. onProgress may
// be nil. Progress is reported synchronously; it can go backwards when a fetch
// attempt is retried, when a daemon job hands off to a successor or when a
// failed daemon attempt falls back to a direct fetch.
func (o *Orchestrator) Download(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	kind := o.classify(req.Source)
	ctx, logger := logctx.With(ctx, "source_kind", kind.String())

	var (
		res      transfer.Result
		strategy string
	)

	start := time.Now()

	err := o.telemetry.InstrumentDownload(ctx, kind.String(), func(ctx context.Context) error {
		var err error

		res, strategy, err = o.download(ctx, kind, req, onProgress)
		if err != nil {
			return err
		}

		res, err = verify(res)

		return err
	})
	if err != nil {
		logger.Error("download failed", "strategy", strategy, "err", err)

		return transfer.Result{}, err
	}

	logger.Info("download finished",
		"strategy", strategy,
		"path", res.Path,
		"kind", res.Kind.String(),
		"duration", time.Since(start).Round(time.Millisecond).String())

	return res, nil
}

func (o *Orchestrator) download(
	ctx context.Context, kind source.Kind, req transfer.Request, onProgress transfer.ProgressFunc,
) (transfer.Result, string, error) {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case kind.NeedsDaemon():
		if o.daemon == nil {
			return transfer.Result{}, StrategyDaemon, &transfer.DaemonRequiredError{Source: kind.String(), Err: errNoDaemon}
		}

		if err := o.daemon.Connect(ctx); err != nil {
			return transfer.Result{}, StrategyDaemon, &transfer.DaemonRequiredError{Source: kind.String(), Err: err}
		}

		res, err := o.viaDaemon(ctx, req, onProgress)

		return res, StrategyDaemon, err
	case req.PreferDaemon && o.DaemonAvailable(ctx):
		res, err := o.viaDaemon(ctx, req, onProgress)
		if err == nil {
			return res, StrategyDaemon, nil
		}

		if errors.Is(err, transfer.ErrCancelled) || ctx.Err() != nil {
			return transfer.Result{}, StrategyDaemon, err
		}

		logger.Warn("daemon download failed, falling back to direct fetch", "err", err)
		o.telemetry.RecordFallback(ctx)
	}

	res, err := o.viaFetcher(ctx, req, onProgress)

	return res, StrategyDirect, err
}

func (o *Orchestrator) viaDaemon(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	gid, err := o.daemon.Submit(ctx, req.Source, dc.SubmitOptions{Filename: req.Filename})
	if err != nil {
		return transfer.Result{}, err
	}

	ctx, _ = logctx.With(ctx, "gid", gid)

	return o.daemon.Monitor(ctx, gid, onProgress)
}

func (o *Orchestrator) viaFetcher(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	path, err := o.fetcher.Fetch(ctx, req.Source, req.Filename, nil, onProgress)
	if err != nil {
		return transfer.Result{}, err
	}

	return transfer.File(path), nil
}

// verify makes sure the result exists locally and reports its real kind.
func verify(res transfer.Result) (transfer.Result, error) {
	info, err := os.Stat(res.Path)
	if err != nil {
		return transfer.Result{}, &transfer.FilesystemError{Path: res.Path, Op: "stat", Err: err}
	}

	if info.IsDir() {
		return transfer.Directory(res.Path), nil
	}

	return transfer.File(res.Path), nil
}
