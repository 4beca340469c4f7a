package relay

import (
	"context"
	"net/http"

	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/telemetry"
	"github.com/italolelis/leech_relay/internal/transfer"
)

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(f Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{fetcher: f, telemetry: tel}
}

// Fetch downloads a URL with telemetry.
func (f *InstrumentedFetcher) Fetch(
	ctx context.Context, rawURL, name string, headers http.Header, onProgress transfer.ProgressFunc,
) (string, error) {
	var path string

	err := f.telemetry.InstrumentClientOperation(ctx, "http", "fetch", func(ctx context.Context) error {
		var err error

		path, err = f.fetcher.Fetch(ctx, rawURL, name, headers, onProgress)

		return err
	})
	if err != nil {
		return "", err
	}

	return path, nil
}

// InstrumentedDaemon wraps dc.Daemon with telemetry.
type InstrumentedDaemon struct {
	daemon     dc.Daemon
	telemetry  *telemetry.Telemetry
	clientType string
}

var _ dc.Daemon = (*InstrumentedDaemon)(nil)

// NewInstrumentedDaemon creates a new instrumented daemon client.
func NewInstrumentedDaemon(d dc.Daemon, tel *telemetry.Telemetry, clientType string) *InstrumentedDaemon {
	return &InstrumentedDaemon{daemon: d, telemetry: tel, clientType: clientType}
}

// Connect verifies the daemon connection with telemetry.
func (d *InstrumentedDaemon) Connect(ctx context.Context) error {
	return d.telemetry.InstrumentClientOperation(ctx, d.clientType, "connect", d.daemon.Connect)
}

// Submit queues a job with telemetry.
func (d *InstrumentedDaemon) Submit(ctx context.Context, src string, opts dc.SubmitOptions) (string, error) {
	var gid string

	err := d.telemetry.InstrumentClientOperation(ctx, d.clientType, "submit", func(ctx context.Context) error {
		var err error

		gid, err = d.daemon.Submit(ctx, src, opts)

		return err
	})
	if err != nil {
		return "", err
	}

	return gid, nil
}

// Monitor waits for a job with telemetry.
func (d *InstrumentedDaemon) Monitor(ctx context.Context, gid string, onProgress transfer.ProgressFunc) (transfer.Result, error) {
	var res transfer.Result

	err := d.telemetry.InstrumentClientOperation(ctx, d.clientType, "monitor", func(ctx context.Context) error {
		var err error

		res, err = d.daemon.Monitor(ctx, gid, onProgress)

		return err
	})
	if err != nil {
		return transfer.Result{}, err
	}

	return res, nil
}

// Remove drops a job with telemetry.
func (d *InstrumentedDaemon) Remove(ctx context.Context, gid string) error {
	return d.telemetry.InstrumentClientOperation(ctx, d.clientType, "remove", func(ctx context.Context) error {
		return d.daemon.Remove(ctx, gid)
	})
}
