package dc

import (
	"context"

	"github.com/italolelis/leech_relay/internal/transfer"
)

// SubmitOptions tunes a daemon job.
type SubmitOptions struct {
	// Filename requests an output name for direct URL jobs. It is sanitized
	// before reaching the daemon and ignored for torrents.
	Filename string
}

// Daemon is an external download daemon reached over its control RPC.
type Daemon interface {
	// Connect verifies the control connection. It is a no-op while a previous
	// successful connection is considered live.
	Connect(ctx context.Context) error
	// Submit queues source and returns the daemon's job id.
	Submit(ctx context.Context, source string, opts SubmitOptions) (string, error)
	// Monitor blocks until the job completes, fails or ctx is cancelled.
	Monitor(ctx context.Context, gid string, onProgress transfer.ProgressFunc) (transfer.Result, error)
	// Remove drops a job from the daemon.
	Remove(ctx context.Context, gid string) error
}
