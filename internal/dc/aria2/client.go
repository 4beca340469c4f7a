// Package aria2 drives an aria2 daemon through its JSON-RPC interface.
package aria2

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/filename"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRetries    = 3
	DefaultInitialWait   = time.Second
	DefaultPollInterval  = 2 * time.Second
	DefaultRemoveTimeout = 10 * time.Second

	maxResponseSize = 8 * 1024 * 1024
)

type Client struct {
	Host string
	Port int

	secret            string
	downloadDir       string
	endpoint          string
	httpClient        *http.Client
	maxRetries        int
	initialWait       time.Duration
	pollInterval      time.Duration
	removeTimeout     time.Duration
	maxFilenameLength int

	connected atomic.Bool
	ids       atomic.Uint64
	connects  singleflight.Group
}

// Ensure Client implements dc.Daemon
var _ dc.Daemon = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetry sets how many handshakes Connect attempts and the wait after the
// first failure. The wait doubles after every further failure.
func WithRetry(maxRetries int, initialWait time.Duration) Option {
	return func(cl *Client) {
		if maxRetries > 0 {
			cl.maxRetries = maxRetries
		}

		cl.initialWait = initialWait
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.pollInterval = d
		}
	}
}

func WithRemoveTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.removeTimeout = d }
}

func WithMaxFilenameLength(n int) Option {
	return func(cl *Client) { cl.maxFilenameLength = n }
}

// NewClient returns a client for the daemon listening on host:port. Jobs are
// written to downloadDir, which must be a path the daemon sees as well.
func NewClient(host string, port int, secret, downloadDir string, opts ...Option) *Client {
	c := &Client{
		Host:              host,
		Port:              port,
		secret:            secret,
		downloadDir:       downloadDir,
		endpoint:          "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/jsonrpc",
		httpClient:        &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		maxRetries:        DefaultMaxRetries,
		initialWait:       DefaultInitialWait,
		pollInterval:      DefaultPollInterval,
		removeTimeout:     DefaultRemoveTimeout,
		maxFilenameLength: filename.DefaultMaxLength,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the JSON-RPC URL of the daemon.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Connected reports whether the last handshake succeeded and no call has failed
// at the transport level since.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect verifies the daemon with an aria2.getVersion handshake, retrying with
// exponential backoff. Concurrent callers share one handshake, which is not tied
// to any single caller's context; a cancelled caller stops waiting for it
// without failing the others.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	ch := c.connects.DoChan("connect", func() (interface{}, error) {
		if c.connected.Load() {
			return nil, nil
		}

		return nil, c.connect(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return &transfer.DaemonUnavailableError{Host: c.Host, Port: c.Port, Err: ctx.Err()}
	case res := <-ch:
		return res.Err
	}
}

func (c *Client) connect(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("endpoint", c.endpoint)

	var (
		lastErr  error
		attempts int
	)

	for attempts < c.maxRetries {
		attempts++

		version, err := c.Version(ctx)
		if err == nil {
			c.connected.Store(true)
			logger.Info("connected to aria2", "version", version, "attempts", attempts)

			return nil
		}

		lastErr = err

		logger.Warn("aria2 handshake failed", "attempt", attempts, "err", err)

		if attempts == c.maxRetries {
			break
		}

		wait := c.initialWait << (attempts - 1)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()

			return &transfer.DaemonUnavailableError{Host: c.Host, Port: c.Port, Attempts: attempts, Err: lastErr}
		case <-timer.C:
		}
	}

	return &transfer.DaemonUnavailableError{Host: c.Host, Port: c.Port, Attempts: attempts, Err: lastErr}
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}

	if err := c.call(ctx, "aria2.getVersion", &res); err != nil {
		return "", err
	}

	return res.Version, nil
}
