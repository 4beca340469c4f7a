package aria2_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/dc/aria2"
	"github.com/italolelis/leech_relay/internal/dc/aria2/aria2test"
	"github.com/italolelis/leech_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func newClient(t *testing.T, srv *aria2test.Server, secret string, opts ...aria2.Option) *aria2.Client {
	t.Helper()

	host, port := srv.HostPort()
	opts = append([]aria2.Option{
		aria2.WithRetry(3, time.Millisecond),
		aria2.WithPollInterval(time.Millisecond),
	}, opts...)

	return aria2.NewClient(host, port, secret, "/downloads", opts...)
}

func decodeParam(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestConnect(t *testing.T) {
	srv := aria2test.New(t, testSecret)
	c := newClient(t, srv, testSecret)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, c.Connected())
	assert.Len(t, srv.CallsTo("aria2.getVersion"), 1)
}

func TestConnect_RetriesHandshake(t *testing.T) {
	srv := aria2test.New(t, testSecret)
	srv.FailHandshakes(2)

	c := newClient(t, srv, testSecret)

	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, srv.CallsTo("aria2.getVersion"), 3)
}

func TestConnect_Unavailable(t *testing.T) {
	t.Run("handshake keeps failing", func(t *testing.T) {
		srv := aria2test.New(t, testSecret)
		srv.FailHandshakes(10)

		c := newClient(t, srv, testSecret)
		host, port := srv.HostPort()

		err := c.Connect(context.Background())
		require.Error(t, err)

		var unavailable *transfer.DaemonUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, 3, unavailable.Attempts)
		assert.Equal(t, host, unavailable.Host)
		assert.Equal(t, port, unavailable.Port)
		assert.Contains(t, err.Error(), unavailable.Addr())
		assert.False(t, c.Connected())
	})

	t.Run("wrong secret", func(t *testing.T) {
		srv := aria2test.New(t, testSecret)
		c := newClient(t, srv, "wrong")

		err := c.Connect(context.Background())
		require.Error(t, err)

		var rpcErr *aria2.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "Unauthorized", rpcErr.Message)
	})

	t.Run("nothing listening", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		c := aria2.NewClient("127.0.0.1", port, "", "/downloads", aria2.WithRetry(2, 0))

		err = c.Connect(context.Background())

		var unavailable *transfer.DaemonUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, 2, unavailable.Attempts)
		assert.Error(t, unavailable.Err)
	})
}

func TestConnect_Concurrent(t *testing.T) {
	srv := aria2test.New(t, "")
	c := newClient(t, srv, "")

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}

	wg.Wait()

	assert.Len(t, srv.CallsTo("aria2.getVersion"), 1)
}

func TestConnect_CancelledCallerDoesNotFailOthers(t *testing.T) {
	srv := aria2test.New(t, testSecret)
	srv.FailHandshakes(1)

	c := newClient(t, srv, testSecret, aria2.WithRetry(3, 300*time.Millisecond))

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	shortErr := make(chan error, 1)

	go func() { shortErr <- c.Connect(shortCtx) }()

	// the shared handshake is in its backoff after the first failed attempt
	require.Eventually(t, func() bool {
		return len(srv.CallsTo("aria2.getVersion")) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	err := <-shortErr
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var unavailable *transfer.DaemonUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Len(t, srv.CallsTo("aria2.getVersion"), 2)
}

func TestSubmit(t *testing.T) {
	torrentPath := filepath.Join(t.TempDir(), "ubuntu.torrent")
	torrent := []byte("d8:announce3:url4:infod4:name6:ubuntuee")
	require.NoError(t, os.WriteFile(torrentPath, torrent, 0o600))

	magnet := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=ubuntu.iso"

	tests := []struct {
		name          string
		source        string
		opts          dc.SubmitOptions
		expectMethod  string
		expectURIs    []string
		expectOptions map[string]string
	}{
		{
			name:          "magnet",
			source:        magnet,
			expectMethod:  "aria2.addUri",
			expectURIs:    []string{magnet},
			expectOptions: map[string]string{"dir": "/downloads"},
		},
		{
			name:          "remote torrent is followed by the daemon",
			source:        "https://example.com/ubuntu.torrent",
			expectMethod:  "aria2.addUri",
			expectURIs:    []string{"https://example.com/ubuntu.torrent"},
			expectOptions: map[string]string{"dir": "/downloads"},
		},
		{
			name:         "direct url disables following",
			source:       "https://example.com/file.iso",
			expectMethod: "aria2.addUri",
			expectURIs:   []string{"https://example.com/file.iso"},
			expectOptions: map[string]string{
				"dir":             "/downloads",
				"follow-torrent":  "false",
				"follow-metalink": "false",
			},
		},
		{
			name:         "direct url with sanitized output name",
			source:       "https://example.com/file.iso",
			opts:         dc.SubmitOptions{Filename: "my:file?.iso"},
			expectMethod: "aria2.addUri",
			expectURIs:   []string{"https://example.com/file.iso"},
			expectOptions: map[string]string{
				"dir":             "/downloads",
				"follow-torrent":  "false",
				"follow-metalink": "false",
				"out":             "my_file_.iso",
			},
		},
		{
			name:          "local torrent file",
			source:        torrentPath,
			expectMethod:  "aria2.addTorrent",
			expectOptions: map[string]string{"dir": "/downloads"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := aria2test.New(t, testSecret)
			srv.Enqueue("2089b05ecca3d829")

			c := newClient(t, srv, testSecret)

			gid, err := c.Submit(context.Background(), tt.source, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, "2089b05ecca3d829", gid)

			calls := srv.CallsTo(tt.expectMethod)
			require.Len(t, calls, 1)

			params := calls[0].Params

			var options map[string]string
			decodeParam(t, params[len(params)-1], &options)
			assert.Equal(t, tt.expectOptions, options)

			if tt.expectMethod == "aria2.addTorrent" {
				var encoded string
				decodeParam(t, params[0], &encoded)

				decoded, err := base64.StdEncoding.DecodeString(encoded)
				require.NoError(t, err)
				assert.Equal(t, torrent, decoded)

				return
			}

			var uris []string
			decodeParam(t, params[0], &uris)
			assert.Equal(t, tt.expectURIs, uris)
		})
	}
}

func TestSubmit_InvalidSource(t *testing.T) {
	notTorrent := filepath.Join(t.TempDir(), "fake.torrent")
	require.NoError(t, os.WriteFile(notTorrent, []byte("<html>login required</html>"), 0o600))

	tests := []struct {
		name   string
		source string
	}{
		{name: "file is not a torrent", source: notTorrent},
		{name: "directory", source: t.TempDir()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := aria2test.New(t, "")
			c := newClient(t, srv, "")

			_, err := c.Submit(context.Background(), tt.source, dc.SubmitOptions{})
			require.Error(t, err)

			var invalidErr *transfer.InvalidSourceError
			require.ErrorAs(t, err, &invalidErr)
			assert.Empty(t, srv.Calls())
		})
	}
}

func TestSubmit_MagnetIsLeftToTheDaemon(t *testing.T) {
	t.Run("short info hash is submitted", func(t *testing.T) {
		srv := aria2test.New(t, "")
		c := newClient(t, srv, "")

		gid, err := c.Submit(context.Background(), "magnet:?xt=urn:btih:abc", dc.SubmitOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, gid)

		calls := srv.CallsTo("aria2.addUri")
		require.Len(t, calls, 1)

		var uris []string
		decodeParam(t, calls[0].Params[0], &uris)
		assert.Equal(t, []string{"magnet:?xt=urn:btih:abc"}, uris)
	})

	t.Run("daemon rejection is returned", func(t *testing.T) {
		srv := aria2test.New(t, "")
		srv.RejectURI("magnet:?dn=no-hash", "No URI to download.")

		c := newClient(t, srv, "")

		_, err := c.Submit(context.Background(), "magnet:?dn=no-hash", dc.SubmitOptions{})
		require.Error(t, err)

		var rpcErr *aria2.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "No URI to download.", rpcErr.Message)
	})
}

func TestMonitor(t *testing.T) {
	tests := []struct {
		name          string
		snapshots     []aria2test.Job
		expectPath    string
		expectDir     bool
		expectReports []float64
	}{
		{
			name: "single file",
			snapshots: []aria2test.Job{
				{Status: "active", TotalLength: 200, CompletedLength: 0},
				{Status: "active", TotalLength: 200, CompletedLength: 100, DownloadSpeed: 50},
				{Status: "complete", TotalLength: 200, CompletedLength: 200, Files: []string{"/downloads/file.iso"}},
			},
			expectPath:    "/downloads/file.iso",
			expectReports: []float64{0, 50, 100},
		},
		{
			name: "multi file job returns the parent directory",
			snapshots: []aria2test.Job{
				{Status: "complete", TotalLength: 30, CompletedLength: 30, Files: []string{
					"/downloads/Show/ep1.mkv",
					"/downloads/Show/ep2.mkv",
					"/downloads/Show/ep3.mkv",
				}},
			},
			expectPath:    "/downloads/Show",
			expectDir:     true,
			expectReports: []float64{100},
		},
		{
			name: "no files falls back to dir and name",
			snapshots: []aria2test.Job{
				{Status: "complete", Dir: "/data", Name: "Some.Torrent", Files: []string{""}},
			},
			expectPath:    "/data/Some.Torrent",
			expectReports: []float64{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := aria2test.New(t, testSecret)
			srv.SetJob("abc", tt.snapshots...)

			c := newClient(t, srv, testSecret)

			var reports []float64

			res, err := c.Monitor(context.Background(), "abc", func(p transfer.Progress) {
				reports = append(reports, p.Percentage)
			})
			require.NoError(t, err)

			assert.Equal(t, tt.expectPath, res.Path)
			assert.Equal(t, tt.expectDir, res.IsDir())
			assert.Equal(t, tt.expectReports, reports)
		})
	}
}

func TestMonitor_FollowsSuccessor(t *testing.T) {
	srv := aria2test.New(t, "")
	srv.SetJob("meta",
		aria2test.Job{Status: "active"},
		aria2test.Job{Status: "complete", Files: []string{"[METADATA]ubuntu"}, FollowedBy: []string{"real"}},
	)
	srv.SetJob("real",
		aria2test.Job{Status: "active", TotalLength: 100, CompletedLength: 10},
		aria2test.Job{Status: "complete", TotalLength: 100, CompletedLength: 100, Files: []string{"/downloads/ubuntu.iso"}},
	)

	c := newClient(t, srv, "")

	res, err := c.Monitor(context.Background(), "meta", nil)
	require.NoError(t, err)
	assert.Equal(t, "/downloads/ubuntu.iso", res.Path)
	assert.False(t, res.IsDir())

	var polledReal int

	for _, call := range srv.CallsTo("aria2.tellStatus") {
		var gid string
		decodeParam(t, call.Params[0], &gid)

		if gid == "real" {
			polledReal++
		}
	}

	assert.Equal(t, 2, polledReal)
}

func TestMonitor_JobError(t *testing.T) {
	srv := aria2test.New(t, "")
	srv.SetJob("abc",
		aria2test.Job{Status: "active"},
		aria2test.Job{Status: "error", ErrorCode: "3", ErrorMessage: "Resource *not* found:\n`404`"},
	)

	c := newClient(t, srv, "")

	_, err := c.Monitor(context.Background(), "abc", nil)
	require.Error(t, err)

	var jobErr *transfer.DaemonJobFailedError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "abc", jobErr.GID)
	assert.Equal(t, "3", jobErr.Code)
	assert.Equal(t, "Resource not found: 404", jobErr.Message)
}

func TestMonitor_Removed(t *testing.T) {
	srv := aria2test.New(t, "")
	srv.SetJob("abc", aria2test.Job{Status: "removed"})

	c := newClient(t, srv, "")

	_, err := c.Monitor(context.Background(), "abc", nil)

	var jobErr *transfer.DaemonJobFailedError
	require.ErrorAs(t, err, &jobErr)
	assert.Contains(t, jobErr.Message, "removed")
}

func TestMonitor_CancelRemovesJob(t *testing.T) {
	srv := aria2test.New(t, "")
	srv.SetJob("abc", aria2test.Job{Status: "active", TotalLength: 100, CompletedLength: 1})

	c := newClient(t, srv, "", aria2.WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once

	_, err := c.Monitor(ctx, "abc", func(transfer.Progress) {
		once.Do(cancel)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	removes := srv.CallsTo("aria2.remove")
	require.Len(t, removes, 1)

	var gid string
	decodeParam(t, removes[0].Params[0], &gid)
	assert.Equal(t, "abc", gid)
}

func TestStatus_UnknownGID(t *testing.T) {
	srv := aria2test.New(t, "")
	c := newClient(t, srv, "")

	_, err := c.Status(context.Background(), "missing")
	require.Error(t, err)

	var rpcErr *aria2.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 1, rpcErr.Code)
}
