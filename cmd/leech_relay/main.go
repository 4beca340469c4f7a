package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/leech_relay/internal/cleanup"
	"github.com/italolelis/leech_relay/internal/config"
	"github.com/italolelis/leech_relay/internal/dc"
	"github.com/italolelis/leech_relay/internal/dc/aria2"
	"github.com/italolelis/leech_relay/internal/downloader"
	"github.com/italolelis/leech_relay/internal/http/rest"
	"github.com/italolelis/leech_relay/internal/logctx"
	"github.com/italolelis/leech_relay/internal/notifier"
	"github.com/italolelis/leech_relay/internal/relay"
	"github.com/italolelis/leech_relay/internal/telemetry"
	"github.com/italolelis/leech_relay/internal/transfer"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = logctx.WithLogger(ctx, logger)

	if len(os.Args) > 1 {
		err = runOnce(ctx, cfg, os.Args[1])
	} else {
		slog.Info("leech relay starting...", "version", version, "log_level", cfg.LogLevel)
		err = run(ctx, cfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// runOnce downloads a single source and prints the resulting path.
func runOnce(ctx context.Context, cfg *config.Config, src string) error {
	logger := logctx.LoggerFromContext(ctx)

	orchestrator, fetcher, _ := buildRelay(cfg, nil)
	defer fetcher.Close()

	res, err := orchestrator.Download(ctx, transfer.NewRequest(src), relay.Throttle(cfg.ProgressInterval, logProgress(logger)))
	if err != nil {
		return err
	}

	fmt.Println(res.Path)

	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     telemetry.NewInstanceID(),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		// the run context is already cancelled at this point
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Relay
	orchestrator, fetcher, daemon := buildRelay(cfg, tel)
	defer fetcher.Close()

	if daemon != nil {
		logger.Info("using download daemon", "endpoint", daemon.Endpoint())
	}

	// =========================================================================
	// Start API Service
	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	downloads := rest.NewDownloadsHandler(
		ctx,
		cfg.API.Username,
		cfg.API.Password,
		orchestrator,
		cfg.DownloadDir,
		notif,
		tel,
		cfg.ProgressInterval,
	)
	defer downloads.Wait()

	server := setupServer(ctx, cfg, tel, downloads, daemon)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	if cfg.KeepDownloadedFor > 0 {
		g.Go(func() error {
			runCleanup(gctx, cfg, tel, downloads)
			return nil
		})
	}

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"daemon_enabled", cfg.Aria2.Enabled,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// buildRelay wires the direct fetcher and, when enabled, the aria2 client into
// an orchestrator.
func buildRelay(cfg *config.Config, tel *telemetry.Telemetry) (*relay.Orchestrator, *downloader.Fetcher, *aria2.Client) {
	fetchOpts := []downloader.Option{
		downloader.WithMaxAttempts(cfg.Fetch.MaxAttempts),
		downloader.WithChunkSize(cfg.Fetch.ChunkSize),
		downloader.WithMaxFilenameLength(cfg.MaxFilenameLength),
	}
	if cfg.Fetch.UserAgent != "" {
		fetchOpts = append(fetchOpts, downloader.WithUserAgent(cfg.Fetch.UserAgent))
	}

	fetcher := downloader.NewFetcher(cfg.DownloadDir, fetchOpts...)

	// daemon stays a nil interface when aria2 is disabled
	var (
		daemon dc.Daemon
		client *aria2.Client
	)

	if cfg.Aria2.Enabled {
		client = aria2.NewClient(
			cfg.Aria2.Host,
			cfg.Aria2.Port,
			cfg.Aria2.Secret,
			cfg.DownloadDir,
			aria2.WithRetry(cfg.Aria2.MaxRetries, cfg.Aria2.InitialWait),
			aria2.WithPollInterval(cfg.Aria2.PollInterval),
			aria2.WithMaxFilenameLength(cfg.MaxFilenameLength),
		)
		daemon = relay.NewInstrumentedDaemon(client, tel, "aria2")
	}

	orchestrator := relay.New(
		relay.NewInstrumentedFetcher(fetcher, tel),
		daemon,
		relay.WithTelemetry(tel),
	)

	return orchestrator, fetcher, client
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	downloads *rest.DownloadsHandler,
	daemon *aria2.Client,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		daemonState := "disabled"
		if daemon != nil {
			daemonState = "unreachable"
			if daemon.Connected() {
				daemonState = "connected"
			}
		}

		fmt.Fprintf(w, `{"status":"ok","daemon":%q}`, daemonState)
	})
	r.Mount("/", downloads.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, downloads *rest.DownloadsHandler) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed, err := cleanup.DeleteExpired(ctx, cfg.DownloadDir, cfg.KeepDownloadedFor, downloads.ActiveFiles())
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("failed to delete expired files", "err", err)
				tel.RecordSystemError("cleanup", "delete_failed")
			}

			tel.RecordCleanup(ctx, removed)
		}
	}
}

func logProgress(logger *slog.Logger) transfer.ProgressFunc {
	return func(p transfer.Progress) {
		logger.Info("download progress",
			"downloaded", humanize.Bytes(p.Downloaded),
			"total", humanize.Bytes(p.Total),
			"percentage", fmt.Sprintf("%.1f%%", p.Percentage),
			"speed", humanize.Bytes(p.Speed)+"/s",
		)
	}
}
