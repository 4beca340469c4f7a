package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/leech_relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "./downloads", cfg.DownloadDir)
	assert.Equal(t, "localhost", cfg.Aria2.Host)
	assert.Equal(t, 6800, cfg.Aria2.Port)
	assert.Equal(t, 3, cfg.Aria2.MaxRetries)
	assert.Equal(t, time.Second, cfg.Aria2.InitialWait)
	assert.Equal(t, 2*time.Second, cfg.Aria2.PollInterval)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, int64(1<<20), cfg.Fetch.ChunkSize)
	assert.Equal(t, 255, cfg.MaxFilenameLength)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "config.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ARIA2_HOST=aria2.internal\nARIA2_SECRET=from-file\n"), 0o600))

	t.Setenv("ARIA2_SECRET", "from-env")
	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("ARIA2_POLL_INTERVAL", "500ms")

	// godotenv sets variables it loads; make sure they do not leak into other tests
	t.Cleanup(func() { os.Unsetenv("ARIA2_HOST") })

	cfg, err := config.Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "aria2.internal", cfg.Aria2.Host)
	assert.Equal(t, "from-env", cfg.Aria2.Secret)
	assert.Equal(t, "/data", cfg.DownloadDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Aria2.PollInterval)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port out of range", env: map[string]string{"ARIA2_PORT": "70000"}},
		{name: "half configured api auth", env: map[string]string{"API_USERNAME": "admin"}},
		{name: "bad duration", env: map[string]string{"ARIA2_INITIAL_WAIT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &config.Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, cfg.SlogLevel())
		})
	}
}
