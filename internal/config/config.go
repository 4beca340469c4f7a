package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultEnvFile is read before the environment when present.
const DefaultEnvFile = "config.env"

// Config struct for environment variables.
type Config struct {
	DownloadDir       string `envconfig:"DOWNLOAD_DIR" default:"./downloads"`
	MaxFilenameLength int    `envconfig:"MAX_FILENAME_LENGTH" default:"255"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`

	Aria2 struct {
		Enabled      bool          `split_words:"true" default:"true"`
		Host         string        `split_words:"true" default:"localhost"`
		Port         int           `split_words:"true" default:"6800"`
		Secret       string        `split_words:"true"`
		MaxRetries   int           `split_words:"true" default:"3"`
		InitialWait  time.Duration `split_words:"true" default:"1s"`
		PollInterval time.Duration `split_words:"true" default:"2s"`
	}

	Fetch struct {
		UserAgent   string `split_words:"true"`
		MaxAttempts int    `split_words:"true" default:"3"`
		ChunkSize   int64  `split_words:"true" default:"1048576"`
	}

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"5s"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"leech_relay"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool          `envconfig:"OTLP_INSECURE" default:"true"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads DefaultEnvFile, if any, and then the environment.
func LoadConfig() (*Config, error) {
	return Load(DefaultEnvFile)
}

// Load reads the given env files, if they exist, and then the environment.
// Variables already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return errors.New("DOWNLOAD_DIR must not be empty")
	}

	if c.Aria2.Enabled && (c.Aria2.Port <= 0 || c.Aria2.Port > 65535) {
		return fmt.Errorf("ARIA2_PORT %d is out of range", c.Aria2.Port)
	}

	if (c.API.Username == "") != (c.API.Password == "") {
		return errors.New("API_USERNAME and API_PASSWORD must be set together")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
