package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadSubsystem string `envconfig:"DOWNLOAD_SUBSYSTEM" default:"local"`

	Aria2RPCURL       string        `envconfig:"ARIA2_RPC_URL" default:"http://localhost:6800/jsonrpc"`
	Aria2Secret       string        `envconfig:"ARIA2_SECRET"`
	Aria2PollInterval time.Duration `envconfig:"ARIA2_POLL_INTERVAL" default:"2s"`

	PutioToken        string        `envconfig:"PUTIO_TOKEN"`
	PutioPollInterval time.Duration `envconfig:"PUTIO_POLL_INTERVAL" default:"30s"`

	TargetDir string `envconfig:"TARGET_DIR" required:"true"`

	StateBackend string `envconfig:"STATE_BACKEND" default:"sqlite"`
	DBPath       string `envconfig:"DB_PATH" default:"coordinator.db"`
	StateBlobURL string `envconfig:"STATE_BLOB_URL"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"download_coordinator"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
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
	switch c.DownloadSubsystem {
	case "local", "aria2":
	case "putio":
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is required for the putio download subsystem")
		}
	default:
		return fmt.Errorf("invalid download subsystem: %s", c.DownloadSubsystem)
	}

	switch c.StateBackend {
	case "sqlite":
	case "blob":
		if c.StateBlobURL == "" {
			return fmt.Errorf("STATE_BLOB_URL is required for the blob state backend")
		}
	default:
		return fmt.Errorf("invalid state backend: %s", c.StateBackend)
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
