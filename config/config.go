package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow TickflowConfig `yaml:"tickflow"`
	Channels ChannelsConfig `yaml:"channels"`
	Session  SessionConfig  `yaml:"session"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Storage  StorageConfig  `yaml:"storage"`
	Predict  PredictConfig  `yaml:"predict"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer  int `yaml:"raw_buffer"`
	NormBuffer int `yaml:"norm_buffer"`
}

// SessionConfig describes the single streaming connection. Symbols are
// subscribed in the order listed here.
type SessionConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	Symbols          []string      `yaml:"symbols"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	Supervise        bool          `yaml:"supervise"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

type LimiterConfig struct {
	MinInterval  time.Duration `yaml:"min_interval"`
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	S3      S3Config      `yaml:"s3"`
	Archive ArchiveConfig `yaml:"archive"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ArchiveConfig controls the optional parquet archive writer. The archive is
// a secondary consumer and never sits on the persistence path.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Prefix        string        `yaml:"prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type PredictConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	UpstreamURL string        `yaml:"upstream_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// DefaultSymbols is the fixed subscription set: the SPX proxy, SPY and the
// VIX ticker, in subscribe order.
var DefaultSymbols = []string{"OANDA:SPX500_USD", "SPY", "^VIX"}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Secrets come from the environment when present, never from the file.
	if v := os.Getenv("FINNHUB_TOKEN"); v != "" {
		config.Session.Token = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("PREDICT_UPSTREAM_URL"); v != "" {
		config.Predict.UpstreamURL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Session.Symbols) == 0 {
		cfg.Session.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if cfg.Session.HandshakeTimeout <= 0 {
		cfg.Session.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Session.WriteTimeout <= 0 {
		cfg.Session.WriteTimeout = 10 * time.Second
	}
	if cfg.Session.ReconnectMin <= 0 {
		cfg.Session.ReconnectMin = time.Second
	}
	if cfg.Session.ReconnectMax <= 0 {
		cfg.Session.ReconnectMax = 30 * time.Second
	}
	if cfg.Limiter.MinInterval <= 0 {
		cfg.Limiter.MinInterval = time.Second
	}
	if cfg.Limiter.QueueSize <= 0 {
		cfg.Limiter.QueueSize = 256
	}
	if cfg.Limiter.WriteTimeout <= 0 {
		cfg.Limiter.WriteTimeout = 10 * time.Second
	}
	if cfg.Channels.RawBuffer <= 0 {
		cfg.Channels.RawBuffer = 1024
	}
	if cfg.Channels.NormBuffer <= 0 {
		cfg.Channels.NormBuffer = 1024
	}
	if cfg.Storage.Archive.FlushInterval <= 0 {
		cfg.Storage.Archive.FlushInterval = time.Minute
	}
	if cfg.Storage.Archive.Prefix == "" {
		cfg.Storage.Archive.Prefix = "archive"
	}
	if cfg.Predict.Address == "" {
		cfg.Predict.Address = ":8080"
	}
	if cfg.Predict.Timeout <= 0 {
		cfg.Predict.Timeout = 30 * time.Second
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}

	if cfg.Session.Token == "" {
		return fmt.Errorf("session.token is required (set FINNHUB_TOKEN)")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Archive.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("storage.archive requires storage.s3 to be enabled")
	}

	if cfg.Predict.Enabled && cfg.Predict.UpstreamURL == "" {
		return fmt.Errorf("predict.upstream_url is required when the predict proxy is enabled")
	}

	return nil
}

// isValidS3Bucket applies the subset of the S3 naming rules that matter for
// catching configuration typos early.
func isValidS3Bucket(bucket string) bool {
	if len(bucket) < 3 || len(bucket) > 63 {
		return false
	}
	for i := 0; i < len(bucket); i++ {
		c := bucket[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.':
			if i == 0 || i == len(bucket)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
