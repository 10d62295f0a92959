package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	DataDir   string `yaml:"data_dir"`
	BlobDir   string `yaml:"blob_dir"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int64         `yaml:"cache_max_entries"`

	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	MaxStatusWait  time.Duration `yaml:"max_status_wait"`
}

func defaults() *Config {
	return &Config{
		NodeID:          "coordinator-default",
		HTTPPort:        8000,
		Debug:           false,
		LogLevel:        "info",
		DataDir:         "data",
		BlobDir:         "data/blobs",
		Workers:         4,
		QueueSize:       64,
		CacheTTL:        24 * time.Hour,
		CacheMaxEntries: 4096,
		MaxUploadBytes:  50 << 20,
		MaxStatusWait:   30 * time.Second,
	}
}

// Load builds the config from defaults, an optional YAML file, and the
// environment, in that order. Environment variables win.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.NodeID = getEnv("NODE_ID", cfg.NodeID)
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.BlobDir = getEnv("BLOB_DIR", cfg.BlobDir)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)
	cfg.QueueSize = getEnvInt("QUEUE_SIZE", cfg.QueueSize)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.CacheMaxEntries = int64(getEnvInt("CACHE_MAX_ENTRIES", int(cfg.CacheMaxEntries)))
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.MaxStatusWait = getEnvDuration("MAX_STATUS_WAIT", cfg.MaxStatusWait)

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue_size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.MaxUploadBytes < 1 {
		return nil, fmt.Errorf("max_upload_bytes must be positive, got %d", cfg.MaxUploadBytes)
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
