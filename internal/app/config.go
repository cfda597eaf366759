package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // hcl file or directory
	WorkDir    string // per-job working roots
	Platform   string // cache-key namespace fallback

	// Workers overrides the configured concurrency limit when positive.
	Workers int

	// Local cache store root, used unless an S3 endpoint is configured.
	CacheDir string

	// S3-backed cache store.
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Secure    bool

	// ReportFormat selects a machine-readable report ("json"/"yaml")
	// instead of the console summary. Empty means console.
	ReportFormat string

	// Every re-runs the matrix on an interval; zero runs once.
	Every time.Duration

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
