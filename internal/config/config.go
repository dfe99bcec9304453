// Package config loads FibreField sync core configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all tunable settings for the sync core. The backoff and
// threshold values are policy constants, not contracts; they are
// overridable per deployment.
type Config struct {
	DataDir  string `env:"FIELDSYNC_DATA_DIR" envDefault:"./data"`
	LogLevel string `env:"FIELDSYNC_LOG_LEVEL" envDefault:"info"`

	// Remote collaborators
	RemoteBaseURL  string        `env:"FIELDSYNC_REMOTE_URL"`
	BlobBaseURL    string        `env:"FIELDSYNC_BLOB_URL"`
	APIToken       string        `env:"FIELDSYNC_API_TOKEN"`
	RequestTimeout time.Duration `env:"FIELDSYNC_REQUEST_TIMEOUT" envDefault:"30s"`

	// Queue policy
	BatchSize    int           `env:"FIELDSYNC_BATCH_SIZE" envDefault:"10"`
	MaxAttempts  int           `env:"FIELDSYNC_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase  time.Duration `env:"FIELDSYNC_BACKOFF_BASE" envDefault:"30s"`
	SyncInterval time.Duration `env:"FIELDSYNC_SYNC_INTERVAL" envDefault:"5m"`

	// Priority-to-initial-delay mapping for freshly enqueued items.
	HighPriorityDelay   time.Duration `env:"FIELDSYNC_HIGH_DELAY" envDefault:"0s"`
	MediumPriorityDelay time.Duration `env:"FIELDSYNC_MEDIUM_DELAY" envDefault:"30s"`
	LowPriorityDelay    time.Duration `env:"FIELDSYNC_LOW_DELAY" envDefault:"2m"`

	// GPS gating
	AccuracyThreshold float64 `env:"FIELDSYNC_GPS_ACCURACY_M" envDefault:"20"`
	MaxPoleDistance   float64 `env:"FIELDSYNC_GPS_MAX_DISTANCE_M" envDefault:"500"`

	// Photo compression
	CompressThreshold int64 `env:"FIELDSYNC_COMPRESS_THRESHOLD" envDefault:"1048576"`
	MaxPhotoDimension int   `env:"FIELDSYNC_MAX_PHOTO_DIM" envDefault:"1920"`

	// Websocket event bridge
	PushAddr string `env:"FIELDSYNC_PUSH_ADDR" envDefault:"localhost:8090"`

	// Automatic export archives. "manual" disables the scheduler.
	ExportInterval  string `env:"FIELDSYNC_EXPORT_INTERVAL" envDefault:"manual"`
	ExportRetention int    `env:"FIELDSYNC_EXPORT_RETENTION" envDefault:"7"`
	ExportMedia     bool   `env:"FIELDSYNC_EXPORT_MEDIA" envDefault:"false"`
	ExportProject   string `env:"FIELDSYNC_EXPORT_PROJECT"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with all defaults applied and no
// environment lookups. Used by tests.
func Default() *Config {
	return &Config{
		DataDir:             "./data",
		LogLevel:            "info",
		RequestTimeout:      30 * time.Second,
		BatchSize:           10,
		MaxAttempts:         5,
		BackoffBase:         30 * time.Second,
		SyncInterval:        5 * time.Minute,
		HighPriorityDelay:   0,
		MediumPriorityDelay: 30 * time.Second,
		LowPriorityDelay:    2 * time.Minute,
		AccuracyThreshold:   20,
		MaxPoleDistance:     500,
		CompressThreshold:   1 << 20,
		MaxPhotoDimension:   1920,
		PushAddr:            "localhost:8090",
		ExportInterval:      "manual",
		ExportRetention:     7,
	}
}
