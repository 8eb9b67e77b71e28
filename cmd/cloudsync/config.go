package main

import (
	"errors"
	"time"

	"github.com/23skdu/cloudsync/internal/cloudstore"
	"github.com/23skdu/cloudsync/internal/compress"
	"github.com/23skdu/cloudsync/internal/limiter"
	"github.com/23skdu/cloudsync/internal/merge"
	"github.com/23skdu/cloudsync/internal/operation"
	"github.com/23skdu/cloudsync/internal/reachability"
	"github.com/23skdu/cloudsync/internal/remote/s3store"
	"github.com/23skdu/cloudsync/internal/resilience"
)

// Config is read from CLOUDSYNC_* environment variables.
type Config struct {
	ContainerID   string `envconfig:"CONTAINER_ID" default:"default"`
	AccountToken  string `envconfig:"ACCOUNT_TOKEN"`
	DatabaseScope string `envconfig:"DATABASE_SCOPE" default:"private"`
	Zone          string `envconfig:"ZONE" default:"default"`
	MergePolicy   string `envconfig:"MERGE_POLICY" default:"server-wins"`
	AllowsWWAN    bool   `envconfig:"ALLOWS_WWAN" default:"true"`
	DataPath      string `envconfig:"DATA_PATH" default:"./data"`
	SchemaPath    string `envconfig:"SCHEMA_PATH" default:"./schema.yaml"`

	CompressionCodec     string `envconfig:"COMPRESSION_CODEC" default:"snappy"`
	CompressionLevel     string `envconfig:"COMPRESSION_LEVEL" default:"default"`
	CompressionThreshold int    `envconfig:"COMPRESSION_THRESHOLD" default:"1024"`

	PushInterval            time.Duration `envconfig:"PUSH_INTERVAL" default:"15s"`
	PullInterval            time.Duration `envconfig:"PULL_INTERVAL" default:"5m"`
	BatchSize               int           `envconfig:"BATCH_SIZE" default:"400"`
	ConflictRetries         int           `envconfig:"CONFLICT_RETRIES" default:"3"`
	MaxConcurrentOperations int           `envconfig:"MAX_CONCURRENT_OPERATIONS" default:"1"`
	StartRPS                float64       `envconfig:"START_RPS" default:"0"`
	StartBurst              int           `envconfig:"START_BURST" default:"0"`
	RetryMaxAttempts        int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`

	RemoteBackend     string `envconfig:"REMOTE_BACKEND" default:"memory"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3Bucket          string `envconfig:"S3_BUCKET"`
	S3Prefix          string `envconfig:"S3_PREFIX"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UsePathStyle    bool   `envconfig:"S3_USE_PATH_STYLE" default:"false"`

	MetricsAddr       string        `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	ProbeAddr         string        `envconfig:"PROBE_ADDR"`
	ProbeInterval     time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`
	MeteredInterfaces []string      `envconfig:"METERED_INTERFACES"`
}

// Config validation errors
var (
	ErrInvalidContainerID   = errors.New("container_id cannot be empty")
	ErrInvalidZone          = errors.New("zone cannot be empty")
	ErrInvalidDataPath      = errors.New("data_path cannot be empty")
	ErrInvalidSchemaPath    = errors.New("schema_path cannot be empty")
	ErrInvalidScope         = errors.New("database_scope must be private, shared, or public")
	ErrInvalidMergePolicy   = errors.New("merge_policy must be server-wins, client-wins, last-writer-wins, or field-level")
	ErrInvalidCompression   = errors.New("compression codec or level is not supported")
	ErrInvalidPushInterval  = errors.New("push_interval must be positive")
	ErrInvalidPullInterval  = errors.New("pull_interval cannot be negative")
	ErrInvalidBatchSize     = errors.New("batch_size must be positive")
	ErrInvalidRetries       = errors.New("conflict_retries and retry_max_attempts cannot be negative")
	ErrInvalidConcurrency   = errors.New("max_concurrent_operations must be positive")
	ErrInvalidRemoteBackend = errors.New("remote_backend must be 'memory' or 's3'")
	ErrInvalidS3Bucket      = errors.New("s3_bucket is required for the s3 backend")
	ErrInvalidMetricsAddr   = errors.New("metrics_addr cannot be empty")
	ErrInvalidLogFormat     = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel      = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidProbeInterval = errors.New("probe_interval must be positive when probe_addr is set")
)

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.ContainerID == "" {
		return ErrInvalidContainerID
	}
	if cfg.Zone == "" {
		return ErrInvalidZone
	}
	if cfg.DataPath == "" {
		return ErrInvalidDataPath
	}
	if cfg.SchemaPath == "" {
		return ErrInvalidSchemaPath
	}
	if _, err := cloudstore.ParseScope(cfg.DatabaseScope); err != nil {
		return ErrInvalidScope
	}
	if _, err := merge.ParsePolicy(cfg.MergePolicy); err != nil {
		return ErrInvalidMergePolicy
	}
	if _, err := compress.New(cfg.Compression()); err != nil {
		return ErrInvalidCompression
	}
	if cfg.PushInterval <= 0 {
		return ErrInvalidPushInterval
	}
	if cfg.PullInterval < 0 {
		return ErrInvalidPullInterval
	}
	if cfg.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if cfg.ConflictRetries < 0 || cfg.RetryMaxAttempts < 0 {
		return ErrInvalidRetries
	}
	if cfg.MaxConcurrentOperations <= 0 {
		return ErrInvalidConcurrency
	}
	switch cfg.RemoteBackend {
	case "memory":
	case "s3":
		if cfg.S3Bucket == "" {
			return ErrInvalidS3Bucket
		}
	default:
		return ErrInvalidRemoteBackend
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.ProbeAddr != "" && cfg.ProbeInterval <= 0 {
		return ErrInvalidProbeInterval
	}
	return nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		ContainerID:             "default",
		DatabaseScope:           "private",
		Zone:                    "default",
		MergePolicy:             "server-wins",
		AllowsWWAN:              true,
		DataPath:                "./data",
		SchemaPath:              "./schema.yaml",
		CompressionCodec:        "snappy",
		CompressionLevel:        "default",
		CompressionThreshold:    1024,
		PushInterval:            15 * time.Second,
		PullInterval:            5 * time.Minute,
		BatchSize:               400,
		ConflictRetries:         3,
		MaxConcurrentOperations: 1,
		RetryMaxAttempts:        5,
		RemoteBackend:           "memory",
		S3Region:                "us-east-1",
		MetricsAddr:             "0.0.0.0:9090",
		LogFormat:               "json",
		LogLevel:                "info",
		ProbeInterval:           30 * time.Second,
	}
}

func (c *Config) Compression() compress.Config {
	return compress.Config{Codec: c.CompressionCodec, Level: c.CompressionLevel, Threshold: c.CompressionThreshold}
}

func (c *Config) S3() s3store.Config {
	return s3store.Config{
		Endpoint:        c.S3Endpoint,
		Bucket:          c.S3Bucket,
		Prefix:          c.S3Prefix,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
		Region:          c.S3Region,
		UsePathStyle:    c.S3UsePathStyle,
		MaxBatchSize:    c.BatchSize,
		AccountToken:    c.AccountToken,
	}
}

// StoreOptions maps the configuration onto cloud store options. The schema
// and reachability monitor are filled in by the caller.
func (c *Config) StoreOptions() (cloudstore.Options, error) {
	scope, err := cloudstore.ParseScope(c.DatabaseScope)
	if err != nil {
		return cloudstore.Options{}, err
	}
	policy, err := merge.ParsePolicy(c.MergePolicy)
	if err != nil {
		return cloudstore.Options{}, err
	}

	retry := resilience.DefaultRetryPolicy()
	retry.MaxAttempts = c.RetryMaxAttempts

	opts := cloudstore.DefaultOptions()
	opts.ContainerID = c.ContainerID
	opts.Scope = scope
	opts.Zone = c.Zone
	opts.DataPath = c.DataPath
	opts.Compression = c.Compression()
	opts.Policy = policy
	opts.AllowsWWAN = c.AllowsWWAN
	opts.PushInterval = c.PushInterval
	opts.PullInterval = c.PullInterval
	opts.BatchSize = c.BatchSize
	opts.ConflictRetries = c.ConflictRetries
	opts.Retry = retry
	opts.Queue = operation.Config{
		MaxConcurrent: c.MaxConcurrentOperations,
		AllowsWWAN:    c.AllowsWWAN,
		Limiter:       limiter.Config{RPS: c.StartRPS, Burst: c.StartBurst},
	}
	return opts, nil
}

// Prober returns the reachability prober, or nil when probing is disabled.
func (c *Config) Prober() reachability.Prober {
	if c.ProbeAddr == "" {
		return nil
	}
	return reachability.NewNetProber(c.ProbeAddr, 5*time.Second, c.MeteredInterfaces)
}
