// Package config defines the global configuration structure for the fablecast
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"fablecast/internal/types"
)

// Config is the top-level configuration struct for the fablecast service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"fablecast"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Topology selects single-process polling or the SQS-backed worker pool.
	Topology types.Topology `envconfig:"TOPOLOGY" default:"single_process" validate:"oneof=single_process distributed"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Delivery  DeliveryConfig
	Email     EmailConfig
	Generator GeneratorConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers, used only in the distributed
// topology and for CloudWatch metrics.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	GenerationQueue string `envconfig:"SQS_GENERATION_QUEUE"`
	DeliveryQueue   string `envconfig:"SQS_DELIVERY_QUEUE"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Fablecast"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig holds the eligibility sweep tuning parameters.
type SchedulerConfig struct {
	// CheckInterval is the tick period for the eligibility sweep.
	CheckInterval time.Duration `envconfig:"SCHEDULER_CHECK_INTERVAL" default:"60s"`
	// GenerationLead is how far before the preferred delivery time
	// generation starts, so content is ready when the delivery fires.
	GenerationLead time.Duration `envconfig:"GENERATION_LEAD" default:"30m"`
	// EligibilityWindow is the width of the trigger window starting at
	// deliverAt - GenerationLead. A sweep outage longer than this window
	// skips the subject for the day; there is no backfill.
	EligibilityWindow time.Duration `envconfig:"ELIGIBILITY_WINDOW" default:"60m"`
}

// WorkerConfig holds generation worker and recovery tuning parameters.
type WorkerConfig struct {
	PollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	// RetryCeiling bounds both business-failure retries and crash-recovery
	// resets. A job at the ceiling fails permanently.
	RetryCeiling int `envconfig:"JOB_RETRY_CEILING" default:"3"`
	// StaleThreshold must exceed the maximum plausible generation duration;
	// a running job older than this is presumed orphaned by a crash.
	StaleThreshold   time.Duration `envconfig:"JOB_STALE_THRESHOLD" default:"10m"`
	RecoveryInterval time.Duration `envconfig:"RECOVERY_INTERVAL" default:"5m"`
	// RetentionAge is how long terminal jobs are kept before the retention
	// sweep archives and deletes them.
	RetentionAge      time.Duration `envconfig:"JOB_RETENTION_AGE" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"24h"`
	// ArchiveDir, when set, receives gzip JSONL archives of terminal jobs
	// before the retention sweep deletes them. Empty disables archiving.
	ArchiveDir string `envconfig:"JOB_ARCHIVE_DIR"`
}

// DeliveryConfig holds delivery dispatch tuning parameters.
type DeliveryConfig struct {
	CheckInterval time.Duration `envconfig:"DELIVERY_CHECK_INTERVAL" default:"60s"`
	BatchLimit    int           `envconfig:"DELIVERY_BATCH_LIMIT" default:"20"`
	// InterItemDelay is inserted between sends within a batch to stay under
	// the transport's rate limit.
	InterItemDelay time.Duration `envconfig:"DELIVERY_INTER_ITEM_DELAY" default:"600ms"`
	RetryCeiling   int           `envconfig:"DELIVERY_RETRY_CEILING" default:"3"`
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	ResendAPIKey string `envconfig:"RESEND_API_KEY"`
	FromAddress  string `envconfig:"EMAIL_FROM_ADDRESS" default:"stories@fablecast.io"`
	FromName     string `envconfig:"EMAIL_FROM_NAME" default:"Fablecast"`
	BaseURL      string `envconfig:"APP_BASE_URL" default:"http://localhost:8080"`
}

// GeneratorConfig holds the external story generation service settings.
type GeneratorConfig struct {
	EndpointURL string        `envconfig:"GENERATOR_ENDPOINT_URL"`
	APIKey      string        `envconfig:"GENERATOR_API_KEY"`
	Timeout     time.Duration `envconfig:"GENERATOR_TIMEOUT" default:"10m"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
