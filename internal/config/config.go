// Package config defines the configuration for the ContractFlow services.
// Configuration is loaded once at process startup and is immutable
// thereafter, with values resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"contractflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct, shared by the API server and
// the workers. Sub-components receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"contractflow"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Lookup   LookupConfig
	Webhook  WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds the audit database connection and pool tuning.
// The URL is optional: without it the services run with auditing disabled.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds regional configuration and the LocalStack override.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// QueueConfig names the contract download queue and selects the backend.
type QueueConfig struct {
	// Backend is "sqs" or "memory"; memory is for local development only.
	Backend string `envconfig:"QUEUE_BACKEND" default:"sqs" validate:"oneof=sqs memory"`
	Name    string `envconfig:"QUEUE_NAME" validate:"required"`
}

// WorkerConfig bounds the download worker's consumption. ParseQueueName is
// the hand-off queue for fetched document content; empty disables the
// hand-off.
type WorkerConfig struct {
	BatchSize      int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	Concurrency    int64         `envconfig:"WORKER_CONCURRENCY" default:"4"`
	IdleInterval   time.Duration `envconfig:"WORKER_IDLE_INTERVAL" default:"1s"`
	ErrorBackoff   time.Duration `envconfig:"WORKER_ERROR_BACKOFF" default:"5s"`
	ParseQueueName string        `envconfig:"PARSE_QUEUE_NAME"`
}

// LookupConfig configures the CRM document-lookup collaborator. Optional:
// without a base URL, doc-id enhancement is disabled and synthesized ids
// flow through unchanged.
type LookupConfig struct {
	BaseURL string        `envconfig:"LOOKUP_BASE_URL" validate:"omitempty,url"`
	APIKey  SecretString  `envconfig:"LOOKUP_API_KEY"`
	Timeout time.Duration `envconfig:"LOOKUP_TIMEOUT" default:"5s"`
}

// WebhookConfig holds inbound webhook ingestion settings. IngestTokenHash is
// the bcrypt hash of the shared token CRM calls must present.
type WebhookConfig struct {
	IngestTokenHash SecretString `envconfig:"WEBHOOK_INGEST_TOKEN_HASH" validate:"required"`
	MaxBodyBytes    int64        `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
