// Package config defines the process-wide configuration for the speculator
// platform. Configuration is loaded once at startup and immutable thereafter;
// values come from the OS environment layered over an optional .env file.
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"speculator/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Twitch    TwitchConfig
	Scheduler SchedulerConfig
}

// IsLocal reports whether the process runs in local development mode, which
// swaps the SQS delivery backend for an in-process timer and skips EventSub
// registration calls.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// TaskQueueURL is the delayed-delivery SQS queue all scheduled tasks
	// flow through. Unused (and not required) in local mode.
	TaskQueueURL string `envconfig:"SQS_TASK_QUEUE"`

	// MetricNamespace is the CloudWatch namespace for task telemetry.
	MetricNamespace string `envconfig:"CW_METRIC_NAMESPACE" default:"Speculator/Tasks"`

	// EndpointURL overrides the AWS endpoint for LocalStack (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// TwitchConfig holds broadcast-platform API credentials and endpoints.
type TwitchConfig struct {
	ClientID      string       `envconfig:"TWITCH_CLIENT_ID" validate:"required"`
	ClientSecret  SecretString `envconfig:"TWITCH_CLIENT_SECRET" validate:"required"`
	WebhookSecret SecretString `envconfig:"TWITCH_WEBHOOK_SECRET" validate:"required"`

	// WebhookCallback is the public URL EventSub delivers notifications to.
	WebhookCallback string `envconfig:"TWITCH_WEBHOOK_CALLBACK" validate:"omitempty,url"`

	HelixURL  string `envconfig:"TWITCH_HELIX_URL" default:"https://api.twitch.tv/helix"`
	TokenURL  string `envconfig:"TWITCH_TOKEN_URL" default:"https://id.twitch.tv/oauth2/token"`
	PubSubURL string `envconfig:"TWITCH_PUBSUB_URL" default:"wss://pubsub-edge.twitch.tv"`
}

// SchedulerConfig holds task scheduling tunables.
type SchedulerConfig struct {
	// LiveChannelPageSize bounds the fan-out of one metric-collection task.
	// It matches the platform's per-connection topic subscription limit.
	LiveChannelPageSize int `envconfig:"LIVE_CHANNEL_PAGE_SIZE" default:"500"`

	// PredictionWarmup is how long after stream start the synthetic
	// prediction task fires.
	PredictionWarmup time.Duration `envconfig:"PREDICTION_WARMUP" default:"10m"`
}
