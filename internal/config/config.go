// Package config defines the global configuration structure for the GridRelay
// pipeline. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: code and configuration
// are strictly separated, and any missing required value or invalid format
// fails the process on startup.
package config

import (
	"time"

	"gridrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for configuration values that must never reach logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Components receive only the
// specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"gridrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Webhook   WebhookConfig
	Forwarder ForwarderConfig

	// Build metadata, injected via ldflags rather than the environment.
	Build BuildInfo
}

// ServerConfig holds HTTP server tuning for the webhook receiver.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`

	// RequestTimeout is the hard wall-clock budget for a single inbound
	// webhook request. If ledger and queue work for a batch cannot complete
	// within it, the handler fails the request so the sender retries.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds ledger database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EventQueueURL is the main FIFO queue buffering accepted events.
	EventQueueURL string `envconfig:"SQS_EVENT_QUEUE" validate:"required,url"`

	// DeadLetterQueueURL receives messages that exhausted their retry budget
	// or were permanently rejected downstream.
	DeadLetterQueueURL string `envconfig:"SQS_DEAD_LETTER_QUEUE" validate:"required,url"`

	// MetricNamespace is the CloudWatch namespace for pipeline metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"GridRelay"`

	// MetricsEnabled gates CloudWatch publication; local runs use a no-op sink.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"false"`
}

// WebhookConfig holds the intake contract with the source system.
//
// The exact challenge header carried on verification requests is defined by
// the upstream provider version, so both the header and the response field
// name are configuration, not hardcoded literals.
type WebhookConfig struct {
	// ChallengeHeader is the request header carrying the verification token.
	ChallengeHeader string `envconfig:"WEBHOOK_CHALLENGE_HEADER" default:"Grid-Hook-Challenge"`

	// ChallengeResponseField is the JSON field name used to echo the token.
	ChallengeResponseField string `envconfig:"WEBHOOK_CHALLENGE_RESPONSE_FIELD" default:"verificationResponse"`

	// SystemActorIDs is the loop-prevention allow-list: actor identities
	// representing the automation pipeline itself, whose changes are never
	// re-ingested. Comma-separated in the environment; treated as an
	// immutable set after startup.
	SystemActorIDs []string `envconfig:"SYSTEM_ACTOR_IDS"`

	// MaxBodyBytes limits the inbound webhook payload size.
	MaxBodyBytes int64 `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

// ForwarderConfig holds worker pool sizing, downstream endpoint wiring, and
// the retry/backoff budget.
type ForwarderConfig struct {
	// DownstreamURL is the business-logic endpoint events are forwarded to.
	DownstreamURL string `envconfig:"DOWNSTREAM_URL" validate:"required,url"`

	// DownstreamTimeout bounds each downstream call; a timeout is treated as
	// a transient failure.
	DownstreamTimeout time.Duration `envconfig:"DOWNSTREAM_TIMEOUT" default:"10s"`

	Workers int `envconfig:"FORWARDER_WORKERS" default:"4" validate:"min=1,max=64"`

	// AllowPrivateDownstream disables the outbound IP blocklist. Needed for
	// local runs where the downstream endpoint is on localhost.
	AllowPrivateDownstream bool `envconfig:"DOWNSTREAM_ALLOW_PRIVATE" default:"false"`

	// MaxRedirects bounds redirect following on downstream calls.
	MaxRedirects int `envconfig:"DOWNSTREAM_MAX_REDIRECTS" default:"3" validate:"min=0,max=10"`

	// Retry budget. Backoff is exponential with full jitter, enforced by the
	// broker's invisibility timer rather than by blocking a worker.
	MaxAttempts   int           `envconfig:"FORWARDER_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BaseDelay     time.Duration `envconfig:"FORWARDER_BASE_DELAY" default:"2s"`
	MaxDelay      time.Duration `envconfig:"FORWARDER_MAX_DELAY" default:"5m"`
	BackoffFactor float64       `envconfig:"FORWARDER_BACKOFF_FACTOR" default:"2.0"`
}

// SystemActorSet returns the loop-prevention allow-list as a set for O(1)
// membership checks during classification.
func (w WebhookConfig) SystemActorSet() map[string]struct{} {
	set := make(map[string]struct{}, len(w.SystemActorIDs))
	for _, id := range w.SystemActorIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// BuildInfo carries build metadata injected at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
