// Package config defines the configuration of the task-report pipeline
// processes (scheduler, report consumer, Lambda worker, tools). Configuration
// is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid value fails startup.
package config

import (
	"time"

	"taskreports/internal/types"
)

// SecretString is an alias for types.SecretString so configuration secrets are
// redacted when logged.
type SecretString = types.SecretString

// Config is the top-level configuration shared by every binary. Components
// receive only the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"taskreports"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`

	// Pipeline
	Scheduler     SchedulerConfig
	Lock          LockConfig
	Backend       BackendConfig
	ProducerRetry RetryConfig `envconfig:"PRODUCER_RETRY"`
	ConsumerRetry RetryConfig `envconfig:"CONSUMER_RETRY"`
	Broker        BrokerConfig
	Consumer      ConsumerConfig
	Email         EmailConfig

	// Infrastructure
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `ignored:"true"`
}

// SchedulerConfig drives the periodic trigger.
type SchedulerConfig struct {
	// Cron accepts five or six (leading seconds) fields and descriptors such
	// as @daily.
	Cron            string        `envconfig:"SCHEDULER_CRON" default:"0 0 1 * * *" validate:"required"`
	PageSize        int           `envconfig:"SCHEDULER_PAGE_SIZE" default:"500" validate:"min=1,max=1000"`
	ReportDayOffset int           `envconfig:"REPORT_DAY_OFFSET" default:"1" validate:"min=0"`
	TimeZone        string        `envconfig:"REPORT_TIME_ZONE" default:"UTC" validate:"required,timezone"`
	RunTimeout      time.Duration `envconfig:"SCHEDULER_RUN_TIMEOUT" default:"0s" validate:"min=0"` // 0 means Lock.AtMostFor
}

// Location returns the report time zone. TimeZone is validated at load time,
// so the UTC fallback is only reached for hand-built configs.
func (c SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LockConfig configures the distributed run lock.
type LockConfig struct {
	Backend        string        `envconfig:"LOCK_BACKEND" default:"postgres" validate:"oneof=postgres redis memory"`
	Name           string        `envconfig:"LOCK_NAME" default:"dailyTaskReportJob" validate:"required"`
	AtMostFor      time.Duration `envconfig:"LOCK_AT_MOST_FOR" default:"50m" validate:"gt=0"`
	AtLeastFor     time.Duration `envconfig:"LOCK_AT_LEAST_FOR" default:"5m" validate:"min=0"`
	AcquireTimeout time.Duration `envconfig:"LOCK_ACQUIRE_TIMEOUT" default:"5s" validate:"gt=0"` // Fail fast when the store hangs
}

// BackendConfig holds the connection settings of the internal backend API.
type BackendConfig struct {
	BaseURL          string        `envconfig:"BACKEND_BASE_URL" validate:"required,url"`
	APIKey           SecretString  `envconfig:"BACKEND_API_KEY" validate:"required"`
	ConnectTimeout   time.Duration `envconfig:"BACKEND_CONNECT_TIMEOUT" default:"5s" validate:"gt=0"`
	ReadTimeout      time.Duration `envconfig:"BACKEND_READ_TIMEOUT" default:"30s" validate:"gt=0"`
	BreakerThreshold uint32        `envconfig:"BACKEND_BREAKER_THRESHOLD" default:"5" validate:"min=1"`
	UserAgent        string        `envconfig:"BACKEND_USER_AGENT" default:"taskreports/1.0"`
}

// RetryConfig is an exponential backoff policy. The producer and consumer
// sides are configured independently under the PRODUCER_RETRY_ and
// CONSUMER_RETRY_ prefixes.
type RetryConfig struct {
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1"`
	InitialInterval time.Duration `envconfig:"INITIAL_INTERVAL" default:"1s" validate:"gt=0"`
	Multiplier      float64       `envconfig:"MULTIPLIER" default:"2.0" validate:"gte=1"`
	MaxInterval     time.Duration `envconfig:"MAX_INTERVAL" default:"10s" validate:"gt=0"`
}

// BrokerConfig selects the message broker and names the three topics.
type BrokerConfig struct {
	Kind           string        `envconfig:"BROKER_KIND" default:"kafka" validate:"oneof=kafka sqs memory"`
	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	PublishTimeout time.Duration `envconfig:"BROKER_PUBLISH_TIMEOUT" default:"10s" validate:"gt=0"`

	UserCommandsTopic  string `envconfig:"TOPIC_USER_COMMANDS" default:"user-processing-commands" validate:"required"`
	EmailTriggersTopic string `envconfig:"TOPIC_EMAIL_TRIGGERS" default:"email-trigger-commands" validate:"required"`
	DeadLetterTopic    string `envconfig:"TOPIC_DEAD_LETTER" default:"user-processing-commands.DLT" validate:"required"`

	// SQS queue URLs, one per topic. Required when Kind is sqs.
	UserCommandsQueueURL  string `envconfig:"SQS_USER_COMMANDS"`
	EmailTriggersQueueURL string `envconfig:"SQS_EMAIL_TRIGGERS"`
	DeadLetterQueueURL    string `envconfig:"SQS_DEAD_LETTER"`
}

// QueueURLs maps topic names to SQS queue URLs.
func (c BrokerConfig) QueueURLs() map[string]string {
	return map[string]string{
		c.UserCommandsTopic:  c.UserCommandsQueueURL,
		c.EmailTriggersTopic: c.EmailTriggersQueueURL,
		c.DeadLetterTopic:    c.DeadLetterQueueURL,
	}
}

// ConsumerConfig configures the batch report consumer.
type ConsumerConfig struct {
	GroupID           string        `envconfig:"CONSUMER_GROUP_ID" default:"task-report-consumer" validate:"required"`
	MaxPollRecords    int           `envconfig:"CONSUMER_MAX_POLL_RECORDS" default:"50" validate:"min=1"`
	PollTimeout       time.Duration `envconfig:"CONSUMER_POLL_TIMEOUT" default:"5s" validate:"gt=0"`
	Concurrency       int           `envconfig:"CONSUMER_CONCURRENCY" default:"3" validate:"min=1"`
	DeadLetterEnabled bool          `envconfig:"CONSUMER_DLT_ENABLED" default:"true"`
	VisibilityTimeout time.Duration `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"5m" validate:"gt=0"`
}

// EmailConfig holds the parameters stamped on every EmailTriggerCommand.
type EmailConfig struct {
	TemplateID string `envconfig:"EMAIL_TEMPLATE_ID" default:"daily-task-report" validate:"required"`
	Locale     string `envconfig:"EMAIL_LOCALE" default:"en" validate:"required"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// Required when Lock.Backend is postgres.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"5"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig is used when Lock.Backend is redis.
type RedisConfig struct {
	Addr      string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password  SecretString `envconfig:"REDIS_PASSWORD"`
	DB        int          `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string       `envconfig:"REDIS_LOCK_PREFIX" default:"shedlock:"`
}

// AWSConfig holds the AWS region and the LocalStack endpoint override.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds metrics and ops endpoint settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"TaskReports"`
	OpsAddr         string `envconfig:"OPS_ADDR" default:":9090"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into its
	// target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
