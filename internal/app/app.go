// Package app holds the process wiring shared by the binaries under cmd/:
// configuration, logging, metrics and the consumer-side object graph.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskreports/internal/backend"
	"taskreports/internal/config"
	"taskreports/internal/consumer"
	"taskreports/internal/logging"
	"taskreports/internal/metrics"
	"taskreports/internal/queue"
	"taskreports/internal/retry"
)

// Load resolves configuration (SSM outside local mode) and builds the
// process logger, tagged with service, environment and version.
func Load() (*config.Config, *slog.Logger, error) {
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(
		"service", cfg.Service,
		"env", cfg.Environment,
		"version", cfg.Build.Version,
	)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// NewMetrics builds the configured recorder. The gatherer is non-nil only for
// the Prometheus backend and feeds the ops /metrics endpoint.
func NewMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Recorder, prometheus.Gatherer, error) {
	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return metrics.NewPrometheusRecorder(reg), reg, nil

	case "cloudwatch":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config for CloudWatch: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		return metrics.NewCloudWatchRecorder(client, cfg.Observability.MetricNamespace, logger), nil, nil
	}
	return metrics.Nop{}, nil, nil
}

// NewBackendClient builds the backend client with policy as its retry budget.
func NewBackendClient(cfg *config.Config, policy config.RetryConfig, rec metrics.Recorder, logger *slog.Logger) (*backend.Client, error) {
	p := retry.FromConfig(policy)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return backend.NewClient(cfg.Backend,
		backend.WithRetryPolicy(p),
		backend.WithMetrics(rec),
		backend.WithLogger(logger),
	)
}

// NewProcessor wires the batch processor used by both the long-running
// consumer and the Lambda worker. The consumer retry policy wraps the backend
// call and the emission together, so the client itself makes one attempt per
// call.
func NewProcessor(cfg *config.Config, publisher queue.Publisher, reports consumer.ReportFetcher, rec metrics.Recorder, logger *slog.Logger) (*consumer.BatchProcessor, error) {
	return consumer.NewBatchProcessor(consumer.ProcessorConfig{
		Reports:    reports,
		Publisher:  publisher,
		EmailTopic: cfg.Broker.EmailTriggersTopic,
		Retry:      retry.FromConfig(cfg.ConsumerRetry),
		DeadLetter: consumer.DeadLetterPolicy{
			Enabled: cfg.Consumer.DeadLetterEnabled,
			Topic:   cfg.Broker.DeadLetterTopic,
			GroupID: cfg.Consumer.GroupID,
		},
		Email:    cfg.Email,
		Location: cfg.Scheduler.Location(),
		Metrics:  rec,
		Logger:   logger,
	})
}

// SingleAttempt is the backend retry budget of the consumer side.
var SingleAttempt = config.RetryConfig{
	MaxAttempts:     1,
	InitialInterval: 1,
	Multiplier:      1,
	MaxInterval:     1,
}
