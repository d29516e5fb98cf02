package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"taskreports/internal/logging"
	"taskreports/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits one PutMetricData call per event.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder publishes into namespace (types.MetricNamespace when
// empty).
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logging.OrDefault(logger)}
}

func (m *CloudWatchRecorder) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for i := 0; i+1 < len(dims); i += 2 {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record metric",
			"metric", name,
			"error", err,
		)
	}
}

func (m *CloudWatchRecorder) RunStarted(ctx context.Context, job string) {
	m.put(ctx, types.MetricRunStarted, 1, cwtypes.StandardUnitCount, types.DimJob, job)
}

func (m *CloudWatchRecorder) RunSkipped(ctx context.Context, job string) {
	m.put(ctx, types.MetricRunSkipped, 1, cwtypes.StandardUnitCount, types.DimJob, job)
}

func (m *CloudWatchRecorder) RunFinished(ctx context.Context, job, result string, elapsed time.Duration) {
	name := types.MetricRunCompleted
	if result != ResultSuccess {
		name = types.MetricRunFailed
	}
	m.put(ctx, name, float64(elapsed.Milliseconds()), cwtypes.StandardUnitMilliseconds, types.DimJob, job)
}

func (m *CloudWatchRecorder) CommandsPublished(ctx context.Context, n int) {
	m.put(ctx, types.MetricCommandsPublished, float64(n), cwtypes.StandardUnitCount)
}

func (m *CloudWatchRecorder) BatchProcessed(ctx context.Context, result string, size int) {
	m.put(ctx, types.MetricBatchProcessed, float64(size), cwtypes.StandardUnitCount, types.DimResult, result)
}

func (m *CloudWatchRecorder) EmailsEmitted(ctx context.Context, n int) {
	m.put(ctx, types.MetricEmailsEmitted, float64(n), cwtypes.StandardUnitCount)
}

func (m *CloudWatchRecorder) UsersWithoutReport(ctx context.Context, n int) {
	m.put(ctx, types.MetricUsersWithoutReport, float64(n), cwtypes.StandardUnitCount)
}

func (m *CloudWatchRecorder) BatchDeadLettered(ctx context.Context, reason string, size int) {
	m.put(ctx, types.MetricBatchDeadLettered, float64(size), cwtypes.StandardUnitCount, types.DimReason, reason)
}

func (m *CloudWatchRecorder) BackendAttempt(ctx context.Context, endpoint, result string) {
	m.put(ctx, types.MetricBackendAttempt, 1, cwtypes.StandardUnitCount,
		types.DimEndpoint, endpoint, types.DimResult, result)
}
