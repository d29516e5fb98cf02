package types

import "context"

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	jobRunIDKey      contextKey = "job_run_id"
)

// WithCorrelationID stores the cross-system correlation (trace) identifier in
// the context. Outbound backend calls forward it as X-Correlation-Id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID retrieves the correlation identifier from the context.
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithJobRunID stores the identifier of the scheduled run being executed.
func WithJobRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobRunIDKey, id)
}

// GetJobRunID retrieves the scheduled run identifier from the context.
func GetJobRunID(ctx context.Context) string {
	id, _ := ctx.Value(jobRunIDKey).(string)
	return id
}
