package types

// Metric names shared by the CloudWatch and Prometheus recorders.
const (
	MetricRunStarted         = "ReportRunStarted"
	MetricRunSkipped         = "ReportRunSkipped"
	MetricRunFailed          = "ReportRunFailed"
	MetricRunCompleted       = "ReportRunCompleted"
	MetricCommandsPublished  = "UserCommandsPublished"
	MetricBatchProcessed     = "ReportBatchProcessed"
	MetricEmailsEmitted      = "EmailCommandsEmitted"
	MetricUsersWithoutReport = "UsersWithoutReport"
	MetricBatchDeadLettered  = "ReportBatchDeadLettered"
	MetricBackendAttempt     = "BackendAttempt"

	// Dimension Keys
	DimJob      = "Job"
	DimEndpoint = "Endpoint"
	DimResult   = "Result"
	DimReason   = "Reason"

	// MetricNamespace is the default CloudWatch namespace.
	MetricNamespace = "TaskReports"
)
