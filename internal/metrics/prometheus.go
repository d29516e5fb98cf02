package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exposes the pipeline counters for scraping.
type PrometheusRecorder struct {
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	commandsPublished  prometheus.Counter
	batchRecords       *prometheus.CounterVec
	emailsEmitted      prometheus.Counter
	usersWithoutReport prometheus.Counter
	deadLettered       *prometheus.CounterVec
	backendAttempts    *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskreports_runs_total",
			Help: "Scheduled runs by outcome (started, skipped, success, failed)",
		}, []string{"job", "outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskreports_run_duration_seconds",
			Help:    "Duration of scheduled runs that held the lock",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"job", "outcome"}),
		commandsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "taskreports_user_commands_published_total",
			Help: "User processing commands published",
		}),
		batchRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskreports_batch_records_total",
			Help: "Consumed records by batch outcome",
		}, []string{"result"}),
		emailsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "taskreports_email_commands_emitted_total",
			Help: "Email trigger commands emitted",
		}),
		usersWithoutReport: f.NewCounter(prometheus.CounterOpts{
			Name: "taskreports_users_without_report_total",
			Help: "Users in a batch for which the backend returned no report",
		}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskreports_dead_lettered_records_total",
			Help: "Records routed to the dead-letter topic",
		}, []string{"reason"}),
		backendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskreports_backend_attempts_total",
			Help: "Backend HTTP attempts by endpoint and result",
		}, []string{"endpoint", "result"}),
	}
}

func (p *PrometheusRecorder) RunStarted(_ context.Context, job string) {
	p.runsTotal.WithLabelValues(job, "started").Inc()
}

func (p *PrometheusRecorder) RunSkipped(_ context.Context, job string) {
	p.runsTotal.WithLabelValues(job, "skipped").Inc()
}

func (p *PrometheusRecorder) RunFinished(_ context.Context, job, result string, elapsed time.Duration) {
	p.runsTotal.WithLabelValues(job, result).Inc()
	p.runDuration.WithLabelValues(job, result).Observe(elapsed.Seconds())
}

func (p *PrometheusRecorder) CommandsPublished(_ context.Context, n int) {
	p.commandsPublished.Add(float64(n))
}

func (p *PrometheusRecorder) BatchProcessed(_ context.Context, result string, size int) {
	p.batchRecords.WithLabelValues(result).Add(float64(size))
}

func (p *PrometheusRecorder) EmailsEmitted(_ context.Context, n int) {
	p.emailsEmitted.Add(float64(n))
}

func (p *PrometheusRecorder) UsersWithoutReport(_ context.Context, n int) {
	p.usersWithoutReport.Add(float64(n))
}

func (p *PrometheusRecorder) BatchDeadLettered(_ context.Context, reason string, size int) {
	p.deadLettered.WithLabelValues(reason).Add(float64(size))
}

func (p *PrometheusRecorder) BackendAttempt(_ context.Context, endpoint, result string) {
	p.backendAttempts.WithLabelValues(endpoint, result).Inc()
}
