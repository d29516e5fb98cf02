package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"taskreports/internal/logging"
)

// scheduleParser accepts five fields, six with leading seconds, and
// descriptors such as @daily or @every 1h.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return s, nil
}

// Job is what the cron runner fires on each tick.
type Job interface {
	Run(ctx context.Context, now time.Time) (RunResult, error)
}

// CronRunner fires a Job on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type CronRunner struct {
	cron   *cron.Cron
	job    Job
	spec   string
	logger *slog.Logger
}

// NewCronRunner creates a runner for spec evaluated in loc.
func NewCronRunner(spec string, loc *time.Location, job Job, logger *slog.Logger) (*CronRunner, error) {
	logger = logging.OrDefault(logger)
	if loc == nil {
		loc = time.UTC
	}
	if _, err := ParseSchedule(spec); err != nil {
		return nil, err
	}
	cl := cronLogger{logger: logger.With("component", "cron")}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &CronRunner{cron: c, job: job, spec: spec, logger: logger}, nil
}

// Run schedules the job and blocks until ctx is cancelled, then waits for an
// in-flight run to finish.
func (r *CronRunner) Run(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.spec, func() { r.fire(ctx) }); err != nil {
		return fmt.Errorf("scheduling %q: %w", r.spec, err)
	}
	r.cron.Start()
	r.logger.InfoContext(ctx, "cron runner started",
		"schedule", r.spec,
		"next_run", r.NextRun(),
	)

	<-ctx.Done()
	r.logger.InfoContext(ctx, "cron runner stopping")
	<-r.cron.Stop().Done()
	return nil
}

// NextRun returns the next scheduled tick, or the zero time before Run.
func (r *CronRunner) NextRun() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (r *CronRunner) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.job.Run(ctx, time.Now()); err != nil {
		// The trigger already logged the details; the next tick retries from the start.
		r.logger.WarnContext(ctx, "scheduled run ended with error", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
