// Package scheduler runs the periodic report trigger: under the distributed
// run lock it walks the user id listing and publishes one command per user.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskreports/internal/lock"
	"taskreports/internal/logging"
	"taskreports/internal/metrics"
	"taskreports/internal/pagination"
	"taskreports/internal/types"
)

// RunHistory records runs for operators. Runs are never resumed from it.
type RunHistory interface {
	Start(ctx context.Context, run types.ReportRun) error
	Finish(ctx context.Context, jobRunID string, finishedAt time.Time, stats types.RunStats, runErr error) error
}

// NopHistory discards run records. Used when no database is configured.
type NopHistory struct{}

func (NopHistory) Start(context.Context, types.ReportRun) error { return nil }
func (NopHistory) Finish(context.Context, string, time.Time, types.RunStats, error) error {
	return nil
}

// RunResult describes one trigger invocation.
type RunResult struct {
	Skipped    bool
	JobRunID   string
	ReportDate string
	Pages      int
	Published  int
}

// ReportTriggerConfig holds the dependencies of a ReportTrigger.
type ReportTriggerConfig struct {
	Locks    *lock.Provider
	Lock     lock.Config
	Source   pagination.UserIDSource
	Producer *Producer
	History  RunHistory

	PageSize        int
	Location        *time.Location
	ReportDayOffset int

	// RunTimeout bounds the page walk. Zero means Lock.AtMostFor.
	RunTimeout time.Duration

	Metrics metrics.Recorder
	Logger  *slog.Logger

	// NewRunID defaults to uuid.NewString.
	NewRunID func() string
}

// ReportTrigger is the entry point of a scheduled run.
type ReportTrigger struct {
	cfg     ReportTriggerConfig
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewReportTrigger validates cfg and creates a trigger.
func NewReportTrigger(cfg ReportTriggerConfig) (*ReportTrigger, error) {
	if cfg.Locks == nil || cfg.Source == nil || cfg.Producer == nil {
		return nil, errors.New("scheduler: lock provider, user id source and producer are required")
	}
	if err := cfg.Lock.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("scheduler: page size must be positive, got %d", cfg.PageSize)
	}
	if cfg.History == nil {
		cfg.History = NopHistory{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RunTimeout <= 0 || cfg.RunTimeout > cfg.Lock.AtMostFor {
		cfg.RunTimeout = cfg.Lock.AtMostFor
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	return &ReportTrigger{cfg: cfg, metrics: metrics.OrNop(cfg.Metrics), logger: logging.OrDefault(cfg.Logger)}, nil
}

// Run executes one scheduled run at now. A held lock is a normal outcome and
// yields RunResult{Skipped: true} with a nil error.
func (t *ReportTrigger) Run(ctx context.Context, now time.Time) (RunResult, error) {
	job := t.cfg.Lock.Name

	l, err := t.cfg.Locks.TryAcquire(ctx, t.cfg.Lock)
	if err != nil {
		t.metrics.RunFinished(ctx, job, metrics.ResultFailed, 0)
		return RunResult{}, fmt.Errorf("report run: %w", err)
	}
	if l == nil {
		t.metrics.RunSkipped(ctx, job)
		t.logger.InfoContext(ctx, "report run skipped, lock held elsewhere",
			"job", job,
		)
		return RunResult{Skipped: true}, nil
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			t.logger.ErrorContext(ctx, "failed to release run lock",
				"job", job,
				"error", relErr,
			)
		}
	}()

	res := RunResult{
		JobRunID:   t.cfg.NewRunID(),
		ReportDate: types.ReportDateFor(now, t.cfg.Location, t.cfg.ReportDayOffset),
	}
	ctx = types.WithJobRunID(ctx, res.JobRunID)
	if types.GetCorrelationID(ctx) == "" {
		ctx = types.WithCorrelationID(ctx, res.JobRunID)
	}
	logger := t.logger.With("job", job, "job_run_id", res.JobRunID, "report_date", res.ReportDate)

	start := time.Now()
	t.metrics.RunStarted(ctx, job)
	logger.InfoContext(ctx, "report run started", "locked_by", l.Owner())

	if err := t.cfg.History.Start(ctx, types.ReportRun{
		JobRunID:   res.JobRunID,
		JobName:    job,
		ReportDate: res.ReportDate,
		LockedBy:   l.Owner(),
		StartedAt:  now,
	}); err != nil {
		logger.WarnContext(ctx, "failed to record run start", "error", err)
	}

	runErr := t.publishAll(ctx, &res)

	finishCtx := context.WithoutCancel(ctx)
	stats := types.RunStats{PagesFetched: res.Pages, UsersPublished: res.Published}
	if err := t.cfg.History.Finish(finishCtx, res.JobRunID, time.Now(), stats, runErr); err != nil {
		logger.WarnContext(ctx, "failed to record run finish", "error", err)
	}

	elapsed := time.Since(start)
	if runErr != nil {
		t.metrics.RunFinished(ctx, job, metrics.ResultFailed, elapsed)
		logger.ErrorContext(ctx, "report run failed",
			"pages", res.Pages,
			"users_published", res.Published,
			"duration_ms", elapsed.Milliseconds(),
			"error", runErr,
		)
		return res, runErr
	}

	t.metrics.RunFinished(ctx, job, metrics.ResultSuccess, elapsed)
	logger.InfoContext(ctx, "report run completed",
		"pages", res.Pages,
		"users_published", res.Published,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

// publishAll walks every page and publishes it. The first fetch or publish
// error stops the walk.
func (t *ReportTrigger) publishAll(ctx context.Context, res *RunResult) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RunTimeout)
	defer cancel()

	pager := pagination.NewPager(t.cfg.Source, t.cfg.PageSize)
	for {
		ids, err := pager.Next(ctx)
		if errors.Is(err, pagination.ErrPagerDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		res.Pages = pager.Pages()

		if err := t.cfg.Producer.PublishPage(ctx, res.JobRunID, res.ReportDate, ids); err != nil {
			return fmt.Errorf("publishing page %d: %w", res.Pages, err)
		}
		res.Published += len(ids)
	}
}
