package db

import (
	"context"
	"time"

	"taskreports/internal/types"
)

// RunHistoryRepository records scheduled report runs in report_runs. Runs are
// not resumed from history; the table exists so operators can see incomplete
// runs.
type RunHistoryRepository struct {
	db DBTX
}

// NewRunHistoryRepository creates a RunHistoryRepository backed by the given
// database connection (pool or transaction).
func NewRunHistoryRepository(db DBTX) *RunHistoryRepository {
	return &RunHistoryRepository{db: db}
}

// Start inserts a row with status 'running'.
func (r *RunHistoryRepository) Start(ctx context.Context, run types.ReportRun) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO report_runs (job_run_id, job_name, report_date, locked_by, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.JobRunID,
		run.JobName,
		run.ReportDate,
		run.LockedBy,
		run.StartedAt.UTC(),
		types.RunStatusRunning,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to start run history entry", err)
	}
	return nil
}

// Finish stores the outcome of a run. If runErr is non-nil the status is
// 'failed' and its message is kept in the error column.
func (r *RunHistoryRepository) Finish(ctx context.Context, jobRunID string, finishedAt time.Time, stats types.RunStats, runErr error) error {
	status := types.RunStatusSuccess
	var errMsg *string
	if runErr != nil {
		status = types.RunStatusFailed
		s := runErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE report_runs
		 SET finished_at = $2, status = $3, pages_fetched = $4, users_published = $5, error = $6
		 WHERE job_run_id = $1`,
		jobRunID,
		finishedAt.UTC(),
		status,
		stats.PagesFetched,
		stats.UsersPublished,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish run history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "run history entry not found", nil)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (r *RunHistoryRepository) Recent(ctx context.Context, limit int) ([]types.ReportRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT job_run_id, job_name, to_char(report_date, 'YYYY-MM-DD'), locked_by, started_at,
		        finished_at, status, pages_fetched, users_published, COALESCE(error, '')
		 FROM report_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query run history", err)
	}
	defer rows.Close()

	runs := make([]types.ReportRun, 0)
	for rows.Next() {
		var run types.ReportRun
		var status string
		if err := rows.Scan(
			&run.JobRunID,
			&run.JobName,
			&run.ReportDate,
			&run.LockedBy,
			&run.StartedAt,
			&run.FinishedAt,
			&status,
			&run.PagesFetched,
			&run.UsersPublished,
			&run.Error,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run history row", err)
		}
		run.Status = types.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate run history", err)
	}
	return runs, nil
}
