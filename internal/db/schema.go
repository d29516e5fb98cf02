package db

import (
	"context"

	"taskreports/internal/types"
)

// Schema creates the tables owned by the pipeline. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS shedlock (
    name       VARCHAR(64)  NOT NULL PRIMARY KEY,
    lock_until TIMESTAMPTZ  NOT NULL,
    locked_at  TIMESTAMPTZ  NOT NULL,
    locked_by  VARCHAR(255) NOT NULL
);

CREATE TABLE IF NOT EXISTS report_runs (
    job_run_id      UUID        PRIMARY KEY,
    job_name        TEXT        NOT NULL,
    report_date     DATE        NOT NULL,
    locked_by       TEXT        NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ,
    status          TEXT        NOT NULL DEFAULT 'running',
    pages_fetched   INTEGER     NOT NULL DEFAULT 0,
    users_published INTEGER     NOT NULL DEFAULT 0,
    error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_report_runs_started_at ON report_runs (started_at DESC);
`

// EnsureSchema applies Schema. Used by local setups and the scheduler's
// --migrate flag; production schemas are managed out of band.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply schema", err)
	}
	return nil
}
