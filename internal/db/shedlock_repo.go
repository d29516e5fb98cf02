package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"taskreports/internal/types"
)

// ShedLockRepository stores distributed run locks in the shedlock table. It
// satisfies lock.Store.
type ShedLockRepository struct {
	db DBTX
}

// NewShedLockRepository creates a ShedLockRepository backed by the given
// database connection (pool or transaction).
func NewShedLockRepository(db DBTX) *ShedLockRepository {
	return &ShedLockRepository{db: db}
}

// Acquire inserts the lock row, or takes over an existing one whose
// lock_until is not after now. Timestamps are computed by the caller so every
// instance compares against the same clock source it used for lockUntil.
//
// RowsAffected is 1 on insert or takeover, 0 when a live holder exists.
func (r *ShedLockRepository) Acquire(ctx context.Context, name, owner string, now, until time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO shedlock (name, lock_until, locked_at, locked_by)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		   SET lock_until = EXCLUDED.lock_until,
		       locked_at = EXCLUDED.locked_at,
		       locked_by = EXCLUDED.locked_by
		   WHERE shedlock.lock_until <= $3`,
		name,
		until.UTC(),
		now.UTC(),
		owner,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalLockStore, "failed to acquire shedlock row", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release moves lock_until to until when owner still holds the row. Zero rows
// affected means the lock expired and was taken over; that is not an error.
func (r *ShedLockRepository) Release(ctx context.Context, name, owner string, _, until time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE shedlock SET lock_until = $3
		 WHERE name = $1 AND locked_by = $2`,
		name,
		owner,
		until.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalLockStore, "failed to release shedlock row", err)
	}
	return nil
}

// HeldBy returns the current holder and lock_until of name. ok is false when
// no row exists.
func (r *ShedLockRepository) HeldBy(ctx context.Context, name string) (owner string, until time.Time, ok bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT locked_by, lock_until FROM shedlock WHERE name = $1`,
		name,
	).Scan(&owner, &until)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, types.NewAppError(types.ErrCodeInternalLockStore, "failed to read shedlock row", err)
	}
	return owner, until, true, nil
}

// Ping runs a trivial query for health probes.
func (r *ShedLockRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return nil
}
