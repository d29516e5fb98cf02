package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taskreports/internal/types"
)

var (
	lockNow   = time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)
	lockUntil = lockNow.Add(50 * time.Minute)
)

func TestShedLockRepository_Acquire_NewRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"),
		[]any{"dailyTaskReportJob", lockUntil, lockNow, "host-a:1"}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(ctx, "dailyTaskReportJob", "host-a:1", lockNow, lockUntil)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestShedLockRepository_Acquire_HeldElsewhere(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	// Row exists and lock_until is in the future -> ON CONFLICT WHERE filters it out.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	acquired, err := repo.Acquire(ctx, "dailyTaskReportJob", "host-b:2", lockNow, lockUntil)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestShedLockRepository_Acquire_TakeoverUsesInclusiveComparison(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "ON CONFLICT (name) DO UPDATE") &&
			assert.Contains(t, sql, "WHERE shedlock.lock_until <= $3")
	}), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(ctx, "dailyTaskReportJob", "host-b:2", lockNow, lockUntil)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestShedLockRepository_Acquire_NormalizesToUTC(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()
	zone := time.FixedZone("UTC+2", 2*60*60)

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		until, ok1 := args[1].(time.Time)
		now, ok2 := args[2].(time.Time)
		return ok1 && ok2 && until.Location() == time.UTC && now.Location() == time.UTC
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Acquire(ctx, "job", "o", lockNow.In(zone), lockUntil.In(zone))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestShedLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	acquired, err := repo.Acquire(ctx, "job", "o", lockNow, lockUntil)
	require.Error(t, err)
	assert.False(t, acquired)
	assert.Equal(t, types.ErrCodeInternalLockStore, types.CodeOf(err))
}

func TestShedLockRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()
	until := lockNow.Add(5 * time.Minute)

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "WHERE name = $1 AND locked_by = $2")
	}), []any{"job", "host-a:1", until}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Release(ctx, "job", "host-a:1", lockNow, until))
	db.AssertExpectations(t)
}

func TestShedLockRepository_Release_TakenOverIsNoop(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	assert.NoError(t, repo.Release(ctx, "job", "stale-owner", lockNow, lockNow))
}

func TestShedLockRepository_Release_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewShedLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	err := repo.Release(ctx, "job", "o", lockNow, lockNow)
	assert.Equal(t, types.ErrCodeInternalLockStore, types.CodeOf(err))
}

func TestShedLockRepository_HeldBy(t *testing.T) {
	ctx := context.Background()

	t.Run("held", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"job"}).
			Return(&mockRow{scanFn: func(dest ...any) error {
				*dest[0].(*string) = "host-a:1"
				*dest[1].(*time.Time) = lockUntil
				return nil
			}})

		owner, until, ok, err := NewShedLockRepository(db).HeldBy(ctx, "job")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "host-a:1", owner)
		assert.Equal(t, lockUntil, until)
	})

	t.Run("absent", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})

		_, _, ok, err := NewShedLockRepository(db).HeldBy(ctx, "job")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestShedLockRepository_Ping(t *testing.T) {
	ctx := context.Background()
	db := new(mockDBTX)
	db.On("QueryRow", ctx, "SELECT 1", mock.Anything).
		Return(&mockRow{scanErr: errors.New("down")})

	err := NewShedLockRepository(db).Ping(ctx)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()
	db := new(mockDBTX)
	db.On("Exec", ctx, Schema, mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil)
	require.NoError(t, EnsureSchema(ctx, db))

	failing := new(mockDBTX)
	failing.On("Exec", ctx, Schema, mock.Anything).Return(pgconn.CommandTag{}, errors.New("permission denied"))
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(EnsureSchema(ctx, failing)))
}
