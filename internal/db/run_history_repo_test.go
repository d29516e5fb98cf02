package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taskreports/internal/types"
)

func TestRunHistoryRepository_Start(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRunHistoryRepository(db)
	ctx := context.Background()
	started := time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, mock.AnythingOfType("string"),
		[]any{"run-1", "dailyTaskReportJob", "2024-05-01", "host-a:1", started, types.RunStatusRunning}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Start(ctx, types.ReportRun{
		JobRunID:   "run-1",
		JobName:    "dailyTaskReportJob",
		ReportDate: "2024-05-01",
		LockedBy:   "host-a:1",
		StartedAt:  started,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestRunHistoryRepository_Start_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRunHistoryRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("duplicate key"))

	err := repo.Start(context.Background(), types.ReportRun{JobRunID: "run-1"})
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestRunHistoryRepository_Finish(t *testing.T) {
	finished := time.Date(2024, 5, 2, 1, 7, 0, 0, time.UTC)
	stats := types.RunStats{PagesFetched: 3, UsersPublished: 1200}

	t.Run("success", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
			return args[0] == "run-1" &&
				args[2] == types.RunStatusSuccess &&
				args[3] == 3 && args[4] == 1200 &&
				args[5].(*string) == nil
		})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		require.NoError(t, NewRunHistoryRepository(db).Finish(context.Background(), "run-1", finished, stats, nil))
		db.AssertExpectations(t)
	})

	t.Run("failed keeps the message", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
			msg, _ := args[5].(*string)
			return args[2] == types.RunStatusFailed && msg != nil && *msg == "backend down"
		})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		err := NewRunHistoryRepository(db).Finish(context.Background(), "run-1", finished, stats, errors.New("backend down"))
		require.NoError(t, err)
		db.AssertExpectations(t)
	})

	t.Run("unknown run", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(pgconn.NewCommandTag("UPDATE 0"), nil)

		err := NewRunHistoryRepository(db).Finish(context.Background(), "missing", finished, stats, nil)
		assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(err))
	})
}

func TestRunHistoryRepository_Recent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRunHistoryRepository(db)
	ctx := context.Background()

	started := time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)
	finished := started.Add(7 * time.Minute)
	rows := newMockRows([][]any{
		{"run-2", "dailyTaskReportJob", "2024-05-01", "host-a:1", started, &finished, "success", 3, 1200, ""},
		{"run-1", "dailyTaskReportJob", "2024-04-30", "host-b:9", started.Add(-24 * time.Hour), (*time.Time)(nil), "running", 1, 500, ""},
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{10}).Return(rows, nil)

	runs, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].JobRunID)
	assert.Equal(t, types.RunStatusSuccess, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, finished, *runs[0].FinishedAt)
	assert.Equal(t, 1200, runs[0].UsersPublished)

	assert.Equal(t, types.RunStatusRunning, runs[1].Status)
	assert.Nil(t, runs[1].FinishedAt)
	assert.True(t, rows.closed)
}

func TestRunHistoryRepository_Recent_QueryError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("relation does not exist"))

	_, err := NewRunHistoryRepository(db).Recent(context.Background(), 5)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}
