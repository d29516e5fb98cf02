package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{"0 0 1 * * *", time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)},
		{"0 1 * * *", time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		{"*/30 * * * * *", from.Add(30 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(from))
		})
	}

	_, err := ParseSchedule("every day")
	assert.Error(t, err)
}

type countingJob struct {
	runs  atomic.Int32
	delay time.Duration
	err   error
}

func (j *countingJob) Run(ctx context.Context, _ time.Time) (RunResult, error) {
	j.runs.Add(1)
	select {
	case <-time.After(j.delay):
	case <-ctx.Done():
	}
	return RunResult{}, j.err
}

func TestCronRunner_FiresAndStops(t *testing.T) {
	job := &countingJob{err: errors.New("transient")}
	r, err := NewCronRunner("@every 1s", time.UTC, job, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestCronRunner_SkipsOverlappingTicks(t *testing.T) {
	job := &countingJob{delay: 2500 * time.Millisecond}
	r, err := NewCronRunner("@every 1s", time.UTC, job, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2200*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, int32(1), job.runs.Load(), "ticks during a running job are skipped")
}

func TestNewCronRunner_InvalidSpec(t *testing.T) {
	_, err := NewCronRunner("61 * * * *", time.UTC, &countingJob{}, nil)
	assert.Error(t, err)
}
