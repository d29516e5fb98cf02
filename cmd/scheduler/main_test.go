package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskreports/internal/config"
	"taskreports/internal/lock"
	"taskreports/internal/scheduler"
)

func TestOpenLockBackend_Memory(t *testing.T) {
	cfg := &config.Config{Lock: config.LockConfig{Backend: "memory"}}

	b, err := openLockBackend(context.Background(), cfg, false, slog.Default())
	require.NoError(t, err)
	defer b.close()

	assert.IsType(t, &lock.MemoryStore{}, b.store)
	assert.Equal(t, scheduler.NopHistory{}, b.history)
	assert.NoError(t, b.ping(context.Background()))
}

func TestOpenLockBackend_Redis(t *testing.T) {
	cfg := &config.Config{
		Lock:  config.LockConfig{Backend: "redis"},
		Redis: config.RedisConfig{Addr: "127.0.0.1:0", KeyPrefix: "shedlock:"},
	}

	b, err := openLockBackend(context.Background(), cfg, false, slog.Default())
	require.NoError(t, err)
	defer b.close()
	assert.IsType(t, &lock.RedisStore{}, b.store)
}

func TestOpenLockBackend_Unknown(t *testing.T) {
	cfg := &config.Config{Lock: config.LockConfig{Backend: "zookeeper"}}
	_, err := openLockBackend(context.Background(), cfg, false, slog.Default())
	assert.Error(t, err)
}

func TestInspect_NeedsPostgres(t *testing.T) {
	cfg := &config.Config{Lock: config.LockConfig{Backend: "memory", Name: "dailyTaskReportJob"}}
	b, err := openLockBackend(context.Background(), cfg, false, slog.Default())
	require.NoError(t, err)

	err = inspect(context.Background(), cfg, options{lockStatus: true}, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_BACKEND=postgres")
}
