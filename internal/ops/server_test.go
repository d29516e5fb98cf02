package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskreports/internal/config"
	"taskreports/internal/metrics"
)

type slowProbe struct{ delay time.Duration }

func (slowProbe) Name() string { return "slow" }

func (p slowProbe) Check(ctx context.Context) error {
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) healthResponse {
	t.Helper()
	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func ok(name string) HealthProbe {
	return ProbeFunc{ProbeName: name, Fn: func(context.Context) error { return nil }}
}

func TestHealth_NoProbes(t *testing.T) {
	rec := get(t, NewServer(":0", config.BuildInfo{}, nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeHealth(t, rec).Status)
}

func TestHealth_AllHealthy(t *testing.T) {
	s := NewServer(":0", config.BuildInfo{}, nil, WithProbes(ok("lock_store"), ok("broker")))

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["lock_store"].Status)
	assert.Equal(t, "healthy", resp.Components["broker"].Status)
}

func TestHealth_FailingProbe(t *testing.T) {
	failing := ProbeFunc{ProbeName: "lock_store", Fn: func(context.Context) error { return errors.New("connection refused") }}
	s := NewServer(":0", config.BuildInfo{}, nil, WithProbes(ok("broker"), failing))

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Components["lock_store"].Message)
	assert.Equal(t, "healthy", resp.Components["broker"].Status)
}

func TestHealth_PanickingProbe(t *testing.T) {
	boom := ProbeFunc{ProbeName: "broker", Fn: func(context.Context) error { panic("nil client") }}
	s := NewServer(":0", config.BuildInfo{}, nil, WithProbes(boom))

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeHealth(t, rec).Components["broker"].Message, "probe panicked")
}

func TestHealth_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health deadline")
	}
	s := NewServer(":0", config.BuildInfo{}, nil, WithProbes(slowProbe{delay: 10 * time.Second}))

	start := time.Now()
	rec := get(t, s, "/healthz")
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeHealth(t, rec).Components["slow"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	rec.CommandsPublished(context.Background(), 3)

	s := NewServer(":0", config.BuildInfo{}, nil, WithGatherer(reg))
	resp := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "taskreports_user_commands_published_total 3")
}

func TestMetricsEndpoint_NotMountedWithoutGatherer(t *testing.T) {
	s := NewServer(":0", config.BuildInfo{}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
}

func TestVersionEndpoint(t *testing.T) {
	s := NewServer(":0", config.BuildInfo{Version: "1.2.3", Commit: "abc"}, nil)
	rec := get(t, s, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Version":"1.2.3"`)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", config.BuildInfo{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
