package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker/v2"

	"taskreports/internal/types"
)

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// transport performs single HTTP attempts against the backend through a
// circuit breaker and maps failures to AppErrors. Retrying is the caller's
// decision.
type transport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	headers http.Header
}

func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: connectTimeout + readTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: readTimeout,
			TLSHandshakeTimeout:   connectTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func newBreaker(name string, threshold uint32) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// roundTrip sends req and returns the decoded body of a 2xx response.
func (t *transport) roundTrip(req *http.Request) ([]byte, error) {
	for k, v := range t.headers {
		req.Header[k] = v
	}
	if id := types.GetCorrelationID(req.Context()); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		r, doErr := t.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("backend returned %d", r.StatusCode)
		}
		return r, nil
	})
	if resp != nil {
		defer resp.Body.Close()
	}

	if err != nil {
		return nil, mapError(req.Context(), resp, err)
	}

	body, readErr := readBody(resp)
	if readErr != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read backend response", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("backend rejected request with %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode, "body": snippet(body)},
		)
	}
	return body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func snippet(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}

func mapError(ctx context.Context, resp *http.Response, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamCircuitOpen, "backend circuit breaker is open", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}

	if resp != nil {
		body, _ := readBody(resp)
		details := map[string]any{"status": resp.StatusCode, "body": snippet(body)}
		var appErr *types.AppError
		if resp.StatusCode == http.StatusTooManyRequests {
			appErr = types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited, "backend rate limit exceeded", err, details)
		} else {
			appErr = types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("backend returned %d", resp.StatusCode), err, details)
		}
		if wait := retryAfter(resp.Header.Get("Retry-After"), time.Now()); wait > 0 {
			details["retry_after"] = wait.String()
			return &delayedError{err: appErr, wait: wait}
		}
		return appErr
	}

	// Connect failures, read timeouts and resets.
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "backend request failed", err)
}

// delayedError carries the wait the backend asked for. retry.Policy honours
// it through retry.Delayer.
type delayedError struct {
	err  error
	wait time.Duration
}

func (e *delayedError) Error() string             { return e.err.Error() }
func (e *delayedError) Unwrap() error             { return e.err }
func (e *delayedError) RetryAfter() time.Duration { return e.wait }

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
