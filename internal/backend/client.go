// Package backend is the client of the internal backend API used by the
// pipeline: the keyset-paginated user id listing and the batch task report
// endpoint. Every call carries the service credentials and instance identity,
// goes through a circuit breaker, and is retried under the configured policy.
// An open breaker ends the retry loop at once with upstream_circuit_open, so
// the backend never sees more requests than attempts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskreports/internal/config"
	"taskreports/internal/metrics"
	"taskreports/internal/retry"
	"taskreports/internal/types"
)

// Endpoint paths, relative to the base URL.
const (
	UserIDsPath     = "/internal/scheduler-support/user-ids"
	UserReportsPath = "/internal/tasks/user-reports"
)

// metric endpoint labels
const (
	endpointUserIDs     = "user-ids"
	endpointUserReports = "user-reports"
)

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	instanceID string
	transport  *transport
	policy     retry.Policy
	retryOpts  []retry.Option
	metrics    metrics.Recorder
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy retries every call under p. Without it each call is a single
// attempt, which suits callers that retry a larger unit of work themselves.
func WithRetryPolicy(p retry.Policy, opts ...retry.Option) Option {
	return func(c *Client) {
		c.policy = p
		c.retryOpts = opts
	}
}

// WithHTTPClient replaces the timeout-configured HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.transport.client = hc }
}

// WithMetrics records one BackendAttempt per HTTP attempt.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) { c.metrics = metrics.OrNop(m) }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithInstanceID overrides the generated X-Service-Instance-Id.
func WithInstanceID(id string) Option {
	return func(c *Client) { c.instanceID = id }
}

// NewClient builds a client from the backend configuration section.
func NewClient(cfg config.BackendConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidConfig,
			fmt.Sprintf("invalid backend base URL %q", cfg.BaseURL), err)
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		instanceID: uuid.NewString(),
		transport: &transport{
			client:  newHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout),
			breaker: newBreaker("backend", threshold),
		},
		policy:  retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond},
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "taskreports/1.0"
	}
	c.transport.headers = http.Header{
		"X-Api-Key":             {cfg.APIKey.Unmask()},
		"X-Service-Instance-Id": {c.instanceID},
		"User-Agent":            {userAgent},
	}
	return c, nil
}

// InstanceID returns the identity sent as X-Service-Instance-Id.
func (c *Client) InstanceID() string { return c.instanceID }

// FetchUserIDs returns one page of active user ids after cursor. An empty
// cursor requests the first page.
func (c *Client) FetchUserIDs(ctx context.Context, cursor string, limit int) (*types.PaginatedUserIDsResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	target := c.baseURL + UserIDsPath + "?" + q.Encode()

	var out types.PaginatedUserIDsResponse
	err := c.call(ctx, endpointUserIDs, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetching user ids page: %w", err)
	}
	if out.Data == nil {
		out.Data = []int64{}
	}
	return &out, nil
}

// FetchTaskReports returns the reports of userIDs for [from, to). Users
// without a report are absent from the result.
func (c *Client) FetchTaskReports(ctx context.Context, userIDs []int64, from, to time.Time) ([]types.UserTaskReport, error) {
	payload, err := json.Marshal(types.TaskReportsRequest{
		UserIDs: userIDs,
		From:    from.UTC(),
		To:      to.UTC(),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode report request", err)
	}
	target := c.baseURL + UserReportsPath

	var out []types.UserTaskReport
	err = c.call(ctx, endpointUserReports, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetching task reports for %d users: %w", len(userIDs), err)
	}
	return out, nil
}

// call runs one logical request under the retry policy. Non-retryable errors
// stop the policy immediately. Retry warnings carry the scheduled run id when
// ctx has one.
func (c *Client) call(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error), out any) error {
	logger := c.logger
	if id := types.GetJobRunID(ctx); id != "" {
		logger = logger.With("job_run_id", id)
	}
	opts := append([]retry.Option{retry.WithLogger(logger, "backend "+endpoint)}, c.retryOpts...)

	return c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		req, err := build(ctx)
		if err != nil {
			return retry.Permanent(types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build backend request", err))
		}

		body, err := c.transport.roundTrip(req)
		if err != nil {
			c.metrics.BackendAttempt(ctx, endpoint, metrics.ResultFailed)
			if !types.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		c.metrics.BackendAttempt(ctx, endpoint, metrics.ResultSuccess)

		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(types.NewAppErrorWithDetails(types.ErrCodeUpstreamMalformed,
				"backend returned an undecodable body", err, map[string]any{"body": snippet(body)}))
		}
		return nil
	}, opts...)
}
