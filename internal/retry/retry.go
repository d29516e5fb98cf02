// Package retry runs operations under a bounded exponential backoff policy.
// A policy of N attempts performs at most N calls; the delay before attempt
// k+1 is min(InitialInterval * Multiplier^(k-1), MaxInterval), without jitter.
// An error carrying a server-requested delay (see Delayer) stretches the next
// wait up to that delay, still capped at MaxInterval.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskreports/internal/config"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// FromConfig converts a RetryConfig section.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		Multiplier:      c.Multiplier,
		MaxInterval:     c.MaxInterval,
	}
}

// Validate reports a policy that cannot be executed.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry: initial interval must be positive, got %s", p.InitialInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", p.Multiplier)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("retry: max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval)
	}
	return nil
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Delayer is implemented by errors that carry a wait requested by the remote
// side, such as an HTTP Retry-After.
type Delayer interface {
	RetryAfter() time.Duration
}

// DelayOf returns the requested wait carried by err, or 0.
func DelayOf(err error) time.Duration {
	var d Delayer
	if errors.As(err, &d) {
		return d.RetryAfter()
	}
	return 0
}

// hintedBackOff lengthens the next exponential delay to the hint set by the
// last failed attempt.
type hintedBackOff struct {
	backoff.BackOff
	max  time.Duration
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop {
		return next
	}
	if hint > next {
		next = min(hint, b.max)
	}
	return next
}

// Permanent marks err as not worth retrying. Do stops at the first permanent
// error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Failure is returned by Do when the operation did not succeed.
type Failure struct {
	Attempts  int
	Permanent bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Permanent {
		return fmt.Sprintf("permanent failure after %d attempt(s): %v", f.Attempts, f.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AttemptsOf returns the number of attempts recorded in err, or 0.
func AttemptsOf(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.Attempts
	}
	return 0
}

// IsPermanent reports whether err is a Failure that stopped on a permanent
// error rather than by exhausting its attempts.
func IsPermanent(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Permanent
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

type doOptions struct {
	timer     backoff.Timer
	logger    *slog.Logger
	operation string
	notify    func(err error, attempt int, next time.Duration)
}

// Option customizes a single Do call.
type Option func(*doOptions)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(o *doOptions) { o.timer = t }
}

// WithLogger logs every scheduled retry at WARN, tagged with operation.
func WithLogger(logger *slog.Logger, operation string) Option {
	return func(o *doOptions) {
		o.logger = logger
		o.operation = operation
	}
}

// WithNotify is called before each backoff wait.
func WithNotify(fn func(err error, attempt int, next time.Duration)) Option {
	return func(o *doOptions) { o.notify = fn }
}

// Do calls op until it succeeds, returns a permanent error, or the policy is
// exhausted. Cancelling ctx aborts the wait between attempts.
//
// Failures come back as *Failure, except under a single-attempt policy, which
// returns the operation's error as is.
func (p Policy) Do(ctx context.Context, op Operation, opts ...Option) error {
	var o doOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := ctx.Err(); err != nil {
		if p.MaxAttempts == 1 {
			return err
		}
		return &Failure{Permanent: true, Err: err}
	}

	b := &hintedBackOff{BackOff: p.newBackOff(), max: p.MaxInterval}

	attempts := 0
	permanent := false
	var lastErr error

	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		lastErr = err
		b.hint = DelayOf(err)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) || errors.Is(err, context.Canceled) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if o.logger != nil {
			o.logger.WarnContext(ctx, "retrying after failure",
				"operation", o.operation,
				"attempt", attempts,
				"max_attempts", p.MaxAttempts,
				"next_delay", next,
				"error", err,
			)
		}
		if o.notify != nil {
			o.notify(err, attempts, next)
		}
	}, o.timer)

	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		lastErr = perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
	}
	if p.MaxAttempts == 1 {
		return lastErr
	}
	return &Failure{Attempts: attempts, Permanent: permanent, Err: lastErr}
}
