// Package lock is a ShedLock-style distributed run lock. A named lock is held
// until lockUntil; acquiring it succeeds only when no live holder exists.
//
// A holder that crashes keeps the lock until AtMostFor elapses. On release the
// lock stays held until at least lockedAt + AtLeastFor, so a fast run cannot be
// repeated by another instance whose clock fires slightly later.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists lock rows. Implementations must make Acquire atomic across
// processes.
type Store interface {
	// Acquire records owner as the holder of name until the given instant,
	// provided the lock is free at now (absent, or its lockUntil <= now).
	// It reports whether the lock was taken.
	Acquire(ctx context.Context, name, owner string, now, until time.Time) (bool, error)

	// Release moves lockUntil of name to until, but only while owner still
	// holds it. Releasing a lock held by someone else is a no-op. now is the
	// provider's clock at release; until == now frees the lock at once.
	Release(ctx context.Context, name, owner string, now, until time.Time) error
}

// Config names a lock and bounds how long it may be held.
type Config struct {
	Name       string
	AtMostFor  time.Duration
	AtLeastFor time.Duration
}

// Validate checks 0 <= AtLeastFor <= AtMostFor and AtMostFor > 0.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("lock: name is required")
	case c.AtMostFor <= 0:
		return fmt.Errorf("lock %q: atMostFor must be positive, got %s", c.Name, c.AtMostFor)
	case c.AtLeastFor < 0:
		return fmt.Errorf("lock %q: atLeastFor must not be negative, got %s", c.Name, c.AtLeastFor)
	case c.AtLeastFor > c.AtMostFor:
		return fmt.Errorf("lock %q: atLeastFor %s exceeds atMostFor %s", c.Name, c.AtLeastFor, c.AtMostFor)
	}
	return nil
}

// Provider hands out locks backed by a Store.
type Provider struct {
	store          Store
	now            func() time.Time
	acquireTimeout time.Duration
	instance       string
	logger         *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithAcquireTimeout bounds each store call. Zero disables the bound.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Provider) { p.acquireTimeout = d }
}

// WithInstance sets the instance label that prefixes owner tokens. Defaults to
// the hostname.
func WithInstance(name string) Option {
	return func(p *Provider) { p.instance = name }
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProvider creates a provider over store.
func NewProvider(store Store, opts ...Option) *Provider {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	p := &Provider{
		store:          store,
		now:            time.Now,
		acquireTimeout: 5 * time.Second,
		instance:       host,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.acquireTimeout)
}

// TryAcquire takes the lock if it is free. It returns (nil, nil) when another
// owner holds it; that is the normal outcome on all but one instance.
func (p *Provider) TryAcquire(ctx context.Context, cfg Config) (*Lock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	until := now.Add(cfg.AtMostFor)
	owner := p.instance + ":" + uuid.NewString()

	sctx, cancel := p.storeContext(ctx)
	defer cancel()

	acquired, err := p.store.Acquire(sctx, cfg.Name, owner, now, until)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", cfg.Name, err)
	}
	if !acquired {
		p.logger.InfoContext(ctx, "lock held by another instance",
			"lock_name", cfg.Name,
		)
		return nil, nil
	}

	p.logger.DebugContext(ctx, "lock acquired",
		"lock_name", cfg.Name,
		"locked_by", owner,
		"lock_until", until,
	)
	return &Lock{
		provider:   p,
		name:       cfg.Name,
		owner:      owner,
		lockedAt:   now,
		until:      until,
		atLeastFor: cfg.AtLeastFor,
	}, nil
}

// WithLock runs fn while holding the lock and always releases it afterwards.
// It reports false without calling fn when the lock is held elsewhere.
func (p *Provider) WithLock(ctx context.Context, cfg Config, fn func(ctx context.Context) error) (bool, error) {
	l, err := p.TryAcquire(ctx, cfg)
	if err != nil || l == nil {
		return false, err
	}

	fnErr := fn(ctx)

	// Release even when ctx is already cancelled.
	relErr := l.Release(context.WithoutCancel(ctx))
	if relErr != nil {
		p.logger.ErrorContext(ctx, "failed to release lock",
			"lock_name", cfg.Name,
			"error", relErr,
		)
	}
	return true, errors.Join(fnErr, relErr)
}

// Lock is a held lock.
type Lock struct {
	provider   *Provider
	name       string
	owner      string
	lockedAt   time.Time
	until      time.Time
	atLeastFor time.Duration

	mu       sync.Mutex
	released bool
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Owner returns the unique token recorded as locked_by.
func (l *Lock) Owner() string { return l.owner }

// LockedAt returns the acquisition instant.
func (l *Lock) LockedAt() time.Time { return l.lockedAt }

// Until returns the lockUntil set at acquisition.
func (l *Lock) Until() time.Time { return l.until }

// Release sets lockUntil to max(now, lockedAt + atLeastFor). Calling it again,
// after expiry, or after another owner took over is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	now := l.provider.now().UTC()
	until := l.lockedAt.Add(l.atLeastFor)
	if until.Before(now) {
		until = now
	}

	sctx, cancel := l.provider.storeContext(ctx)
	defer cancel()

	if err := l.provider.store.Release(sctx, l.name, l.owner, now, until); err != nil {
		return fmt.Errorf("releasing lock %q: %w", l.name, err)
	}
	l.released = true
	l.provider.logger.DebugContext(ctx, "lock released",
		"lock_name", l.name,
		"lock_until", until,
	)
	return nil
}
