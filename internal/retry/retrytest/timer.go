// Package retrytest provides a backoff timer for tests that records the
// requested delays and fires immediately.
package retrytest

import (
	"sync"
	"time"
)

// InstantTimer satisfies backoff.Timer. A single InstantTimer may be shared by
// sequential Do calls; concurrent calls need one timer each.
type InstantTimer struct {
	mu     sync.Mutex
	c      chan time.Time
	delays []time.Duration
}

// NewInstantTimer returns a ready timer.
func NewInstantTimer() *InstantTimer {
	return &InstantTimer{c: make(chan time.Time, 1)}
}

func (t *InstantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Time{}
}

func (t *InstantTimer) Stop() {}

func (t *InstantTimer) C() <-chan time.Time { return t.c }

// Delays returns every delay requested so far.
func (t *InstantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}
