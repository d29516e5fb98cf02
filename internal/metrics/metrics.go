// Package metrics records pipeline counters. Recorder has CloudWatch,
// Prometheus and no-op implementations; processes pick one from
// configuration.
package metrics

import (
	"context"
	"time"
)

// Run and batch result labels.
const (
	ResultSuccess      = "success"
	ResultFailed       = "failed"
	ResultAcked        = "acked"
	ResultNacked       = "nacked"
	ResultDeadLettered = "dead_lettered"
	ResultDropped      = "dropped"
)

// Recorder receives pipeline events. Implementations must not block the
// caller for long and must swallow their own delivery errors.
type Recorder interface {
	RunStarted(ctx context.Context, job string)
	RunSkipped(ctx context.Context, job string)
	RunFinished(ctx context.Context, job, result string, elapsed time.Duration)
	CommandsPublished(ctx context.Context, n int)
	BatchProcessed(ctx context.Context, result string, size int)
	EmailsEmitted(ctx context.Context, n int)
	UsersWithoutReport(ctx context.Context, n int)
	BatchDeadLettered(ctx context.Context, reason string, size int)
	BackendAttempt(ctx context.Context, endpoint, result string)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RunStarted(context.Context, string)                        {}
func (Nop) RunSkipped(context.Context, string)                        {}
func (Nop) RunFinished(context.Context, string, string, time.Duration) {}
func (Nop) CommandsPublished(context.Context, int)                    {}
func (Nop) BatchProcessed(context.Context, string, int)               {}
func (Nop) EmailsEmitted(context.Context, int)                        {}
func (Nop) UsersWithoutReport(context.Context, int)                   {}
func (Nop) BatchDeadLettered(context.Context, string, int)            {}
func (Nop) BackendAttempt(context.Context, string, string)            {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
