package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taskreports/internal/logging"
	"taskreports/internal/queue"
)

// Processor is implemented by BatchProcessor.
type Processor interface {
	Process(ctx context.Context, batch []queue.Message) Result
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Processor Processor

	// NewConsumer is called once per worker. Every worker owns its consumer,
	// so a partition or message group is never handled by two workers at once.
	NewConsumer func() (queue.Consumer, error)

	Concurrency    int
	MaxPollRecords int
	PollTimeout    time.Duration

	// BackoffDelay is waited after a poll error or a nacked batch.
	BackoffDelay time.Duration
	Logger       *slog.Logger
}

// Runner drives Concurrency poll/process/commit loops.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

const defaultBackoffDelay = time.Second

// NewRunner validates cfg.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Processor == nil || cfg.NewConsumer == nil {
		return nil, errors.New("consumer: processor and consumer factory are required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("consumer: concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.MaxPollRecords < 1 {
		return nil, fmt.Errorf("consumer: max poll records must be at least 1, got %d", cfg.MaxPollRecords)
	}
	if cfg.PollTimeout <= 0 {
		return nil, errors.New("consumer: poll timeout must be positive")
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = defaultBackoffDelay
	}
	return &Runner{cfg: cfg, logger: logging.OrDefault(cfg.Logger)}, nil
}

// Run blocks until ctx is cancelled or a worker cannot start. In-flight
// batches are finished or nacked before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error { return r.work(ctx, worker) })
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context, worker int) error {
	c, err := r.cfg.NewConsumer()
	if err != nil {
		return fmt.Errorf("worker %d: creating consumer: %w", worker, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close consumer", "worker", worker, "error", err)
		}
	}()

	logger := r.logger.With("worker", worker)
	logger.InfoContext(ctx, "consumer worker started")

	for ctx.Err() == nil {
		batch, err := c.Poll(ctx, r.cfg.MaxPollRecords, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.WarnContext(ctx, "poll failed", "error", err)
			sleep(ctx, r.cfg.BackoffDelay)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		r.commit(ctx, logger, c, batch)
	}

	logger.Info("consumer worker stopped")
	return nil
}

// commit processes a batch and acks or nacks all of it.
func (r *Runner) commit(ctx context.Context, logger *slog.Logger, c queue.Consumer, batch []queue.Message) {
	res := r.cfg.Processor.Process(ctx, batch)

	// Shutdown must not strand a processed batch uncommitted. A failed commit
	// is not handed back: the batch was processed, and a later commit on the
	// same partition covers it. Only a restart or rebalance before then, or an
	// SQS visibility timeout, brings it back.
	commitCtx := context.WithoutCancel(ctx)
	if res.Outcome == OutcomeAck {
		if err := c.Ack(commitCtx, batch); err != nil {
			logger.ErrorContext(ctx, "failed to commit processed batch, the broker may redeliver it",
				"batch_size", len(batch),
				"error", err,
			)
		}
		return
	}

	if err := c.Nack(commitCtx, batch); err != nil {
		logger.ErrorContext(ctx, "failed to hand batch back for redelivery",
			"batch_size", len(batch),
			"error", err,
		)
	}
	sleep(ctx, r.cfg.BackoffDelay)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
