// Package main is the entrypoint of the batch report consumer.
//
// CONSUMER_CONCURRENCY workers each own a consumer of the user command topic.
// Every polled batch is turned into one backend report call and one email
// trigger command per returned report, then committed. Batches that cannot be
// processed are dead-lettered. An ops server exposes /healthz and /metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"taskreports/internal/app"
	"taskreports/internal/config"
	"taskreports/internal/consumer"
	"taskreports/internal/ops"
	"taskreports/internal/queue"
)

func main() {
	cfg, logger, err := app.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("report consumer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rec, gatherer, err := app.NewMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}

	client, err := app.NewBackendClient(cfg, app.SingleAttempt, rec, logger)
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}

	broker, err := queue.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warn("failed to close broker", "error", err)
		}
	}()

	processor, err := app.NewProcessor(cfg, broker.Publisher, client, rec, logger)
	if err != nil {
		return err
	}

	runner, err := consumer.NewRunner(consumer.RunnerConfig{
		Processor: processor,
		NewConsumer: func() (queue.Consumer, error) {
			return broker.Consumer(cfg.Broker.UserCommandsTopic)
		},
		Concurrency:    cfg.Consumer.Concurrency,
		MaxPollRecords: cfg.Consumer.MaxPollRecords,
		PollTimeout:    cfg.Consumer.PollTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	opsOpts := []ops.Option{ops.WithProbes(ops.ProbeFunc{ProbeName: "broker", Fn: broker.Ping})}
	if gatherer != nil {
		opsOpts = append(opsOpts, ops.WithGatherer(gatherer))
	}
	opsServer := ops.NewServer(cfg.Observability.OpsAddr, cfg.Build, logger, opsOpts...)

	logger.Info("report consumer started",
		"broker", cfg.Broker.Kind,
		"topic", cfg.Broker.UserCommandsTopic,
		"group_id", cfg.Consumer.GroupID,
		"concurrency", cfg.Consumer.Concurrency,
		"max_poll_records", cfg.Consumer.MaxPollRecords,
		"dead_letter_enabled", cfg.Consumer.DeadLetterEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return opsServer.Run(gctx) })
	err = g.Wait()
	logger.Info("report consumer stopped")
	return err
}
