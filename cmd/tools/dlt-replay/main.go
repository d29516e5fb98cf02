// Package main implements the dlt-replay CLI, the manual recovery path for
// dead-lettered batches. It reads envelopes from the dead-letter topic,
// republishes every original record verbatim and commits the envelope.
//
// Usage:
//
//	go run ./cmd/tools/dlt-replay                  # drain the dead-letter topic
//	go run ./cmd/tools/dlt-replay -max=10          # replay at most 10 envelopes
//	go run ./cmd/tools/dlt-replay -topic=retry-1   # republish to another topic
//
// Configuration comes from the same environment as the consumer (broker kind,
// topic names, SQS queue URLs, CONSUMER_GROUP_ID).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskreports/internal/app"
	"taskreports/internal/consumer"
	"taskreports/internal/queue"
)

func main() {
	maxFlag := flag.Int("max", 0, "Replay at most this many envelopes (0 means until the topic is empty)")
	topicFlag := flag.String("topic", "", "Republish to this topic instead of each record's original topic")
	pollFlag := flag.Duration("poll-timeout", 5*time.Second, "How long an empty poll waits before the topic is considered drained")
	flag.Parse()

	cfg, logger, err := app.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := queue.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	dlt, err := broker.Consumer(cfg.Broker.DeadLetterTopic)
	if err != nil {
		logger.Error("failed to open dead-letter consumer", "error", err)
		os.Exit(1)
	}
	defer dlt.Close()

	r := &consumer.Replayer{
		Consumer:    dlt,
		Publisher:   broker.Publisher,
		Topic:       *topicFlag,
		PollTimeout: *pollFlag,
		Logger:      logger,
	}
	stats, err := r.Run(ctx, *maxFlag)
	logger.Info("dlt replay finished",
		"dead_letter_topic", cfg.Broker.DeadLetterTopic,
		"envelopes", stats.Envelopes,
		"records", stats.Records,
		"skipped", stats.Skipped,
	)
	if err != nil {
		logger.Error("dlt replay stopped early", "error", err)
		os.Exit(1)
	}
}
