package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskreports/internal/logging"
	"taskreports/internal/queue"
)

// ReplayStats counts what a replay did.
type ReplayStats struct {
	Envelopes int
	Records   int
	Skipped   int
}

// Replayer re-drives dead-lettered batches: every record of an envelope is
// republished verbatim to its original topic, then the envelope is committed.
type Replayer struct {
	Consumer  queue.Consumer
	Publisher queue.Publisher

	// Topic overrides the original topic of the records when set.
	Topic       string
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Run replays envelopes until the dead-letter topic is drained (one empty
// poll) or max envelopes were handled. max <= 0 means no limit.
func (r *Replayer) Run(ctx context.Context, max int) (ReplayStats, error) {
	var stats ReplayStats
	logger := logging.OrDefault(r.Logger)
	timeout := r.PollTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for max <= 0 || stats.Envelopes < max {
		batch, err := r.Consumer.Poll(ctx, 1, timeout)
		if err != nil {
			return stats, fmt.Errorf("polling dead-letter topic: %w", err)
		}
		if len(batch) == 0 {
			return stats, nil
		}

		m := batch[0]
		var env DeadLetterEnvelope
		if err := json.Unmarshal(m.Value, &env); err != nil || len(env.Records) == 0 {
			logger.ErrorContext(ctx, "unreadable dead-letter envelope, leaving it in place",
				"offset", m.Offset,
				"error", err,
			)
			stats.Skipped++
			if err := r.Consumer.Nack(ctx, batch); err != nil {
				return stats, fmt.Errorf("releasing envelope: %w", err)
			}
			return stats, errors.New("dead-letter topic holds an unreadable envelope")
		}

		if err := r.replay(ctx, env); err != nil {
			_ = r.Consumer.Nack(context.WithoutCancel(ctx), batch)
			return stats, err
		}
		if err := r.Consumer.Ack(ctx, batch); err != nil {
			return stats, fmt.Errorf("committing replayed envelope: %w", err)
		}

		stats.Envelopes++
		stats.Records += len(env.Records)
		logger.InfoContext(ctx, "dead-letter envelope replayed",
			"reason", env.Reason,
			"failed_at", env.FailedAt,
			"records", len(env.Records),
		)
	}
	return stats, nil
}

func (r *Replayer) replay(ctx context.Context, env DeadLetterEnvelope) error {
	byTopic := make(map[string][]queue.Message)
	var order []string
	for _, rec := range env.Records {
		topic := rec.Topic
		if r.Topic != "" {
			topic = r.Topic
		}
		if topic == "" {
			return fmt.Errorf("dead-letter record at offset %d has no topic", rec.Offset)
		}
		if _, ok := byTopic[topic]; !ok {
			order = append(order, topic)
		}
		byTopic[topic] = append(byTopic[topic], rec.Message())
	}
	for _, topic := range order {
		if err := r.Publisher.Publish(ctx, topic, byTopic[topic]...); err != nil {
			return fmt.Errorf("republishing %d records to %s: %w", len(byTopic[topic]), topic, err)
		}
	}
	return nil
}
