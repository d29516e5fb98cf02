package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"taskreports/internal/logging"
	"taskreports/internal/metrics"
	"taskreports/internal/queue"
)

// Dead-letter reasons.
const (
	ReasonDecode       = "decode"
	ReasonExhausted    = "retries_exhausted"
	ReasonNonRetryable = "non_retryable"
)

// Header names set on dead-letter records.
const (
	HeaderDeadLetterReason = "dlt_reason"
	HeaderOriginalTopic    = "dlt_original_topic"
)

// DeadLetterRecord is a verbatim copy of one consumed record with its
// position, enough to re-drive it.
type DeadLetterRecord struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
}

// DeadLetterEnvelope is the single dead-letter message published for a failed
// batch.
type DeadLetterEnvelope struct {
	Reason   string             `json:"reason"`
	Error    string             `json:"error"`
	FailedAt time.Time          `json:"failedAt"`
	Attempts int                `json:"attempts"`
	GroupID  string             `json:"groupId"`
	Records  []DeadLetterRecord `json:"records"`
}

// Message rebuilds the original record.
func (r DeadLetterRecord) Message() queue.Message {
	return queue.Message{Key: r.Key, Value: r.Value, Headers: r.Headers, Topic: r.Topic}
}

// NewDeadLetterEnvelope copies batch into an envelope.
func NewDeadLetterEnvelope(batch []queue.Message, reason string, cause error, attempts int, groupID string, failedAt time.Time) DeadLetterEnvelope {
	env := DeadLetterEnvelope{
		Reason:   reason,
		FailedAt: failedAt.UTC(),
		Attempts: attempts,
		GroupID:  groupID,
		Records:  make([]DeadLetterRecord, len(batch)),
	}
	if cause != nil {
		env.Error = cause.Error()
	}
	for i, m := range batch {
		env.Records[i] = DeadLetterRecord{
			Key:       m.Key,
			Value:     m.Value,
			Headers:   m.Headers,
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
		}
	}
	return env
}

// DeadLetterPolicy decides what happens to a batch that cannot be processed.
// When Enabled, the batch is published as one envelope and then committed.
// Otherwise it is dropped with a fatal log entry and committed. Either way the
// partition keeps moving.
type DeadLetterPolicy struct {
	Enabled   bool
	Topic     string
	GroupID   string
	Publisher queue.Publisher
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handle dead-letters batch and returns the outcome for the original records.
// A failed dead-letter publish yields OutcomeNack so the batch is redelivered
// instead of lost.
func (p DeadLetterPolicy) Handle(ctx context.Context, batch []queue.Message, reason string, cause error, attempts int) Outcome {
	logger := logging.OrDefault(p.Logger)
	rec := metrics.OrNop(p.Metrics)
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	first, last := batchBounds(batch)

	if !p.Enabled {
		logger.ErrorContext(ctx, "dropping failed batch, dead-letter topic disabled",
			"fatal", true,
			"reason", reason,
			"batch_size", len(batch),
			"attempts", attempts,
			"first_offset", first,
			"last_offset", last,
			"error", cause,
		)
		rec.BatchDeadLettered(ctx, reason, len(batch))
		return OutcomeAck
	}

	env := NewDeadLetterEnvelope(batch, reason, cause, attempts, p.GroupID, now())
	value, err := json.Marshal(env)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode dead-letter envelope", "error", err)
		return OutcomeNack
	}

	msg := queue.Message{
		Value:   value,
		Headers: map[string]string{HeaderDeadLetterReason: reason},
	}
	if len(batch) > 0 {
		msg.Key = batch[0].Key
		msg.Headers[HeaderOriginalTopic] = batch[0].Topic
	}
	if err := p.Publisher.Publish(ctx, p.Topic, msg); err != nil {
		logger.ErrorContext(ctx, "failed to publish dead-letter envelope, batch will be redelivered",
			"reason", reason,
			"batch_size", len(batch),
			"error", err,
		)
		return OutcomeNack
	}

	rec.BatchDeadLettered(ctx, reason, len(batch))
	logger.ErrorContext(ctx, "batch dead-lettered",
		"reason", reason,
		"dead_letter_topic", p.Topic,
		"batch_size", len(batch),
		"attempts", attempts,
		"first_offset", first,
		"last_offset", last,
		"error", cause,
	)
	return OutcomeAck
}

func batchBounds(batch []queue.Message) (first, last int64) {
	if len(batch) == 0 {
		return 0, 0
	}
	return batch[0].Offset, batch[len(batch)-1].Offset
}
