// Package queue is the message broker abstraction of the pipeline. Records
// carry a key, a JSON value and string headers; brokers guarantee ordering per
// key (Kafka partition, SQS FIFO message group) and at-least-once delivery.
//
// Three brokers are provided: Kafka (segmentio/kafka-go), Amazon SQS FIFO
// queues, and an in-process broker for local runs and tests.
package queue

import (
	"context"
	"time"

	"taskreports/internal/types"
)

// Header names set by the producer on every user command.
const (
	HeaderJobRunID      = "job_run_id"
	HeaderCorrelationID = "correlation_id"
)

// Message is one broker record. Topic, Partition and Offset are filled in on
// consumption and identify the record's position for dead-lettering.
type Message struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64

	// handle is the broker's reference for ack/nack.
	handle any
}

// Publisher sends records to a topic. Publish returns only after the broker
// has accepted every record; a non-nil error means some may not have been.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
	Close() error
}

// Consumer reads batches from one topic on behalf of a consumer group.
//
// Poll blocks until at least one record is available or timeout elapses and
// returns at most max records. Ack commits a polled batch; Nack makes it
// available for redelivery. Records of a batch are always acked or nacked
// together.
type Consumer interface {
	Poll(ctx context.Context, max int, timeout time.Duration) ([]Message, error)
	Ack(ctx context.Context, msgs []Message) error
	Nack(ctx context.Context, msgs []Message) error
	Close() error
}

func brokerError(message string, err error) error {
	return types.NewAppError(types.ErrCodeInternalBroker, message, err)
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
