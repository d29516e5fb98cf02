// Package main is the SQS-triggered Lambda variant of the report consumer.
//
// Each invocation receives one SQS batch of user processing commands and runs
// it through the same BatchProcessor as the long-running consumer. A batch is
// never partially acknowledged: when the processor asks for redelivery, every
// record is reported in batchItemFailures.
//
// With APP_ENV=local the handler reads one SQS event as JSON from stdin
// instead of starting the Lambda runtime:
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/report-worker-lambda
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"taskreports/internal/app"
	"taskreports/internal/consumer"
	"taskreports/internal/queue"
)

// Handler adapts SQS events to the batch processor.
type Handler struct {
	processor consumer.Processor
	topic     string
	logger    *slog.Logger
}

// Handle processes one SQS batch.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	if len(ev.Records) == 0 {
		return resp, nil
	}

	res := h.processor.Process(ctx, toMessages(ev.Records, h.topic))
	if res.Outcome == consumer.OutcomeAck {
		return resp, nil
	}

	h.logger.WarnContext(ctx, "batch handed back to SQS for redelivery",
		"batch_size", len(ev.Records),
		"attempts", res.Attempts,
	)
	for _, r := range ev.Records {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: r.MessageId})
	}
	return resp, nil
}

func toMessages(records []events.SQSMessage, topic string) []queue.Message {
	out := make([]queue.Message, 0, len(records))
	for _, r := range records {
		m := queue.Message{
			Value:  []byte(r.Body),
			Topic:  topic,
			Offset: queue.SQSSequenceOffset(r.Attributes["SequenceNumber"]),
		}
		for k, v := range r.MessageAttributes {
			if v.StringValue == nil {
				continue
			}
			if k == queue.SQSKeyAttribute {
				m.Key = *v.StringValue
				continue
			}
			if m.Headers == nil {
				m.Headers = make(map[string]string)
			}
			m.Headers[k] = *v.StringValue
		}
		out = append(out, m)
	}
	return out
}

func main() {
	cfg, logger, err := app.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("report worker initializing (cold start)")

	ctx := context.Background()
	rec, _, err := app.NewMetrics(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	client, err := app.NewBackendClient(cfg, app.SingleAttempt, rec, logger)
	if err != nil {
		logger.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}
	broker, err := queue.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	processor, err := app.NewProcessor(cfg, broker.Publisher, client, rec, logger)
	if err != nil {
		logger.Error("failed to create batch processor", "error", err)
		os.Exit(1)
	}

	h := &Handler{processor: processor, topic: cfg.Broker.UserCommandsTopic, logger: logger}
	logger.Info("report worker initialized",
		"topic", cfg.Broker.UserCommandsTopic,
		"email_topic", cfg.Broker.EmailTriggersTopic,
		"dead_letter_enabled", cfg.Consumer.DeadLetterEnabled,
	)

	if cfg.Environment == "local" {
		if err := runLocal(ctx, h, os.Stdin, logger); err != nil {
			logger.Error("local invocation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(h.Handle)
}

func runLocal(ctx context.Context, h *Handler, in io.Reader, logger *slog.Logger) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	var ev events.SQSEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parsing SQS event: %w", err)
	}
	resp, err := h.Handle(ctx, ev)
	if err != nil {
		return err
	}
	logger.Info("local invocation finished",
		"records", len(ev.Records),
		"failures", len(resp.BatchItemFailures),
	)
	return nil
}
