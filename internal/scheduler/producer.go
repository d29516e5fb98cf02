package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"taskreports/internal/logging"
	"taskreports/internal/metrics"
	"taskreports/internal/queue"
	"taskreports/internal/types"
)

// Producer publishes one UserProcessingCommand per user id. The record key is
// the decimal user id, so all commands for a user share a partition.
type Producer struct {
	publisher queue.Publisher
	topic     string
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewProducer creates a producer writing to topic.
func NewProducer(publisher queue.Publisher, topic string, rec metrics.Recorder, logger *slog.Logger) *Producer {
	logger = logging.OrDefault(logger)
	return &Producer{
		publisher: publisher,
		topic:     topic,
		metrics:   metrics.OrNop(rec),
		logger:    logger,
	}
}

// PublishPage publishes the commands for one page synchronously. Nothing is
// retried here: a broker error aborts the run.
func (p *Producer) PublishPage(ctx context.Context, jobRunID, reportDate string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	correlationID := types.GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = jobRunID
	}

	msgs := make([]queue.Message, len(ids))
	for i, id := range ids {
		value, err := json.Marshal(types.UserProcessingCommand{
			UserID:     id,
			JobRunID:   jobRunID,
			ReportDate: reportDate,
		})
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode user command", err)
		}
		msgs[i] = queue.Message{
			Key:   strconv.FormatInt(id, 10),
			Value: value,
			Headers: map[string]string{
				queue.HeaderJobRunID:      jobRunID,
				queue.HeaderCorrelationID: correlationID,
			},
		}
	}

	if err := p.publisher.Publish(ctx, p.topic, msgs...); err != nil {
		return err
	}
	p.metrics.CommandsPublished(ctx, len(msgs))
	p.logger.DebugContext(ctx, "published user commands",
		"job_run_id", jobRunID,
		"topic", p.topic,
		"count", len(msgs),
		"first_user_id", ids[0],
		"last_user_id", ids[len(ids)-1],
	)
	return nil
}
