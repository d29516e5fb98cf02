// Package consumer turns batches of user processing commands into email
// trigger commands. A batch moves through
//
//	RECEIVED -> BACKEND_CALL -> EMIT -> COMMIT
//
// with transient failures looping back through the consumer retry policy and
// permanent or exhausted failures going to the dead-letter topic before the
// commit. An open backend circuit breaker is back-pressure: the batch is
// redelivered and never dead-lettered. A batch is always committed or
// redelivered as a whole.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskreports/internal/config"
	"taskreports/internal/logging"
	"taskreports/internal/metrics"
	"taskreports/internal/queue"
	"taskreports/internal/retry"
	"taskreports/internal/types"
)

// Outcome tells the caller what to do with the polled records.
type Outcome int

const (
	// OutcomeAck commits the batch.
	OutcomeAck Outcome = iota
	// OutcomeNack hands the batch back to the broker for redelivery.
	OutcomeNack
)

func (o Outcome) String() string {
	if o == OutcomeNack {
		return "nack"
	}
	return "ack"
}

// ReportFetcher is the part of the backend client the consumer needs.
type ReportFetcher interface {
	FetchTaskReports(ctx context.Context, userIDs []int64, from, to time.Time) ([]types.UserTaskReport, error)
}

// ProcessorConfig wires a BatchProcessor.
type ProcessorConfig struct {
	Reports    ReportFetcher
	Publisher  queue.Publisher
	EmailTopic string

	// Retry bounds the backend call and emission of one batch.
	Retry        retry.Policy
	RetryOptions []retry.Option

	// DeadLetter.Publisher defaults to Publisher.
	DeadLetter DeadLetterPolicy
	Email      config.EmailConfig

	// Location is the time zone report dates are interpreted in. nil means UTC.
	Location *time.Location
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// Result summarizes one Process call.
type Result struct {
	Outcome       Outcome
	Commands      int
	Invalid       int
	Emails        int
	WithoutReport int
	Attempts      int

	// DeadLetterReason is set when the batch, or part of it, was dead-lettered
	// or dropped.
	DeadLetterReason string
}

// BatchProcessor handles one polled batch at a time. It is safe for
// concurrent use by several workers.
type BatchProcessor struct {
	reports    ReportFetcher
	publisher  queue.Publisher
	emailTopic string
	policy     retry.Policy
	retryOpts  []retry.Option
	deadLetter DeadLetterPolicy
	email      config.EmailConfig
	loc        *time.Location
	metrics    metrics.Recorder
	logger     *slog.Logger
}

// NewBatchProcessor validates cfg and builds a processor.
func NewBatchProcessor(cfg ProcessorConfig) (*BatchProcessor, error) {
	if cfg.Reports == nil {
		return nil, errors.New("consumer: report fetcher is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("consumer: publisher is required")
	}
	if cfg.EmailTopic == "" {
		return nil, errors.New("consumer: email topic is required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}

	logger := logging.OrDefault(cfg.Logger)
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	dl := cfg.DeadLetter
	if dl.Enabled && dl.Topic == "" {
		return nil, errors.New("consumer: dead-letter topic is required when dead-lettering is enabled")
	}
	if dl.Publisher == nil {
		dl.Publisher = cfg.Publisher
	}
	if dl.Metrics == nil {
		dl.Metrics = cfg.Metrics
	}
	if dl.Logger == nil {
		dl.Logger = logger
	}

	return &BatchProcessor{
		reports:    cfg.Reports,
		publisher:  cfg.Publisher,
		emailTopic: cfg.EmailTopic,
		policy:     cfg.Retry,
		retryOpts:  append([]retry.Option{retry.WithLogger(logger, "report batch")}, cfg.RetryOptions...),
		deadLetter: dl,
		email:      cfg.Email,
		loc:        loc,
		metrics:    metrics.OrNop(cfg.Metrics),
		logger:     logger,
	}, nil
}

// command is a decoded record with the tracing ids it arrived with.
type command struct {
	types.UserProcessingCommand
	correlationID string
}

// window groups the users of one report date.
type window struct {
	reportDate string
	bounds     types.ReportWindow
	userIDs    []int64
	commands   map[int64]command
}

// Process runs one batch to completion. It never returns an error: the
// outcome says whether the batch must be committed or redelivered.
func (p *BatchProcessor) Process(ctx context.Context, batch []queue.Message) Result {
	if len(batch) == 0 {
		return Result{Outcome: OutcomeAck}
	}

	windows, invalid := p.decode(ctx, batch)
	res := Result{Invalid: len(invalid)}
	for _, w := range windows {
		res.Commands += len(w.commands)
	}

	if len(windows) > 0 {
		ctx = types.WithCorrelationID(ctx, windows[0].commands[windows[0].userIDs[0]].correlationID)
	}

	done := make(map[string]bool, len(windows))
	err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		for _, w := range windows {
			if done[w.reportDate] {
				continue
			}
			emitted, missing, err := p.handleWindow(ctx, w)
			if err != nil {
				return err
			}
			done[w.reportDate] = true
			res.Emails += emitted
			res.WithoutReport += missing
		}
		return nil
	}, p.retryOpts...)

	if err != nil {
		if ctx.Err() != nil {
			p.logger.WarnContext(ctx, "batch interrupted, handing back for redelivery",
				"batch_size", len(batch),
				"error", err,
			)
			res.Outcome = OutcomeNack
			p.metrics.BatchProcessed(ctx, metrics.ResultNacked, len(batch))
			return res
		}

		if types.IsCircuitOpen(err) {
			p.logger.WarnContext(ctx, "backend circuit breaker is open, handing batch back for redelivery",
				"batch_size", len(batch),
				"attempts", res.Attempts,
				"error", err,
			)
			res.Outcome = OutcomeNack
			p.metrics.BatchProcessed(ctx, metrics.ResultNacked, len(batch))
			return res
		}

		reason := ReasonExhausted
		if retry.IsPermanent(err) || !types.IsRetryable(err) {
			reason = ReasonNonRetryable
		}
		if a := retry.AttemptsOf(err); a > 0 {
			res.Attempts = a
		}
		res.DeadLetterReason = reason
		res.Outcome = p.deadLetter.Handle(ctx, batch, reason, err, res.Attempts)
		p.metrics.BatchProcessed(ctx, p.failedResult(res.Outcome), len(batch))
		return res
	}

	if len(invalid) > 0 {
		res.DeadLetterReason = ReasonDecode
		res.Outcome = p.deadLetter.Handle(ctx, invalid, ReasonDecode,
			types.NewAppError(types.ErrCodeValidationInvalidMessage, fmt.Sprintf("%d undecodable record(s)", len(invalid)), nil), 0)
		if res.Outcome == OutcomeNack {
			p.metrics.BatchProcessed(ctx, metrics.ResultNacked, len(batch))
			return res
		}
	}

	first, last := batchBounds(batch)
	p.logger.InfoContext(ctx, "batch processed",
		"batch_size", len(batch),
		"commands", res.Commands,
		"invalid", res.Invalid,
		"emails", res.Emails,
		"without_report", res.WithoutReport,
		"attempts", res.Attempts,
		"first_offset", first,
		"last_offset", last,
	)
	res.Outcome = OutcomeAck
	p.metrics.BatchProcessed(ctx, metrics.ResultAcked, len(batch))
	return res
}

func (p *BatchProcessor) failedResult(o Outcome) string {
	switch {
	case o == OutcomeNack:
		return metrics.ResultNacked
	case p.deadLetter.Enabled:
		return metrics.ResultDeadLettered
	default:
		return metrics.ResultDropped
	}
}

// decode parses the batch and groups valid commands by report date, in order
// of first appearance. Duplicate users within a window collapse to one.
func (p *BatchProcessor) decode(ctx context.Context, batch []queue.Message) ([]*window, []queue.Message) {
	var (
		windows []*window
		byDate  = make(map[string]*window)
		invalid []queue.Message
	)

	for _, m := range batch {
		var cmd types.UserProcessingCommand
		err := json.Unmarshal(m.Value, &cmd)
		if err == nil {
			err = cmd.Validate()
		}
		var bounds types.ReportWindow
		if err == nil {
			bounds, err = types.ReportWindowFor(cmd.ReportDate, p.loc)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "undecodable user command",
				"key", m.Key,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			invalid = append(invalid, m)
			continue
		}

		w, ok := byDate[cmd.ReportDate]
		if !ok {
			w = &window{reportDate: cmd.ReportDate, bounds: bounds, commands: make(map[int64]command)}
			byDate[cmd.ReportDate] = w
			windows = append(windows, w)
		}
		if _, dup := w.commands[cmd.UserID]; dup {
			continue
		}

		correlationID := m.Headers[queue.HeaderCorrelationID]
		if correlationID == "" {
			correlationID = cmd.JobRunID
		}
		w.userIDs = append(w.userIDs, cmd.UserID)
		w.commands[cmd.UserID] = command{UserProcessingCommand: cmd, correlationID: correlationID}
	}
	return windows, invalid
}

// handleWindow fetches the reports of one window and emits their emails.
// Failures the backend will never accept, and an open circuit breaker, are
// marked permanent so the policy stops at once.
func (p *BatchProcessor) handleWindow(ctx context.Context, w *window) (emitted, missing int, err error) {
	reports, err := p.reports.FetchTaskReports(ctx, w.userIDs, w.bounds.From, w.bounds.To)
	if err != nil {
		return 0, 0, classify(err)
	}

	seen := make(map[int64]bool, len(reports))
	msgs := make([]queue.Message, 0, len(reports))
	for _, r := range reports {
		cmd, requested := w.commands[r.UserID]
		if !requested {
			p.logger.WarnContext(ctx, "backend returned a report for a user that was not requested",
				"user_id", r.UserID,
				"report_date", w.reportDate,
			)
			continue
		}
		if seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		if r.Email == "" {
			p.logger.WarnContext(ctx, "report has no recipient, skipping", "user_id", r.UserID)
			continue
		}

		email := BuildEmail(r, w.reportDate, cmd.correlationID, p.email)
		value, err := json.Marshal(email)
		if err != nil {
			return 0, 0, retry.Permanent(types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode email command", err))
		}
		msgs = append(msgs, queue.Message{
			Key:   r.Email,
			Value: value,
			Headers: map[string]string{
				queue.HeaderJobRunID:      cmd.JobRunID,
				queue.HeaderCorrelationID: cmd.correlationID,
			},
		})
	}

	for _, id := range w.userIDs {
		if seen[id] {
			continue
		}
		missing++
		p.logger.DebugContext(ctx, "no report for user",
			"no_report", true,
			"user_id", id,
			"report_date", w.reportDate,
			"job_run_id", w.commands[id].JobRunID,
		)
	}

	if len(msgs) > 0 {
		if err := p.publisher.Publish(ctx, p.emailTopic, msgs...); err != nil {
			return 0, 0, classify(fmt.Errorf("emitting %d email commands: %w", len(msgs), err))
		}
	}

	p.metrics.EmailsEmitted(ctx, len(msgs))
	p.metrics.UsersWithoutReport(ctx, missing)
	return len(msgs), missing, nil
}

func classify(err error) error {
	if types.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}
