package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskreports/internal/backend"
	"taskreports/internal/backend/backendtest"
	"taskreports/internal/config"
	"taskreports/internal/queue"
	"taskreports/internal/retry"
	"taskreports/internal/retry/retrytest"
	"taskreports/internal/types"
)

const (
	testAPIKey   = "consumer-test-key"
	commandTopic = "user-processing-commands"
	emailTopic   = "email-trigger-commands"
	dltTopic     = "user-processing-commands.DLT"
)

var testEmail = config.EmailConfig{TemplateID: "daily-task-report", Locale: "en"}

type fixture struct {
	srv       *backendtest.Server
	broker    *queue.MemoryBroker
	processor *BatchProcessor
}

type fixtureOption func(*ProcessorConfig)

func withDeadLetter(dl DeadLetterPolicy) fixtureOption {
	return func(c *ProcessorConfig) { c.DeadLetter = dl }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureWithBreaker(t, 100, opts...)
}

// newFixtureWithBreaker shares one backend client, and so one circuit breaker,
// across every batch the processor handles.
func newFixtureWithBreaker(t *testing.T, threshold uint32, opts ...fixtureOption) *fixture {
	t.Helper()
	srv := backendtest.New(testAPIKey)
	t.Cleanup(srv.Close)

	client, err := backend.NewClient(config.BackendConfig{
		BaseURL:          srv.URL,
		APIKey:           types.SecretString(testAPIKey),
		ConnectTimeout:   time.Second,
		ReadTimeout:      2 * time.Second,
		BreakerThreshold: threshold,
	})
	require.NoError(t, err)

	f := &fixture{srv: srv, broker: queue.NewMemoryBroker()}
	cfg := ProcessorConfig{
		Reports:    client,
		Publisher:  f.broker,
		EmailTopic: emailTopic,
		Retry: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			Multiplier:      2,
			MaxInterval:     40 * time.Millisecond,
		},
		RetryOptions: []retry.Option{retry.WithTimer(retrytest.NewInstantTimer())},
		DeadLetter:   DeadLetterPolicy{Enabled: true, Topic: dltTopic, GroupID: "task-report-consumer"},
		Email:        testEmail,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.processor, err = NewBatchProcessor(cfg)
	require.NoError(t, err)
	return f
}

func commandMsg(t *testing.T, userID int64, reportDate string, offset int64) queue.Message {
	t.Helper()
	value, err := json.Marshal(types.UserProcessingCommand{UserID: userID, JobRunID: "run-1", ReportDate: reportDate})
	require.NoError(t, err)
	return queue.Message{
		Key:     strconv.FormatInt(userID, 10),
		Value:   value,
		Headers: map[string]string{queue.HeaderJobRunID: "run-1", queue.HeaderCorrelationID: "corr-1"},
		Topic:   commandTopic,
		Offset:  offset,
	}
}

func report(userID int64, completed, pending int) types.UserTaskReport {
	r := types.UserTaskReport{UserID: userID, Email: "user" + strconv.FormatInt(userID, 10) + "@example.com"}
	for i := 0; i < completed; i++ {
		r.TasksCompleted = append(r.TasksCompleted, types.TaskRef{ID: userID*100 + int64(i), Title: "done"})
	}
	for i := 0; i < pending; i++ {
		r.TasksPending = append(r.TasksPending, types.TaskRef{ID: userID*1000 + int64(i), Title: "todo"})
	}
	return r
}

func decodeEmails(t *testing.T, msgs []queue.Message) []types.EmailTriggerCommand {
	t.Helper()
	out := make([]types.EmailTriggerCommand, len(msgs))
	for i, m := range msgs {
		require.NoError(t, json.Unmarshal(m.Value, &out[i]))
	}
	return out
}

func decodeEnvelopes(t *testing.T, msgs []queue.Message) []DeadLetterEnvelope {
	t.Helper()
	out := make([]DeadLetterEnvelope, len(msgs))
	for i, m := range msgs {
		require.NoError(t, json.Unmarshal(m.Value, &out[i]))
	}
	return out
}

func TestProcess_EmitsOneEmailPerReport(t *testing.T) {
	f := newFixture(t)
	f.srv.SetReport(report(1, 2, 1))
	f.srv.SetReport(report(3, 0, 4))

	batch := []queue.Message{
		commandMsg(t, 1, "2024-05-01", 0),
		commandMsg(t, 2, "2024-05-01", 1),
		commandMsg(t, 3, "2024-05-01", 2),
	}
	res := f.processor.Process(context.Background(), batch)

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, 3, res.Commands)
	assert.Equal(t, 2, res.Emails)
	assert.Equal(t, 1, res.WithoutReport)
	assert.Empty(t, res.DeadLetterReason)

	reqs := f.srv.ReportRequests()
	require.Len(t, reqs, 1, "one backend call per batch")
	assert.Equal(t, []int64{1, 2, 3}, reqs[0].UserIDs)
	assert.True(t, reqs[0].From.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, reqs[0].To.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)))

	msgs := f.broker.Messages(emailTopic)
	require.Len(t, msgs, 2)
	emails := decodeEmails(t, msgs)
	assert.Equal(t, int64(1), emails[0].UserID)
	assert.Equal(t, "user1@example.com", emails[0].RecipientEmail)
	assert.Equal(t, "user1@example.com", msgs[0].Key)
	assert.Equal(t, "daily-task-report", emails[0].TemplateID)
	assert.Equal(t, "en", emails[0].Locale)
	assert.Equal(t, "corr-1", emails[0].CorrelationID)
	assert.Equal(t, "2024-05-01", emails[0].TemplateContext["reportDate"])
	assert.Equal(t, float64(2), emails[0].TemplateContext["completedCount"])
	assert.Equal(t, int64(3), emails[1].UserID)
	assert.Equal(t, "run-1", msgs[1].Headers[queue.HeaderJobRunID])

	assert.Empty(t, f.broker.Messages(dltTopic))
}

func TestProcess_RecoversFromTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.srv.SetReport(report(1, 1, 0))
	f.srv.FailNextReports(http.StatusServiceUnavailable, http.StatusBadGateway)

	res := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, f.srv.ReportRequests(), 3)
	assert.Len(t, f.broker.Messages(emailTopic), 1)
	assert.Empty(t, f.broker.Messages(dltTopic))
}

func TestProcess_DeadLettersBatchAfterRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.srv.AlwaysFail(http.StatusInternalServerError)

	batch := []queue.Message{commandMsg(t, 1, "2024-05-01", 10), commandMsg(t, 2, "2024-05-01", 11)}
	res := f.processor.Process(context.Background(), batch)

	assert.Equal(t, OutcomeAck, res.Outcome, "dead-lettered batches are committed")
	assert.Equal(t, ReasonExhausted, res.DeadLetterReason)
	assert.Len(t, f.srv.ReportRequests(), 3, "bounded by max attempts")
	assert.Empty(t, f.broker.Messages(emailTopic))

	dlt := f.broker.Messages(dltTopic)
	require.Len(t, dlt, 1, "one envelope per failed batch")
	assert.Equal(t, "1", dlt[0].Key)
	assert.Equal(t, ReasonExhausted, dlt[0].Headers[HeaderDeadLetterReason])
	assert.Equal(t, commandTopic, dlt[0].Headers[HeaderOriginalTopic])

	env := decodeEnvelopes(t, dlt)[0]
	assert.Equal(t, 3, env.Attempts)
	assert.Equal(t, "task-report-consumer", env.GroupID)
	assert.Contains(t, env.Error, "upstream_unavailable")
	assert.Contains(t, env.Error, "retries exhausted after 3 attempt(s)")
	assert.NotContains(t, env.Error, "after 1 attempt(s)", "the single-attempt client error is not wrapped again")
	require.Len(t, env.Records, 2)
	assert.Equal(t, batch[0].Value, env.Records[0].Value)
	assert.Equal(t, int64(10), env.Records[0].Offset)
	assert.Equal(t, int64(11), env.Records[1].Offset)
	assert.Equal(t, commandTopic, env.Records[1].Topic)
}

func TestProcess_RejectedRequestSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNextReports(http.StatusBadRequest)

	res := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, ReasonNonRetryable, res.DeadLetterReason)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, f.srv.ReportRequests(), 1)

	envs := decodeEnvelopes(t, f.broker.Messages(dltTopic))
	require.Len(t, envs, 1)
	assert.Equal(t, ReasonNonRetryable, envs[0].Reason)
}

func TestProcess_OpenBreakerRedeliversInsteadOfDeadLettering(t *testing.T) {
	// Default breaker threshold with three consumer attempts.
	f := newFixtureWithBreaker(t, 5)
	f.srv.SetReport(report(3, 1, 0))
	f.srv.FailNextReports(
		http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError,
		http.StatusInternalServerError, http.StatusInternalServerError,
	)

	first := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})
	assert.Equal(t, OutcomeAck, first.Outcome)
	assert.Equal(t, ReasonExhausted, first.DeadLetterReason)

	// The fifth failure trips the breaker; the third attempt is short-circuited.
	second := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 2, "2024-05-01", 1)})
	assert.Equal(t, OutcomeNack, second.Outcome)
	assert.Empty(t, second.DeadLetterReason)
	assert.Equal(t, 3, second.Attempts)

	// A healthy batch must not be dead-lettered because of earlier ones.
	healthy := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 3, "2024-05-01", 2)})
	assert.Equal(t, OutcomeNack, healthy.Outcome, "redelivered once the breaker closes")
	assert.Empty(t, healthy.DeadLetterReason)
	assert.Equal(t, 1, healthy.Attempts, "no attempts are burnt against an open breaker")
	assert.Zero(t, healthy.Emails)

	assert.Len(t, f.srv.ReportRequests(), 5, "open breaker requests never reach the backend")
	assert.Len(t, f.broker.Messages(dltTopic), 1, "only the batch that really failed is dead-lettered")
	assert.Empty(t, f.broker.Messages(emailTopic))
}

func TestProcess_SingleAttemptPolicyStillClassifies(t *testing.T) {
	f := newFixture(t, func(c *ProcessorConfig) {
		c.Retry = retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond}
	})
	f.srv.FailNextReports(http.StatusBadRequest, http.StatusServiceUnavailable)

	rejected := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})
	assert.Equal(t, ReasonNonRetryable, rejected.DeadLetterReason)
	assert.Equal(t, 1, rejected.Attempts)

	unavailable := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 2, "2024-05-01", 1)})
	assert.Equal(t, ReasonExhausted, unavailable.DeadLetterReason)

	envs := decodeEnvelopes(t, f.broker.Messages(dltTopic))
	require.Len(t, envs, 2)
	assert.Equal(t, 1, envs[0].Attempts)
	assert.NotContains(t, envs[1].Error, "retries exhausted")
}

func TestProcess_DeadLetterDisabledDropsBatch(t *testing.T) {
	f := newFixture(t, withDeadLetter(DeadLetterPolicy{Enabled: false}))
	f.srv.AlwaysFail(http.StatusInternalServerError)

	res := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})

	assert.Equal(t, OutcomeAck, res.Outcome, "dropping still advances the partition")
	assert.Equal(t, ReasonExhausted, res.DeadLetterReason)
	assert.Empty(t, f.broker.Messages(dltTopic))
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, ...queue.Message) error {
	return types.NewAppError(types.ErrCodeInternalBroker, "broker down", nil)
}

func (brokenPublisher) Close() error { return nil }

func TestProcess_DeadLetterPublishFailureNacks(t *testing.T) {
	f := newFixture(t, withDeadLetter(DeadLetterPolicy{Enabled: true, Topic: dltTopic, Publisher: brokenPublisher{}}))
	f.srv.FailNextReports(http.StatusUnprocessableEntity)

	res := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})

	assert.Equal(t, OutcomeNack, res.Outcome, "never commit a batch that reached neither topic")
}

func TestProcess_DuplicateCommandsCollapse(t *testing.T) {
	f := newFixture(t)
	f.srv.SetReport(report(7, 1, 1))

	batch := []queue.Message{
		commandMsg(t, 7, "2024-05-01", 0),
		commandMsg(t, 7, "2024-05-01", 1),
	}
	res := f.processor.Process(context.Background(), batch)

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, 1, res.Emails)
	reqs := f.srv.ReportRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int64{7}, reqs[0].UserIDs)

	// Redelivery of the same batch is harmless: the report is rebuilt and
	// sent again.
	res = f.processor.Process(context.Background(), batch)
	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Len(t, f.broker.Messages(emailTopic), 2)
}

func TestProcess_OneBackendCallPerReportDate(t *testing.T) {
	f := newFixture(t)
	f.srv.SetReport(report(1, 1, 0))
	f.srv.SetReport(report(2, 1, 0))

	res := f.processor.Process(context.Background(), []queue.Message{
		commandMsg(t, 1, "2024-05-01", 0),
		commandMsg(t, 2, "2024-05-02", 1),
	})

	assert.Equal(t, OutcomeAck, res.Outcome)
	reqs := f.srv.ReportRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []int64{1}, reqs[0].UserIDs)
	assert.Equal(t, []int64{2}, reqs[1].UserIDs)
	assert.True(t, reqs[1].From.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)))
}

func TestProcess_UndecodableRecordsAreDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.srv.SetReport(report(1, 1, 0))

	bad := queue.Message{Key: "x", Value: []byte(`{"userId":0,"jobRunId":"run-1","reportDate":"2024-05-01"}`), Topic: commandTopic, Offset: 1}
	garbage := queue.Message{Key: "y", Value: []byte(`not json`), Topic: commandTopic, Offset: 2}
	res := f.processor.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0), bad, garbage})

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, ReasonDecode, res.DeadLetterReason)
	assert.Len(t, f.broker.Messages(emailTopic), 1, "valid records still go through")

	envs := decodeEnvelopes(t, f.broker.Messages(dltTopic))
	require.Len(t, envs, 1)
	assert.Equal(t, ReasonDecode, envs[0].Reason)
	require.Len(t, envs[0].Records, 2)
	assert.Equal(t, "x", envs[0].Records[0].Key)
	assert.Equal(t, []byte("not json"), envs[0].Records[1].Value)
}

func TestProcess_CancelledContextNacks(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.processor.Process(ctx, []queue.Message{commandMsg(t, 1, "2024-05-01", 0)})

	assert.Equal(t, OutcomeNack, res.Outcome)
	assert.Empty(t, f.broker.Messages(dltTopic))
}

func TestProcess_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	res := f.processor.Process(context.Background(), nil)
	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Empty(t, f.srv.ReportRequests())
}

type staticReports struct {
	reports []types.UserTaskReport
}

func (s staticReports) FetchTaskReports(context.Context, []int64, time.Time, time.Time) ([]types.UserTaskReport, error) {
	return s.reports, nil
}

func TestProcess_IgnoresUnrequestedAndRecipientlessReports(t *testing.T) {
	broker := queue.NewMemoryBroker()
	p, err := NewBatchProcessor(ProcessorConfig{
		Reports: staticReports{reports: []types.UserTaskReport{
			report(1, 1, 0),
			report(99, 1, 0),
			{UserID: 2},
		}},
		Publisher:  broker,
		EmailTopic: emailTopic,
		Retry:      retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond},
		Email:      testEmail,
	})
	require.NoError(t, err)

	res := p.Process(context.Background(), []queue.Message{commandMsg(t, 1, "2024-05-01", 0), commandMsg(t, 2, "2024-05-01", 1)})

	assert.Equal(t, OutcomeAck, res.Outcome)
	assert.Equal(t, 1, res.Emails)
	emails := decodeEmails(t, broker.Messages(emailTopic))
	require.Len(t, emails, 1)
	assert.Equal(t, int64(1), emails[0].UserID)
}

func TestNewBatchProcessor_Validation(t *testing.T) {
	valid := ProcessorConfig{
		Reports:    staticReports{},
		Publisher:  queue.NewMemoryBroker(),
		EmailTopic: emailTopic,
		Retry:      retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond},
	}
	_, err := NewBatchProcessor(valid)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*ProcessorConfig)
	}{
		{"no reports", func(c *ProcessorConfig) { c.Reports = nil }},
		{"no publisher", func(c *ProcessorConfig) { c.Publisher = nil }},
		{"no topic", func(c *ProcessorConfig) { c.EmailTopic = "" }},
		{"bad policy", func(c *ProcessorConfig) { c.Retry.MaxAttempts = 0 }},
		{"dlt without topic", func(c *ProcessorConfig) { c.DeadLetter.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewBatchProcessor(cfg)
			assert.Error(t, err)
		})
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "nack", OutcomeNack.String())
}
