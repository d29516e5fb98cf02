// Package types holds the domain model shared by the scheduler, the report
// consumer and the backend client: broker command payloads, backend DTOs,
// errors and context helpers.
package types

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ReportDateLayout is the wire format of UserProcessingCommand.ReportDate.
const ReportDateLayout = "2006-01-02"

// UserProcessingCommand is the Topic A payload: "build the report of this user
// for this run". One is published per user per scheduled run. JobRunID ties
// the commands of a run together for tracing; it is NOT a deduplication key.
type UserProcessingCommand struct {
	UserID     int64  `json:"userId" validate:"gt=0"`
	JobRunID   string `json:"jobRunId" validate:"required"`
	ReportDate string `json:"reportDate" validate:"required,datetime=2006-01-02"`
}

// TaskRef is the minimal task projection carried in a report.
type TaskRef struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// UserTaskReport is produced by the backend for one user and one report
// window. TasksPending holds at most MaxPendingTasks entries, oldest first;
// TasksCompleted holds every task completed inside the window, newest first.
type UserTaskReport struct {
	UserID         int64     `json:"userId"`
	Email          string    `json:"email"`
	TasksCompleted []TaskRef `json:"tasksCompleted"`
	TasksPending   []TaskRef `json:"tasksPending"`
}

// MaxPendingTasks is the backend's cap on UserTaskReport.TasksPending.
const MaxPendingTasks = 5

// EmailTriggerCommand is the Topic B payload consumed by the external email
// sender. One is emitted per UserTaskReport.
type EmailTriggerCommand struct {
	RecipientEmail  string         `json:"recipientEmail"`
	TemplateID      string         `json:"templateId"`
	TemplateContext map[string]any `json:"templateContext"`
	Locale          string         `json:"locale"`
	UserID          int64          `json:"userId"`
	CorrelationID   string         `json:"correlationId"`
}

// TaskReportsRequest is the body of POST /internal/tasks/user-reports.
// From is inclusive, To is exclusive.
type TaskReportsRequest struct {
	UserIDs []int64   `json:"userIds"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

// ReportWindow is the half-open interval [From, To) a report covers.
type ReportWindow struct {
	From time.Time
	To   time.Time
}

// String renders the window for logs.
func (w ReportWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// ReportWindowFor derives the fixed one-day window of a report date. The day
// boundaries are taken in loc (nil means UTC) and returned in UTC.
func ReportWindowFor(reportDate string, loc *time.Location) (ReportWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(ReportDateLayout, reportDate, loc)
	if err != nil {
		return ReportWindow{}, fmt.Errorf("invalid report date %q: %w", reportDate, err)
	}
	return ReportWindow{
		From: day.UTC(),
		To:   day.AddDate(0, 0, 1).UTC(),
	}, nil
}

// ReportDateFor returns the report date covered by a run triggered at now:
// the calendar day in loc, offsetDays days before now.
func ReportDateFor(now time.Time, loc *time.Location, offsetDays int) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).AddDate(0, 0, -offsetDays).Format(ReportDateLayout)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func messageValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the structural invariants of a decoded command.
func (c UserProcessingCommand) Validate() error {
	if err := messageValidator().Struct(c); err != nil {
		return NewAppError(ErrCodeValidationInvalidMessage, "invalid user processing command", err)
	}
	return nil
}
