package consumer

import (
	"taskreports/internal/config"
	"taskreports/internal/types"
)

// BuildEmail turns a report into the command consumed by the email sender.
// TasksPending is capped at types.MaxPendingTasks even if the backend sends
// more.
func BuildEmail(r types.UserTaskReport, reportDate, correlationID string, settings config.EmailConfig) types.EmailTriggerCommand {
	pending := r.TasksPending
	if len(pending) > types.MaxPendingTasks {
		pending = pending[:types.MaxPendingTasks]
	}
	completed := r.TasksCompleted
	if completed == nil {
		completed = []types.TaskRef{}
	}
	if pending == nil {
		pending = []types.TaskRef{}
	}

	return types.EmailTriggerCommand{
		RecipientEmail: r.Email,
		TemplateID:     settings.TemplateID,
		TemplateContext: map[string]any{
			"userId":         r.UserID,
			"reportDate":     reportDate,
			"tasksCompleted": completed,
			"tasksPending":   pending,
			"completedCount": len(completed),
			"pendingCount":   len(pending),
		},
		Locale:        settings.Locale,
		UserID:        r.UserID,
		CorrelationID: correlationID,
	}
}
