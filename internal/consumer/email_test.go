package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taskreports/internal/types"
)

func TestBuildEmail(t *testing.T) {
	r := report(5, 2, 7)

	cmd := BuildEmail(r, "2024-05-01", "corr-9", testEmail)

	assert.Equal(t, "user5@example.com", cmd.RecipientEmail)
	assert.Equal(t, int64(5), cmd.UserID)
	assert.Equal(t, "corr-9", cmd.CorrelationID)
	assert.Equal(t, "daily-task-report", cmd.TemplateID)
	assert.Equal(t, "en", cmd.Locale)

	pending := cmd.TemplateContext["tasksPending"].([]types.TaskRef)
	assert.Len(t, pending, types.MaxPendingTasks, "pending list is capped")
	assert.Equal(t, r.TasksPending[0], pending[0], "oldest first order kept")
	assert.Equal(t, types.MaxPendingTasks, cmd.TemplateContext["pendingCount"])
	assert.Equal(t, 2, cmd.TemplateContext["completedCount"])
}

func TestBuildEmail_EmptyListsEncodeAsArrays(t *testing.T) {
	cmd := BuildEmail(types.UserTaskReport{UserID: 1, Email: "a@example.com"}, "2024-05-01", "c", testEmail)

	assert.Equal(t, []types.TaskRef{}, cmd.TemplateContext["tasksCompleted"])
	assert.Equal(t, []types.TaskRef{}, cmd.TemplateContext["tasksPending"])
}
