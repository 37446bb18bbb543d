package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/db"
)

func TestOpenRefusesUnknownSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(dbPath, db.DefaultBusyTimeout, logger.Default())
	require.NoError(t, err)

	_, err = s.w.Exec(`UPDATE meta SET value = ? WHERE key = 'schema_version'`, SchemaVersion+41)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dbPath, db.DefaultBusyTimeout, logger.Default())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(dbPath, db.DefaultBusyTimeout, logger.Default())
	require.NoError(t, err)
	task := mustCreate(t, s, CreateTaskInput{Prompt: "durable"})
	require.NoError(t, s.Close())

	s, err = Open(dbPath, db.DefaultBusyTimeout, logger.Default())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Prompt)
}

func TestSetPlanReplacesAndUnlinksMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, CreateTaskInput{Prompt: "plan me"})

	oldSteps, err := s.SetPlan(ctx, task.ID, []PlanStepInput{
		{Title: "Old step 1"}, {Title: "Old step 2"},
	})
	require.NoError(t, err)
	require.Len(t, oldSteps, 2)

	msg, err := s.AddTaskMessage(ctx, &TaskMessage{
		TaskID: task.ID, PlanStepID: &oldSteps[0].ID, Role: RoleAssistant, Content: "step output",
	})
	require.NoError(t, err)
	require.NotNil(t, msg.PlanStepID)

	// Step numbers are renumbered contiguously regardless of the input.
	newSteps, err := s.SetPlan(ctx, task.ID, []PlanStepInput{
		{StepNumber: 7, Title: "New step"}, {StepNumber: 3, Title: "Another"},
	})
	require.NoError(t, err)
	require.Len(t, newSteps, 2)
	assert.Equal(t, 1, newSteps[0].StepNumber)
	assert.Equal(t, 2, newSteps[1].StepNumber)
	assert.Equal(t, StepStatusPending, newSteps[0].Status)

	msgs, err := s.ListTaskMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].PlanStepID, "replacing the plan must unlink old messages")

	listed, err := s.ListPlanSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "New step", listed[0].Title)
}

func TestSetPlanValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, CreateTaskInput{Prompt: "plan me"})

	_, err := s.SetPlan(ctx, task.ID, nil)
	assert.Error(t, err, "empty plan rejected")
	_, err = s.SetPlan(ctx, task.ID, []PlanStepInput{{Title: ""}})
	assert.Error(t, err, "untitled step rejected")
	_, err = s.SetPlan(ctx, "ghost", []PlanStepInput{{Title: "Step"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePlanStepStatusStampsTimes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, CreateTaskInput{Prompt: "steps"})
	steps, err := s.SetPlan(ctx, task.ID, []PlanStepInput{{Title: "Only"}})
	require.NoError(t, err)

	started := time.Now().Add(-time.Minute)
	require.NoError(t, s.UpdatePlanStepStatus(ctx, steps[0].ID, StepStatusRunning, started))
	// A second running transition must not move startedAt.
	require.NoError(t, s.UpdatePlanStepStatus(ctx, steps[0].ID, StepStatusRunning, time.Now()))
	require.NoError(t, s.UpdatePlanStepStatus(ctx, steps[0].ID, StepStatusCompleted, time.Now()))

	listed, err := s.ListPlanSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StepStatusCompleted, listed[0].Status)
	require.NotNil(t, listed[0].StartedAt)
	require.NotNil(t, listed[0].CompletedAt)
	assert.Equal(t, started.UTC().Unix(), listed[0].StartedAt.Unix())

	assert.ErrorIs(t, s.UpdatePlanStepStatus(ctx, 9999, StepStatusRunning, time.Now()), ErrNotFound)
}

func TestConversationImplicitUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// First message creates the conversation on the fly.
	_, err := s.AddConversationMessage(ctx, &ConversationMessage{
		ConversationID: "conv-1", TaskID: "t1", Role: RoleUser, Content: "hi",
	})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, ConversationStatusActive, conv.Status)

	// Later messages bump updatedAt, last model and token totals.
	_, err = s.AddConversationMessage(ctx, &ConversationMessage{
		ConversationID: "conv-1", TaskID: "t1", Role: RoleAssistant,
		Content: "hello", ModelID: "gpt-large", TokenCount: 12,
	})
	require.NoError(t, err)

	conv, err = s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-large", conv.LastModel)
	assert.Equal(t, int64(12), conv.TotalTokens)
}

func TestListConversationMessagesLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := s.AddConversationMessage(ctx, &ConversationMessage{
			ConversationID: "conv-1", Role: RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.ListConversationMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "message 0", all[0].Content)

	// A positive limit keeps the newest N, still oldest-first.
	recent, err := s.ListConversationMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "message 3", recent[0].Content)
	assert.Equal(t, "message 4", recent[1].Content)
}

func TestPreferencesIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPreference(ctx, "run_mode", "manual", time.Now()))
	require.NoError(t, s.SetPreference(ctx, "run_mode", "manual", time.Now()))

	value, err := s.GetPreference(ctx, "run_mode")
	require.NoError(t, err)
	assert.Equal(t, "manual", value)

	require.NoError(t, s.SetPreference(ctx, "run_mode", "all", time.Now()))
	value, err = s.GetPreference(ctx, "run_mode")
	require.NoError(t, err)
	assert.Equal(t, "all", value)

	_, err = s.GetPreference(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModelConfigSingleDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertModelConfig(ctx, &ModelConfig{
		ID: "m1", DisplayName: "Model 1", IsEnabled: true, IsDefault: true,
	}, time.Now()))
	require.NoError(t, s.UpsertModelConfig(ctx, &ModelConfig{
		ID: "m2", DisplayName: "Model 2", IsEnabled: true, IsDefault: true,
	}, time.Now()))

	def, err := s.GetDefaultModelConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", def.ID, "newest default wins")

	m1, err := s.GetModelConfig(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m1.IsDefault, "previous default is cleared")
}

func TestUpsertAttachmentDeduplicatesBySHA(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sha := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	first, err := s.UpsertAttachment(ctx, &Attachment{
		ID: "att-1", SHA256: sha, ContentType: "image/png",
		SizeBytes: 10, StorageKey: "01/" + sha + ".png",
	})
	require.NoError(t, err)

	second, err := s.UpsertAttachment(ctx, &Attachment{
		ID: "att-2", SHA256: sha, ContentType: "image/png",
		SizeBytes: 10, StorageKey: "01/" + sha + ".png",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same bytes map to one row")

	task := mustCreate(t, s, CreateTaskInput{Prompt: "with image"})
	require.NoError(t, s.LinkAttachmentsToTask(ctx, task.ID, []string{first.ID}, time.Now()))
	// Linking again is a no-op, not an error.
	require.NoError(t, s.LinkAttachmentsToTask(ctx, task.ID, []string{first.ID}, time.Now()))

	linked, err := s.ListAttachmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}
