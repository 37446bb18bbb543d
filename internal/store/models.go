package store

import (
	"fmt"
	"time"
)

// TaskStatus enumerates the task status machine states.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsValid reports whether the status is part of the machine.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPending, TaskStatusPlanning, TaskStatusRunning,
		TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// StepStatus enumerates plan step states.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// MessageRole enumerates task/conversation message roles.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Task is a unit of work tracked by the queue.
type Task struct {
	ID               string         `db:"id"`
	Title            string         `db:"title"`
	Prompt           string         `db:"prompt"`
	Model            string         `db:"model"`
	ModelParams      map[string]any `db:"-"`
	Status           TaskStatus     `db:"status"`
	Priority         int            `db:"priority"`
	QueueOrder       int64          `db:"queue_order"`
	QueuedAt         *time.Time     `db:"queued_at"`
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	ArchivedAt       *time.Time     `db:"archived_at"`
	PromptInjectedAt *time.Time     `db:"prompt_injected_at"`
	InheritContext   bool           `db:"inherit_context"`
	ParentTaskID     string         `db:"parent_task_id"`
	ThreadID         string         `db:"thread_id"`
	Result           string         `db:"result"`
	LastError        string         `db:"last_error"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	CreatedAt        time.Time      `db:"created_at"`
	CreatedBy        string         `db:"created_by"`
}

// PlanStep is one ordered subtask within a Task.
type PlanStep struct {
	ID          int64      `db:"id"`
	TaskID      string     `db:"task_id"`
	StepNumber  int        `db:"step_number"`
	Title       string     `db:"title"`
	Description string     `db:"description"`
	Status      StepStatus `db:"status"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// PlanStepInput is the planner's description of a step to create.
type PlanStepInput struct {
	StepNumber  int
	Title       string
	Description string
}

// TaskMessage is one message in a task's transcript, optionally tied to a
// plan step (the link is severed when the plan is replaced).
type TaskMessage struct {
	ID          int64       `db:"id"`
	TaskID      string      `db:"task_id"`
	PlanStepID  *int64      `db:"plan_step_id"`
	Role        MessageRole `db:"role"`
	Content     string      `db:"content"`
	MessageType string      `db:"message_type"`
	ModelUsed   string      `db:"model_used"`
	TokenCount  int         `db:"token_count"`
	CreatedAt   time.Time   `db:"created_at"`
}

// TaskContext is an append-only side log entry per task, used for
// post-mortem summaries written at terminal transitions.
type TaskContext struct {
	ID          int64     `db:"id"`
	TaskID      string    `db:"task_id"`
	ContextType string    `db:"context_type"`
	Content     string    `db:"content"`
	CreatedAt   time.Time `db:"created_at"`
}

// Conversation is a multi-task thread of record.
type Conversation struct {
	ID               string            `db:"id"`
	TaskID           string            `db:"task_id"`
	Title            string            `db:"title"`
	TotalTokens      int64             `db:"total_tokens"`
	LastModel        string            `db:"last_model"`
	ModelResponseIDs map[string]string `db:"-"`
	Status           string            `db:"status"`
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
}

// Conversation statuses.
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

// ConversationMessage is an ordered log entry under a Conversation.
type ConversationMessage struct {
	ID             int64          `db:"id"`
	ConversationID string         `db:"conversation_id"`
	TaskID         string         `db:"task_id"`
	PlanStepID     *int64         `db:"plan_step_id"`
	Role           MessageRole    `db:"role"`
	Content        string         `db:"content"`
	MessageType    string         `db:"message_type"`
	ModelID        string         `db:"model_id"`
	TokenCount     int            `db:"token_count"`
	Metadata       map[string]any `db:"-"`
	CreatedAt      time.Time      `db:"created_at"`
}

// ModelConfig is a registry row for a selectable model.
type ModelConfig struct {
	ID          string    `db:"id"`
	DisplayName string    `db:"display_name"`
	Provider    string    `db:"provider"`
	IsEnabled   bool      `db:"is_enabled"`
	IsDefault   bool      `db:"is_default"`
	ConfigJSON  string    `db:"config_json"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Attachment is a content-addressed image blob row.
type Attachment struct {
	ID          string    `db:"id"`
	SHA256      string    `db:"sha256"`
	ContentType string    `db:"content_type"`
	SizeBytes   int64     `db:"size_bytes"`
	Width       int       `db:"width"`
	Height      int       `db:"height"`
	Filename    string    `db:"filename"`
	StorageKey  string    `db:"storage_key"`
	Kind        string    `db:"kind"`
	CreatedAt   time.Time `db:"created_at"`
}

// ValidationError rejects user input at the API boundary. It is surfaced
// verbatim to the caller and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
