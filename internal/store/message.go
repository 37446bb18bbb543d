package store

import (
	"context"
	"database/sql"
	"time"
)

// AddTaskMessage appends a message to a task's transcript.
func (s *Store) AddTaskMessage(ctx context.Context, msg *TaskMessage) (*TaskMessage, error) {
	if msg.TaskID == "" {
		return nil, NewValidationError("taskId", "must not be empty")
	}
	if msg.Content == "" {
		return nil, NewValidationError("content", "must not be empty")
	}
	switch msg.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return nil, NewValidationError("role", "unknown role "+string(msg.Role))
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.w.ExecContext(ctx, `
		INSERT INTO task_messages (task_id, plan_step_id, role, content, message_type, model_used, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.TaskID, msg.PlanStepID, msg.Role, msg.Content, msg.MessageType,
		msg.ModelUsed, msg.TokenCount, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListTaskMessages returns a task's transcript in creation order.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]*TaskMessage, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, task_id, plan_step_id, role, content, message_type, model_used, token_count, created_at
		FROM task_messages WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*TaskMessage
	for rows.Next() {
		msg := &TaskMessage{}
		var stepID sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.TaskID, &stepID, &msg.Role, &msg.Content,
			&msg.MessageType, &msg.ModelUsed, &msg.TokenCount, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if stepID.Valid {
			v := stepID.Int64
			msg.PlanStepID = &v
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AddTaskContext appends an entry to a task's side log.
func (s *Store) AddTaskContext(ctx context.Context, taskID, contextType, content string, now time.Time) error {
	if contextType == "" {
		return NewValidationError("contextType", "must not be empty")
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO task_contexts (task_id, context_type, content, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, contextType, content, now.UTC())
	return err
}

// ListTaskContexts returns a task's side log in creation order.
func (s *Store) ListTaskContexts(ctx context.Context, taskID string) ([]*TaskContext, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, task_id, context_type, content, created_at
		FROM task_contexts WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*TaskContext
	for rows.Next() {
		entry := &TaskContext{}
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.ContextType,
			&entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
