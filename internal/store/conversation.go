package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertConversation creates or updates a conversation row. An existing
// row's createdAt is preserved; updatedAt always advances to now.
func (s *Store) UpsertConversation(ctx context.Context, conv *Conversation, now time.Time) error {
	if conv.ID == "" {
		return NewValidationError("id", "must not be empty")
	}
	if conv.Status == "" {
		conv.Status = ConversationStatusActive
	}
	now = now.UTC()

	responseIDs, err := json.Marshal(conv.ModelResponseIDs)
	if err != nil {
		responseIDs = []byte("{}")
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var createdAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT created_at FROM conversations WHERE id = ?`, conv.ID).Scan(&createdAt)
		if err == sql.ErrNoRows {
			conv.CreatedAt = now
			conv.UpdatedAt = now
			_, err = tx.ExecContext(ctx, `
				INSERT INTO conversations (id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, conv.ID, conv.TaskID, conv.Title, conv.TotalTokens, conv.LastModel,
				string(responseIDs), conv.Status, conv.CreatedAt, conv.UpdatedAt)
			return err
		}
		if err != nil {
			return err
		}
		conv.CreatedAt = createdAt
		conv.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET task_id = ?, title = ?, total_tokens = ?,
				last_model = ?, model_response_ids = ?, status = ?, updated_at = ?
			WHERE id = ?
		`, conv.TaskID, conv.Title, conv.TotalTokens, conv.LastModel,
			string(responseIDs), conv.Status, conv.UpdatedAt, conv.ID)
		return err
	})
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	var responseIDs string
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.TaskID, &conv.Title, &conv.TotalTokens,
		&conv.LastModel, &responseIDs, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(responseIDs), &conv.ModelResponseIDs)
	return conv, nil
}

// AddConversationMessage appends a message to a conversation, implicitly
// upserting the parent conversation with updatedAt = message.createdAt.
func (s *Store) AddConversationMessage(ctx context.Context, msg *ConversationMessage) (*ConversationMessage, error) {
	if msg.ConversationID == "" {
		return nil, NewValidationError("conversationId", "must not be empty")
	}
	if msg.Content == "" {
		return nil, NewValidationError("content", "must not be empty")
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Implicit parent upsert keeps updatedAt tracking the newest message.
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (id, task_id, status, created_at, updated_at)
				VALUES (?, ?, 'active', ?, ?)
			`, msg.ConversationID, msg.TaskID, msg.CreatedAt, msg.CreatedAt); err != nil {
				return err
			}
		} else {
			updates := `updated_at = ?`
			args := []any{msg.CreatedAt}
			if msg.ModelID != "" {
				updates += `, last_model = ?`
				args = append(args, msg.ModelID)
			}
			if msg.TokenCount > 0 {
				updates += `, total_tokens = total_tokens + ?`
				args = append(args, msg.TokenCount)
			}
			args = append(args, msg.ConversationID)
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET `+updates+` WHERE id = ?`, args...); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (conversation_id, task_id, plan_step_id, role, content, message_type, model_id, token_count, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ConversationID, msg.TaskID, msg.PlanStepID, msg.Role, msg.Content,
			msg.MessageType, msg.ModelID, msg.TokenCount, string(metadata), msg.CreatedAt)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListConversationMessages returns a conversation's log in creation order,
// newest last. A positive limit returns only the most recent messages.
func (s *Store) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*ConversationMessage, error) {
	query := `
		SELECT id, conversation_id, task_id, plan_step_id, role, content, message_type, model_id, token_count, metadata, created_at
		FROM conversation_messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		// Take the newest N, then re-sort ascending.
		query = `SELECT * FROM (
			SELECT id, conversation_id, task_id, plan_step_id, role, content, message_type, model_id, token_count, metadata, created_at
			FROM conversation_messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*ConversationMessage
	for rows.Next() {
		msg := &ConversationMessage{}
		var stepID sql.NullInt64
		var metadata string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.TaskID, &stepID,
			&msg.Role, &msg.Content, &msg.MessageType, &msg.ModelID,
			&msg.TokenCount, &metadata, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if stepID.Valid {
			v := stepID.Int64
			msg.PlanStepID = &v
		}
		_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
