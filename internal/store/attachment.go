package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// allowedAttachmentTypes is the image-only content-type set the core accepts.
var allowedAttachmentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// IsAllowedAttachmentType reports whether the content type is accepted.
func IsAllowedAttachmentType(contentType string) bool {
	return allowedAttachmentTypes[contentType]
}

// UpsertAttachment inserts an attachment row, or returns the existing row
// when one with the same sha256 is already present (content addressing).
func (s *Store) UpsertAttachment(ctx context.Context, att *Attachment) (*Attachment, error) {
	if att.SHA256 == "" {
		return nil, NewValidationError("sha256", "must not be empty")
	}
	if !IsAllowedAttachmentType(att.ContentType) {
		return nil, NewValidationError("contentType", "unsupported content type "+att.ContentType)
	}
	if att.Kind == "" {
		att.Kind = "image"
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	var result *Attachment
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing := &Attachment{}
		err := tx.QueryRowContext(ctx, `
			SELECT id, sha256, content_type, size_bytes, width, height, filename, storage_key, kind, created_at
			FROM attachments WHERE sha256 = ?
		`, att.SHA256).Scan(&existing.ID, &existing.SHA256, &existing.ContentType,
			&existing.SizeBytes, &existing.Width, &existing.Height,
			&existing.Filename, &existing.StorageKey, &existing.Kind, &existing.CreatedAt)
		if err == nil {
			result = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments (id, sha256, content_type, size_bytes, width, height, filename, storage_key, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, att.ID, att.SHA256, att.ContentType, att.SizeBytes, att.Width,
			att.Height, att.Filename, att.StorageKey, att.Kind, att.CreatedAt)
		if err != nil {
			return err
		}
		result = att
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LinkAttachmentsToTask attaches the given attachment ids to a task.
// Existing links are left as-is.
func (s *Store) LinkAttachmentsToTask(ctx context.Context, taskID string, attachmentIDs []string, now time.Time) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	now = now.UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		for _, attID := range attachmentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_attachments (task_id, attachment_id, created_at)
				VALUES (?, ?, ?)
			`, taskID, attID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnlinkAttachmentFromTask removes a task/attachment link. The blob and row
// are retained until garbage collection.
func (s *Store) UnlinkAttachmentFromTask(ctx context.Context, taskID, attachmentID string) error {
	_, err := s.w.ExecContext(ctx,
		`DELETE FROM task_attachments WHERE task_id = ? AND attachment_id = ?`,
		taskID, attachmentID)
	return err
}

// ListAttachmentsForTask returns the attachments linked to a task.
func (s *Store) ListAttachmentsForTask(ctx context.Context, taskID string) ([]*Attachment, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT a.id, a.sha256, a.content_type, a.size_bytes, a.width, a.height, a.filename, a.storage_key, a.kind, a.created_at
		FROM attachments a
		JOIN task_attachments ta ON ta.attachment_id = a.id
		WHERE ta.task_id = ?
		ORDER BY ta.created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAttachments(rows)
}

// ListUnlinkedAttachments returns attachment rows with no remaining task
// links; candidates for garbage collection.
func (s *Store) ListUnlinkedAttachments(ctx context.Context) ([]*Attachment, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT a.id, a.sha256, a.content_type, a.size_bytes, a.width, a.height, a.filename, a.storage_key, a.kind, a.created_at
		FROM attachments a
		WHERE NOT EXISTS (SELECT 1 FROM task_attachments ta WHERE ta.attachment_id = a.id)
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAttachments(rows)
}

// DeleteAttachment removes an attachment row (the caller removes the blob).
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	return err
}

func scanAttachments(rows *sql.Rows) ([]*Attachment, error) {
	var atts []*Attachment
	for rows.Next() {
		att := &Attachment{}
		if err := rows.Scan(&att.ID, &att.SHA256, &att.ContentType, &att.SizeBytes,
			&att.Width, &att.Height, &att.Filename, &att.StorageKey, &att.Kind,
			&att.CreatedAt); err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, rows.Err()
}
