package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	// DefaultMaxRetries is the retry budget applied when none is given.
	DefaultMaxRetries = 3

	// maxDerivedTitleRunes caps titles derived from the prompt.
	maxDerivedTitleRunes = 32
)

// CreateTaskInput describes a task to create.
type CreateTaskInput struct {
	ID             string
	Title          string
	Prompt         string
	Model          string
	ModelParams    map[string]any
	Priority       int
	InheritContext bool
	ParentTaskID   string
	ThreadID       string
	MaxRetries     *int
	CreatedBy      string
}

// CreateTaskOptions tweaks creation behavior.
type CreateTaskOptions struct {
	// Status overrides the default "pending" initial status.
	Status TaskStatus
}

// UpdateTaskInput is a partial task update; nil fields are left untouched.
type UpdateTaskInput struct {
	Title       *string
	Prompt      *string
	Model       *string
	ModelParams map[string]any
	Status      *TaskStatus
	Priority    *int
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ThreadID    *string
	Result      *string
	LastError   *string
	RetryCount  *int

	// ClearTimes resets started/completed/archived timestamps and the
	// result. Used by the retry path.
	ClearTimes bool
}

// taskColumns is the canonical select list for task rows.
const taskColumns = `id, title, prompt, model, model_params, status, priority, queue_order,
	queued_at, started_at, completed_at, archived_at, prompt_injected_at,
	inherit_context, parent_task_id, thread_id, result, last_error,
	retry_count, max_retries, created_at, created_by`

// CreateTask validates input, derives defaults (id, title, queue order,
// thread id), and inserts the row, returning the fully-populated task.
func (s *Store) CreateTask(ctx context.Context, input CreateTaskInput, now time.Time, opts *CreateTaskOptions) (*Task, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, NewValidationError("prompt", "must not be empty")
	}

	status := TaskStatusPending
	if opts != nil && opts.Status != "" {
		if !opts.Status.IsValid() {
			return nil, NewValidationError("status", "unknown status "+string(opts.Status))
		}
		status = opts.Status
	}

	task := &Task{
		ID:             input.ID,
		Title:          input.Title,
		Prompt:         input.Prompt,
		Model:          input.Model,
		ModelParams:    input.ModelParams,
		Status:         status,
		Priority:       input.Priority,
		InheritContext: input.InheritContext,
		ParentTaskID:   input.ParentTaskID,
		ThreadID:       input.ThreadID,
		MaxRetries:     DefaultMaxRetries,
		CreatedAt:      now.UTC(),
		CreatedBy:      input.CreatedBy,
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Title == "" {
		task.Title = deriveTitle(input.Prompt)
	}
	if input.MaxRetries != nil {
		task.MaxRetries = *input.MaxRetries
		if task.MaxRetries < 0 {
			task.MaxRetries = 0
		}
	}
	if status == TaskStatusQueued {
		q := task.CreatedAt
		task.QueuedAt = &q
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// queue_order is allocated on the same connection so concurrent
		// creates cannot observe the same MAX.
		var maxOrder int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(queue_order), 0) FROM tasks`).Scan(&maxOrder); err != nil {
			return err
		}
		task.QueueOrder = maxOrder + 1

		if task.ThreadID == "" {
			threadID, err := s.deriveThreadID(ctx, tx, task)
			if err != nil {
				return err
			}
			task.ThreadID = threadID
		}

		params, err := json.Marshal(task.ModelParams)
		if err != nil {
			params = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, prompt, model, model_params, status, priority,
				queue_order, queued_at, inherit_context, parent_task_id, thread_id,
				retry_count, max_retries, created_at, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, task.ID, task.Title, task.Prompt, task.Model, string(params), task.Status,
			task.Priority, task.QueueOrder, task.QueuedAt, boolToInt(task.InheritContext),
			task.ParentTaskID, task.ThreadID, task.MaxRetries, task.CreatedAt, task.CreatedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// deriveThreadID picks the conversation thread for a new task: with inherited
// context, reuse the most recently created prior task's thread; otherwise
// start a fresh conv-<taskId> thread.
func (s *Store) deriveThreadID(ctx context.Context, tx *sqlx.Tx, task *Task) (string, error) {
	if task.InheritContext {
		var threadID string
		err := tx.QueryRowContext(ctx, `
			SELECT thread_id FROM tasks
			WHERE id != ? AND thread_id != ''
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, task.ID).Scan(&threadID)
		if err == nil && threadID != "" {
			return threadID, nil
		}
		if err != nil && err != sql.ErrNoRows {
			return "", err
		}
	}
	return "conv-" + task.ID, nil
}

// deriveTitle takes the first non-empty line of the prompt, capped at 32
// runes with an ellipsis.
func deriveTitle(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxDerivedTitleRunes {
			return line
		}
		runes := []rune(line)
		return string(runes[:maxDerivedTitleRunes-1]) + "…"
	}
	return "Untitled task"
}

// GetTask retrieves a task by id. Returns ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTaskRow(s.ro.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

// ListTasks returns tasks ordered by queue position, optionally filtered
// by status and limited.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		if !status.IsValid() {
			return nil, NewValidationError("status", "unknown status "+string(status))
		}
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY queue_order ASC, created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// UpdateTask merges a partial update into the stored row, normalizing
// lifecycle timestamps per the status machine.
func (s *Store) UpdateTask(ctx context.Context, id string, input UpdateTaskInput, now time.Time) (*Task, error) {
	now = now.UTC()
	var updated *Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		task, err := scanTaskRow(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return err
		}

		prevStatus := task.Status
		applyTaskUpdate(task, input)

		if input.Status != nil {
			if !input.Status.IsValid() {
				return NewValidationError("status", "unknown status "+string(*input.Status))
			}
			normalizeStatusTimes(task, prevStatus, now)
		}

		params, err := json.Marshal(task.ModelParams)
		if err != nil {
			params = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, prompt = ?, model = ?, model_params = ?,
				status = ?, priority = ?, queued_at = ?, started_at = ?,
				completed_at = ?, archived_at = ?, thread_id = ?, result = ?,
				last_error = ?, retry_count = ?
			WHERE id = ?
		`, task.Title, task.Prompt, task.Model, string(params), task.Status,
			task.Priority, task.QueuedAt, task.StartedAt, task.CompletedAt,
			task.ArchivedAt, task.ThreadID, task.Result, task.LastError,
			task.RetryCount, task.ID)
		if err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyTaskUpdate(task *Task, input UpdateTaskInput) {
	if input.Title != nil {
		task.Title = *input.Title
	}
	if input.Prompt != nil {
		task.Prompt = *input.Prompt
	}
	if input.Model != nil {
		task.Model = *input.Model
	}
	if input.ModelParams != nil {
		task.ModelParams = input.ModelParams
	}
	if input.Status != nil {
		task.Status = *input.Status
	}
	if input.Priority != nil {
		task.Priority = *input.Priority
	}
	if input.QueuedAt != nil {
		task.QueuedAt = input.QueuedAt
	}
	if input.StartedAt != nil {
		task.StartedAt = input.StartedAt
	}
	if input.CompletedAt != nil {
		task.CompletedAt = input.CompletedAt
	}
	if input.ThreadID != nil {
		task.ThreadID = *input.ThreadID
	}
	if input.Result != nil {
		task.Result = *input.Result
	}
	if input.LastError != nil {
		task.LastError = *input.LastError
	}
	if input.RetryCount != nil {
		task.RetryCount = *input.RetryCount
	}
	if input.ClearTimes {
		task.StartedAt = nil
		task.CompletedAt = nil
		task.ArchivedAt = nil
		task.Result = ""
	}
}

// normalizeStatusTimes keeps the timestamp columns consistent on a status
// transition: startedAt on first run, completedAt iff terminal, archivedAt
// iff completed.
func normalizeStatusTimes(task *Task, prev TaskStatus, now time.Time) {
	if task.Status == TaskStatusRunning && task.StartedAt == nil {
		t := now
		task.StartedAt = &t
	}
	if task.Status.IsTerminal() {
		if task.CompletedAt == nil {
			t := now
			task.CompletedAt = &t
		}
	} else if prev.IsTerminal() {
		task.CompletedAt = nil
	}
	if task.Status == TaskStatusCompleted {
		if task.ArchivedAt == nil {
			t := now
			task.ArchivedAt = &t
		}
	} else {
		task.ArchivedAt = nil
	}
}

// MarkPromptInjected performs the write-once CAS on prompt_injected_at.
// Returns whether the update applied.
func (s *Store) MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.w.ExecContext(ctx, `
		UPDATE tasks SET prompt_injected_at = ?
		WHERE id = ? AND prompt_injected_at IS NULL
	`, now.UTC(), id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// claimAttempts bounds the claim/promote retry loop on row races.
const claimAttempts = 3

// ClaimNextPendingTask atomically claims the oldest pending task, moving it
// to running. Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextPendingTask(ctx context.Context, now time.Time) (*Task, error) {
	now = now.UTC()
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var claimed *Task
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			task, err := scanTaskRow(tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+` FROM tasks
				WHERE status = 'pending'
				ORDER BY queue_order ASC, created_at ASC LIMIT 1
			`))
			if err == ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'running',
					started_at = COALESCE(started_at, ?)
				WHERE id = ? AND status = 'pending'
			`, now, task.ID)
			if err != nil {
				return err
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if rows == 0 {
				// Raced; retry from the top.
				return nil
			}
			task.Status = TaskStatusRunning
			if task.StartedAt == nil {
				t := now
				task.StartedAt = &t
			}
			claimed = task
			return nil
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		// Either the table had no pending row or we lost a race. Check
		// whether anything remains to claim before looping.
		var pending int
		if err := s.w.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = 'pending'`).Scan(&pending); err != nil {
			return nil, err
		}
		if pending == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

// DequeueNextQueuedTask promotes the oldest queued task to pending.
// Returns (nil, nil) when there is nothing queued.
func (s *Store) DequeueNextQueuedTask(ctx context.Context, now time.Time) (*Task, error) {
	now = now.UTC()
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var promoted *Task
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			task, err := scanTaskRow(tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+` FROM tasks
				WHERE status = 'queued'
				ORDER BY queued_at ASC, queue_order ASC, created_at ASC, id ASC LIMIT 1
			`))
			if err == ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'queued'
			`, task.ID)
			if err != nil {
				return err
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if rows == 0 {
				return nil
			}
			task.Status = TaskStatusPending
			promoted = task
			return nil
		})
		if err != nil {
			return nil, err
		}
		if promoted != nil {
			return promoted, nil
		}
		var queued int
		if err := s.w.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = 'queued'`).Scan(&queued); err != nil {
			return nil, err
		}
		if queued == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

// DeleteTask removes a task and its dependent rows in one transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM task_messages WHERE task_id = ?`,
			`DELETE FROM task_contexts WHERE task_id = ?`,
			`DELETE FROM plan_steps WHERE task_id = ?`,
			`DELETE FROM task_attachments WHERE task_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MovePendingTask swaps a pending task's queue position with its adjacent
// pending neighbor in the given direction ("up" or "down").
func (s *Store) MovePendingTask(ctx context.Context, id, direction string) error {
	if direction != "up" && direction != "down" {
		return NewValidationError("direction", `must be "up" or "down"`)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		task, err := scanTaskRow(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if task.Status != TaskStatusPending {
			return NewValidationError("id", "task is not pending")
		}

		var neighborQuery string
		if direction == "up" {
			neighborQuery = `
				SELECT ` + taskColumns + ` FROM tasks
				WHERE status = 'pending' AND queue_order < ?
				ORDER BY queue_order DESC LIMIT 1`
		} else {
			neighborQuery = `
				SELECT ` + taskColumns + ` FROM tasks
				WHERE status = 'pending' AND queue_order > ?
				ORDER BY queue_order ASC LIMIT 1`
		}
		neighbor, err := scanTaskRow(tx.QueryRowContext(ctx, neighborQuery, task.QueueOrder))
		if err == ErrNotFound {
			// Already at the edge.
			return nil
		}
		if err != nil {
			return err
		}

		a, b := task.QueueOrder, neighbor.QueueOrder
		if a == b {
			// Tied orders cannot swap meaningfully; bump the moved task past
			// its neighbor instead.
			if direction == "up" {
				a = b - 1
			} else {
				a = b + 1
			}
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET queue_order = ? WHERE id = ?`, a, task.ID)
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET queue_order = ? WHERE id = ?`, b, task.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET queue_order = ? WHERE id = ?`, a, neighbor.ID)
		return err
	})
}

// ReorderPendingTasks applies a partial reorder: the supplied ids are
// overlaid, in the given order, onto the queue positions those ids
// previously occupied; untouched pending tasks keep their relative
// positions. Affected rows are renumbered contiguously starting at the
// smallest existing pending queue order.
func (s *Store) ReorderPendingTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return NewValidationError("ids", "duplicate id "+id)
		}
		seen[id] = true
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'pending'
			ORDER BY queue_order ASC, created_at ASC
		`)
		if err != nil {
			return err
		}
		pending, err := scanTasks(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}

		pendingIndex := make(map[string]int, len(pending))
		for i, t := range pending {
			pendingIndex[t.ID] = i
		}
		for _, id := range ids {
			if _, ok := pendingIndex[id]; !ok {
				return NewValidationError("ids", "task "+id+" is not pending")
			}
		}

		// Overlay: the positions previously held by the supplied subset
		// receive the subset in its new order.
		newSeq := make([]*Task, len(pending))
		copy(newSeq, pending)
		slot := 0
		for i, t := range pending {
			if seen[t.ID] {
				newSeq[i] = pending[pendingIndex[ids[slot]]]
				slot++
			}
		}

		base := pending[0].QueueOrder
		for i, t := range newSeq {
			order := base + int64(i)
			if t.QueueOrder == order {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET queue_order = ? WHERE id = ?`, order, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanTaskRow(row *sql.Row) (*Task, error) {
	task := &Task{}
	var (
		params         string
		queuedAt       sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		archivedAt     sql.NullTime
		promptInjected sql.NullTime
		inherit        int
	)
	err := row.Scan(&task.ID, &task.Title, &task.Prompt, &task.Model, &params,
		&task.Status, &task.Priority, &task.QueueOrder, &queuedAt, &startedAt,
		&completedAt, &archivedAt, &promptInjected, &inherit, &task.ParentTaskID,
		&task.ThreadID, &task.Result, &task.LastError, &task.RetryCount,
		&task.MaxRetries, &task.CreatedAt, &task.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.QueuedAt = nullableTime(queuedAt)
	task.StartedAt = nullableTime(startedAt)
	task.CompletedAt = nullableTime(completedAt)
	task.ArchivedAt = nullableTime(archivedAt)
	task.PromptInjectedAt = nullableTime(promptInjected)
	task.InheritContext = inherit != 0
	_ = json.Unmarshal([]byte(params), &task.ModelParams)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		var (
			params         string
			queuedAt       sql.NullTime
			startedAt      sql.NullTime
			completedAt    sql.NullTime
			archivedAt     sql.NullTime
			promptInjected sql.NullTime
			inherit        int
		)
		err := rows.Scan(&task.ID, &task.Title, &task.Prompt, &task.Model, &params,
			&task.Status, &task.Priority, &task.QueueOrder, &queuedAt, &startedAt,
			&completedAt, &archivedAt, &promptInjected, &inherit, &task.ParentTaskID,
			&task.ThreadID, &task.Result, &task.LastError, &task.RetryCount,
			&task.MaxRetries, &task.CreatedAt, &task.CreatedBy)
		if err != nil {
			return nil, err
		}
		task.QueuedAt = nullableTime(queuedAt)
		task.StartedAt = nullableTime(startedAt)
		task.CompletedAt = nullableTime(completedAt)
		task.ArchivedAt = nullableTime(archivedAt)
		task.PromptInjectedAt = nullableTime(promptInjected)
		task.InheritContext = inherit != 0
		_ = json.Unmarshal([]byte(params), &task.ModelParams)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
