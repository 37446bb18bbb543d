package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// SetPlan replaces a task's plan in a single transaction: prior steps are
// deleted, task messages pointing at them are unlinked, and the new steps
// are inserted numbered 1..N.
func (s *Store) SetPlan(ctx context.Context, taskID string, steps []PlanStepInput) ([]*PlanStep, error) {
	if len(steps) == 0 {
		return nil, NewValidationError("steps", "plan must contain at least one step")
	}
	for _, step := range steps {
		if step.Title == "" {
			return nil, NewValidationError("steps", "step title must not be empty")
		}
	}

	created := make([]*PlanStep, 0, len(steps))
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_messages SET plan_step_id = NULL
			WHERE task_id = ? AND plan_step_id IS NOT NULL
		`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM plan_steps WHERE task_id = ?`, taskID); err != nil {
			return err
		}

		for i, input := range steps {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO plan_steps (task_id, step_number, title, description, status)
				VALUES (?, ?, ?, ?, 'pending')
			`, taskID, i+1, input.Title, input.Description)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			created = append(created, &PlanStep{
				ID:          id,
				TaskID:      taskID,
				StepNumber:  i + 1,
				Title:       input.Title,
				Description: input.Description,
				Status:      StepStatusPending,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListPlanSteps returns a task's plan ordered by step number.
func (s *Store) ListPlanSteps(ctx context.Context, taskID string) ([]*PlanStep, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, task_id, step_number, title, description, status, started_at, completed_at
		FROM plan_steps WHERE task_id = ? ORDER BY step_number ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []*PlanStep
	for rows.Next() {
		step := &PlanStep{}
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&step.ID, &step.TaskID, &step.StepNumber, &step.Title,
			&step.Description, &step.Status, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		step.StartedAt = nullableTime(startedAt)
		step.CompletedAt = nullableTime(completedAt)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdatePlanStepStatus moves a step through its lifecycle, stamping
// started/completed times on the corresponding transitions.
func (s *Store) UpdatePlanStepStatus(ctx context.Context, stepID int64, status StepStatus, now time.Time) error {
	now = now.UTC()
	var res sql.Result
	var err error
	switch status {
	case StepStatusRunning:
		res, err = s.w.ExecContext(ctx, `
			UPDATE plan_steps SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ?
		`, status, now, stepID)
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		res, err = s.w.ExecContext(ctx, `
			UPDATE plan_steps SET status = ?, completed_at = COALESCE(completed_at, ?)
			WHERE id = ?
		`, status, now, stepID)
	case StepStatusPending:
		res, err = s.w.ExecContext(ctx,
			`UPDATE plan_steps SET status = ? WHERE id = ?`, status, stepID)
	default:
		return NewValidationError("status", "unknown step status "+string(status))
	}
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
}
