package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stepColumns = `id, pipeline_id, name, stage, seq, status, requires_approval, attempt, logs, error, started_at, completed_at`

func stepFields(s *Step) []interface{} {
	return []interface{}{
		&s.ID, &s.PipelineID, &s.Name, &s.Stage, &s.Seq, &s.Status,
		&s.RequiresApproval, &s.Attempt, &s.Logs, &s.Error, &s.StartedAt, &s.CompletedAt,
	}
}

// GetStep retrieves a step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (*Step, error) {
	var step Step
	err := db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM pipeline_steps WHERE id = $1`, id,
	).Scan(stepFields(&step)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &step, nil
}

// ListSteps retrieves all steps of a pipeline ordered by stage sequence.
func (db *DB) ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM pipeline_steps
		 WHERE pipeline_id = $1 ORDER BY seq`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		if err := rows.Scan(stepFields(&step)...); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStepStatus updates the status and related timestamps of a step.
func (db *DB) UpdateStepStatus(ctx context.Context, id uuid.UUID, status string, stepErr *string) (*Step, error) {
	now := time.Now().UTC()

	var startedAt *time.Time
	if status == StepStatusRunning {
		startedAt = &now
	}
	var completedAt *time.Time
	if StepTerminal(status) {
		completedAt = &now
	}

	var step Step
	err := db.pool.QueryRow(ctx,
		`UPDATE pipeline_steps
		 SET status = $1, error = $2,
		     started_at = COALESCE(started_at, $3),
		     completed_at = $4
		 WHERE id = $5
		 RETURNING `+stepColumns,
		status, stepErr, startedAt, completedAt, id,
	).Scan(stepFields(&step)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update step status: %w", err)
	}
	return &step, nil
}

// AppendStepLogs appends a chunk to the step's log text.
func (db *DB) AppendStepLogs(ctx context.Context, id uuid.UUID, chunk string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pipeline_steps SET logs = logs || $1 WHERE id = $2`, chunk, id)
	if err != nil {
		return fmt.Errorf("failed to append step logs: %w", err)
	}
	return nil
}

// ResetStepForRetry returns a failed step to pending for a fresh attempt.
// Logs are retained; the new attempt appends to them.
func (db *DB) ResetStepForRetry(ctx context.Context, id uuid.UUID) (*Step, error) {
	var step Step
	err := db.pool.QueryRow(ctx,
		`UPDATE pipeline_steps
		 SET status = $1, error = NULL, started_at = NULL, completed_at = NULL,
		     attempt = attempt + 1
		 WHERE id = $2 AND status = $3
		 RETURNING `+stepColumns,
		StepStatusPending, id, StepStatusFailed,
	).Scan(stepFields(&step)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			existing, gerr := db.GetStep(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			if existing == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("step %s is %s: %w", id, existing.Status, ErrConflict)
		}
		return nil, fmt.Errorf("failed to reset step: %w", err)
	}
	return &step, nil
}
