package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const pipelineColumns = `id, repo, ref, version, status, trigger, trigger_data, created_at, updated_at, completed_at`

func scanPipeline(row pgx.Row) (*Pipeline, error) {
	var p Pipeline
	var triggerData []byte
	err := row.Scan(&p.ID, &p.Repo, &p.Ref, &p.Version, &p.Status, &p.Trigger,
		&triggerData, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	if triggerData != nil {
		_ = json.Unmarshal(triggerData, &p.TriggerData)
	}
	return &p, nil
}

// CreatePipeline creates a pipeline record and its steps in one transaction.
func (db *DB) CreatePipeline(ctx context.Context, input *PipelineInput, steps []StepInput) (*Pipeline, error) {
	status := input.Status
	if status == "" {
		status = PipelineStatusPending
	}

	var triggerData []byte
	if input.TriggerData != nil {
		var err error
		triggerData, err = json.Marshal(input.TriggerData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trigger data: %w", err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id := uuid.New()
	row := tx.QueryRow(ctx,
		`INSERT INTO pipelines (id, repo, ref, version, status, trigger, trigger_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+pipelineColumns,
		id, input.Repo, input.Ref, input.Version, status, input.Trigger, triggerData,
	)
	pipeline, err := scanPipeline(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	for _, s := range steps {
		stepStatus := s.Status
		if stepStatus == "" {
			stepStatus = StepStatusPending
		}
		var step Step
		err := tx.QueryRow(ctx,
			`INSERT INTO pipeline_steps (id, pipeline_id, name, stage, seq, status, requires_approval)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+stepColumns,
			uuid.New(), id, s.Name, s.Stage, s.Seq, stepStatus, s.RequiresApproval,
		).Scan(stepFields(&step)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create step %s: %w", s.Name, err)
		}
		pipeline.Steps = append(pipeline.Steps, step)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit pipeline create: %w", err)
	}
	return pipeline, nil
}

// GetPipeline retrieves a pipeline with its steps.
func (db *DB) GetPipeline(ctx context.Context, id uuid.UUID) (*Pipeline, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	pipeline, err := scanPipeline(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	steps, err := db.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	pipeline.Steps = steps
	return pipeline, nil
}

// ListPipelines retrieves pipelines newest first.
func (db *DB) ListPipelines(ctx context.Context, limit, offset int) ([]Pipeline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()
	return collectPipelines(rows)
}

// ListPipelinesByStatus retrieves pipelines in any of the given statuses, newest first.
func (db *DB) ListPipelinesByStatus(ctx context.Context, statuses ...string) ([]Pipeline, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE status = ANY($1) ORDER BY created_at DESC`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines by status: %w", err)
	}
	defer rows.Close()
	return collectPipelines(rows)
}

func collectPipelines(rows pgx.Rows) ([]Pipeline, error) {
	var pipelines []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// TransitionPipeline conditionally moves a pipeline between statuses. The
// UPDATE carries the allowed source statuses in its WHERE clause so that the
// read-modify-write is a single atomic statement.
func (db *DB) TransitionPipeline(ctx context.Context, id uuid.UUID, to string, from ...string) (*Pipeline, error) {
	var completedAt *time.Time
	if PipelineTerminal(to) {
		now := time.Now().UTC()
		completedAt = &now
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE pipelines
		 SET status = $1, updated_at = NOW(), completed_at = COALESCE($2, completed_at)
		 WHERE id = $3 AND status = ANY($4)
		 RETURNING `+pipelineColumns,
		to, completedAt, id, from)
	pipeline, err := scanPipeline(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Either missing or in a state the transition does not allow.
			existing, gerr := db.GetPipeline(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			if existing == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("pipeline %s is %s: %w", id, existing.Status, ErrConflict)
		}
		return nil, fmt.Errorf("failed to transition pipeline: %w", err)
	}
	return pipeline, nil
}
