package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const approvalColumns = `id, pipeline_id, step_id, stage, status, requested_at, expires_at, resolved_at, resolved_by, comment`

func approvalFields(a *Approval) []interface{} {
	return []interface{}{
		&a.ID, &a.PipelineID, &a.StepID, &a.Stage, &a.Status,
		&a.RequestedAt, &a.ExpiresAt, &a.ResolvedAt, &a.ResolvedBy, &a.Comment,
	}
}

// CreateApproval creates a pending approval request for a step.
func (db *DB) CreateApproval(ctx context.Context, pipelineID, stepID uuid.UUID, stage string, expiresAt time.Time) (*Approval, error) {
	var approval Approval
	err := db.pool.QueryRow(ctx,
		`INSERT INTO approvals (id, pipeline_id, step_id, stage, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+approvalColumns,
		uuid.New(), pipelineID, stepID, stage, ApprovalStatusPending, expiresAt,
	).Scan(approvalFields(&approval)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return &approval, nil
}

// GetApproval retrieves an approval by ID.
func (db *DB) GetApproval(ctx context.Context, id uuid.UUID) (*Approval, error) {
	var approval Approval
	err := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id,
	).Scan(approvalFields(&approval)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return &approval, nil
}

// GetPendingApprovalForStep retrieves the open approval for a step, if any.
// At most one open approval exists per step.
func (db *DB) GetPendingApprovalForStep(ctx context.Context, stepID uuid.UUID) (*Approval, error) {
	var approval Approval
	err := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE step_id = $1 AND status = $2`, stepID, ApprovalStatusPending,
	).Scan(approvalFields(&approval)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}
	return &approval, nil
}

// ListPendingApprovals retrieves all open approvals, newest first.
func (db *DB) ListPendingApprovals(ctx context.Context) ([]Approval, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status = $1 ORDER BY requested_at DESC`, ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(approvalFields(&a)...); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ResolveApproval closes a pending approval. The WHERE clause only matches
// pending rows, so concurrent resolutions race on a single atomic UPDATE:
// the loser observes zero rows and receives the winner's resolution with
// changed=false.
func (db *DB) ResolveApproval(ctx context.Context, id uuid.UUID, status, resolvedBy string, comment *string) (*Approval, bool, error) {
	var approval Approval
	err := db.pool.QueryRow(ctx,
		`UPDATE approvals
		 SET status = $1, resolved_at = NOW(), resolved_by = $2, comment = $3
		 WHERE id = $4 AND status = $5
		 RETURNING `+approvalColumns,
		status, resolvedBy, comment, id, ApprovalStatusPending,
	).Scan(approvalFields(&approval)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			existing, gerr := db.GetApproval(ctx, id)
			if gerr != nil {
				return nil, false, gerr
			}
			if existing == nil {
				return nil, false, nil
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to resolve approval: %w", err)
	}
	return &approval, true, nil
}
