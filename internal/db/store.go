// Package db provides durable persistence for pipelines, steps, approvals
// and webhook deliveries. Two implementations exist: a PostgreSQL store
// backed by pgx, and an in-memory store used when no DATABASE_URL is
// configured (and throughout the test suite).
package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrConflict indicates a conditional transition found the record in a state
// the transition does not permit. The in-memory and Postgres stores both
// return it so callers can map it to an HTTP 409/400 uniformly.
var ErrConflict = errors.New("conflicting state transition")

// Store is the persistence contract consumed by the engine, the approval
// gate and the HTTP layer. All Get methods return (nil, nil) when the record
// does not exist.
type Store interface {
	// CreatePipeline atomically creates a pipeline and its steps.
	CreatePipeline(ctx context.Context, input *PipelineInput, steps []StepInput) (*Pipeline, error)
	GetPipeline(ctx context.Context, id uuid.UUID) (*Pipeline, error)
	ListPipelines(ctx context.Context, limit, offset int) ([]Pipeline, error)
	ListPipelinesByStatus(ctx context.Context, statuses ...string) ([]Pipeline, error)
	// TransitionPipeline moves a pipeline to status `to` only if its current
	// status is one of `from`; otherwise it returns ErrConflict. It stamps
	// completed_at when `to` is terminal.
	TransitionPipeline(ctx context.Context, id uuid.UUID, to string, from ...string) (*Pipeline, error)

	GetStep(ctx context.Context, id uuid.UUID) (*Step, error)
	ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]Step, error)
	// UpdateStepStatus sets the step status, stamping started_at on the first
	// transition to running and completed_at on terminal transitions.
	UpdateStepStatus(ctx context.Context, id uuid.UUID, status string, stepErr *string) (*Step, error)
	// AppendStepLogs appends a chunk to the step's log text. Log history is
	// append-only across attempts.
	AppendStepLogs(ctx context.Context, id uuid.UUID, chunk string) error
	// ResetStepForRetry returns a failed step to pending with an incremented
	// attempt counter, clearing error and timestamps but retaining logs.
	ResetStepForRetry(ctx context.Context, id uuid.UUID) (*Step, error)

	CreateApproval(ctx context.Context, pipelineID, stepID uuid.UUID, stage string, expiresAt time.Time) (*Approval, error)
	GetApproval(ctx context.Context, id uuid.UUID) (*Approval, error)
	GetPendingApprovalForStep(ctx context.Context, stepID uuid.UUID) (*Approval, error)
	ListPendingApprovals(ctx context.Context) ([]Approval, error)
	// ResolveApproval closes a pending approval. If the approval is already
	// resolved it returns the existing resolution with changed=false, making
	// resolution idempotent at the storage layer.
	ResolveApproval(ctx context.Context, id uuid.UUID, status, resolvedBy string, comment *string) (approval *Approval, changed bool, err error)

	SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	HasWebhookDelivery(ctx context.Context, deliveryID string) (bool, error)
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, limit, offset int) ([]WebhookEvent, error)

	Close()
}
