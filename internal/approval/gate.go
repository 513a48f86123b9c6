// Package approval tracks outstanding approval requests on gated pipeline
// steps and resolves them into decisions the engine turns into transitions.
package approval

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
)

// SystemUser is recorded as the resolver for expiry-driven resolutions.
const SystemUser = "system"

// Gate manages approval requests. All state lives in the store; the gate
// publishes an event for every committed change.
type Gate struct {
	store   db.Store
	bus     *bus.Bus
	timeout time.Duration
}

// NewGate creates an approval gate whose requests expire after timeout.
func NewGate(store db.Store, eventBus *bus.Bus, timeout time.Duration) *Gate {
	return &Gate{store: store, bus: eventBus, timeout: timeout}
}

// Request creates a pending approval for a step, or returns the existing
// open one. At most one open approval exists per step.
func (g *Gate) Request(ctx context.Context, pipelineID, stepID uuid.UUID, stage string) (*db.Approval, error) {
	existing, err := g.store.GetPendingApprovalForStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("[approval] returning existing pending approval %s for step %s", existing.ID, stepID)
		return existing, nil
	}

	expiresAt := time.Now().UTC().Add(g.timeout)
	approval, err := g.store.CreateApproval(ctx, pipelineID, stepID, stage, expiresAt)
	if err != nil {
		return nil, err
	}

	g.bus.Publish(bus.EventApprovalRequested, pipelineID, map[string]interface{}{
		"id":           approval.ID,
		"step_id":      approval.StepID,
		"stage":        approval.Stage,
		"requested_at": approval.RequestedAt,
		"expires_at":   approval.ExpiresAt,
	})
	log.Printf("[approval] requested approval %s for pipeline %s step %s", approval.ID, pipelineID, stepID)
	return approval, nil
}

// Resolve closes a pending approval with the given status. Resolving an
// already-resolved approval is a no-op that returns the existing resolution,
// so duplicate user actions are tolerated; exactly one approval.resolved
// event is published per approval.
func (g *Gate) Resolve(ctx context.Context, id uuid.UUID, status, user string, comment *string) (*db.Approval, bool, error) {
	switch status {
	case db.ApprovalStatusApproved, db.ApprovalStatusRejected, db.ApprovalStatusExpired:
	default:
		return nil, false, fmt.Errorf("invalid approval resolution %q", status)
	}

	approval, changed, err := g.store.ResolveApproval(ctx, id, status, user, comment)
	if err != nil || approval == nil {
		return approval, false, err
	}
	if changed {
		g.bus.Publish(bus.EventApprovalResolved, approval.PipelineID, map[string]interface{}{
			"id":          approval.ID,
			"step_id":     approval.StepID,
			"status":      approval.Status,
			"resolved_by": approval.ResolvedBy,
			"resolved_at": approval.ResolvedAt,
		})
		log.Printf("[approval] approval %s resolved %s by %s", approval.ID, approval.Status, user)
	}
	return approval, changed, nil
}

// Overdue returns the pending approvals whose deadline has passed.
func (g *Gate) Overdue(ctx context.Context, now time.Time) ([]db.Approval, error) {
	pending, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	var overdue []db.Approval
	for _, a := range pending {
		if now.After(a.ExpiresAt) {
			overdue = append(overdue, a)
		}
	}
	return overdue, nil
}

// Pending returns all open approvals across pipelines.
func (g *Gate) Pending(ctx context.Context) ([]db.Approval, error) {
	return g.store.ListPendingApprovals(ctx)
}

// Get returns a single approval, or nil if it does not exist.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*db.Approval, error) {
	return g.store.GetApproval(ctx, id)
}

// Timeout returns the configured approval deadline duration.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}
