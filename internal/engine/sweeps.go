package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/cicd-control/internal/approval"
	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
)

const (
	sweepInterval     = time.Minute
	heartbeatInterval = 30 * time.Second
)

// RunBackground drives the periodic maintenance loops until ctx is
// canceled: expiring overdue approvals, failing pipelines that ran past the
// overall deadline, and emitting heartbeats for event stream consumers.
func (e *Engine) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx, sweepInterval, e.sweepApprovals) })
	g.Go(func() error { return e.loop(ctx, sweepInterval, e.sweepStuckPipelines) })
	g.Go(func() error {
		return e.loop(ctx, heartbeatInterval, func(context.Context) {
			e.bus.Heartbeat()
		})
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepApprovals expires every pending approval whose deadline has passed,
// through the same resolution path the HTTP layer uses.
func (e *Engine) sweepApprovals(ctx context.Context) {
	overdue, err := e.gate.Overdue(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("[engine] approval sweep: %v", err)
		return
	}
	for i := range overdue {
		a := &overdue[i]
		if _, err := e.resolveApproval(ctx, a.ID, db.ApprovalStatusExpired, approval.SystemUser, nil); err != nil {
			log.Printf("[engine] expire approval %s: %v", a.ID, err)
			continue
		}
		log.Printf("[engine] approval %s expired (requested %s)", a.ID, a.RequestedAt.Format(time.RFC3339))
	}
}

// sweepStuckPipelines fails pipelines that have been in flight longer than
// the configured overall deadline.
func (e *Engine) sweepStuckPipelines(ctx context.Context) {
	if e.pipelineTimeout <= 0 {
		return
	}
	active, err := e.store.ListPipelinesByStatus(ctx,
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		log.Printf("[engine] pipeline sweep: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-e.pipelineTimeout)
	for i := range active {
		p := &active[i]
		if !p.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.timeOutPipeline(ctx, p.ID); err != nil {
			log.Printf("[engine] time out pipeline %s: %v", p.ID, err)
		}
	}
}

func (e *Engine) timeOutPipeline(ctx context.Context, id uuid.UUID) error {
	unlock := e.lock(id)
	defer unlock()

	p, err := e.store.TransitionPipeline(ctx, id, db.PipelineStatusFailed,
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return err
	}
	for i := range steps {
		step := &steps[i]
		if db.StepTerminal(step.Status) {
			continue
		}
		e.exec.cancel(step.ID)
		if a, err := e.store.GetPendingApprovalForStep(ctx, step.ID); err == nil && a != nil {
			reason := "pipeline timed out"
			if _, _, err := e.gate.Resolve(ctx, a.ID, db.ApprovalStatusExpired, approval.SystemUser, &reason); err != nil {
				log.Printf("[engine] time out %s: expire approval %s: %v", id, a.ID, err)
			}
		}
		if step.Status == db.StepStatusRunning {
			msg := fmt.Sprintf("timeout: pipeline exceeded %s", e.pipelineTimeout)
			if updated, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusFailed, &msg); err == nil {
				e.publishStepCompleted(updated)
			}
			continue
		}
		if _, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusSkipped, nil); err != nil {
			return err
		}
	}
	e.bus.Publish(bus.EventPipelineCompleted, p.ID, map[string]interface{}{"status": p.Status})
	log.Printf("[engine] pipeline %s failed: exceeded %s deadline", id, e.pipelineTimeout)
	return nil
}
