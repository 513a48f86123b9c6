// Package engine implements the pipeline state machine: it creates pipelines
// from the stage template, dispatches runnable steps, serializes transitions
// per pipeline, and drives approvals, retries, aborts and timeout sweeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/cicd-control/internal/approval"
	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/runner"
)

// ErrNotFound indicates the referenced pipeline, step or approval does not exist.
var ErrNotFound = errors.New("not found")

// Engine owns pipeline lifecycle. All state transitions for a given pipeline
// happen under that pipeline's lock; the store write always precedes the
// corresponding event publish so readers who re-fetch after an event never
// observe older state.
type Engine struct {
	store           db.Store
	bus             *bus.Bus
	gate            *approval.Gate
	exec            *executor
	stages          []StageDef
	pipelineTimeout time.Duration

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New builds an engine around the given store, bus, gate and runner.
func New(store db.Store, eventBus *bus.Bus, gate *approval.Gate, r runner.Runner, pipelineTimeout time.Duration) *Engine {
	e := &Engine{
		store:           store,
		bus:             eventBus,
		gate:            gate,
		stages:          DefaultStages(),
		pipelineTimeout: pipelineTimeout,
		locks:           make(map[uuid.UUID]*sync.Mutex),
	}
	e.exec = newExecutor(store, eventBus, r, e.applyStepResult)
	return e
}

// lock acquires the per-pipeline mutex and returns its release func.
func (e *Engine) lock(id uuid.UUID) func() {
	e.mu.Lock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// CreatePipeline creates a pipeline plus the full step set from the stage
// template and announces it on the bus. When input.Status is a terminal
// status (a pipeline recorded after the fact, e.g. from a published release)
// the steps are created skipped.
func (e *Engine) CreatePipeline(ctx context.Context, input *db.PipelineInput) (*db.Pipeline, error) {
	stepStatus := db.StepStatusPending
	if db.PipelineTerminal(input.Status) {
		stepStatus = db.StepStatusSkipped
	}
	p, err := e.store.CreatePipeline(ctx, input, stepInputs(e.stages, stepStatus))
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	e.bus.Publish(bus.EventPipelineCreated, p.ID, map[string]interface{}{
		"status":  p.Status,
		"repo":    p.Repo,
		"ref":     p.Ref,
		"trigger": p.Trigger,
	})
	return p, nil
}

// Start moves a pending pipeline to running and dispatches its first steps.
func (e *Engine) Start(ctx context.Context, id uuid.UUID) (*db.Pipeline, error) {
	unlock := e.lock(id)
	defer unlock()

	p, err := e.store.TransitionPipeline(ctx, id, db.PipelineStatusRunning, db.PipelineStatusPending)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	e.bus.Publish(bus.EventPipelineUpdated, p.ID, map[string]interface{}{"status": p.Status})
	if err := e.dispatch(ctx, p); err != nil {
		return nil, err
	}
	return e.store.GetPipeline(ctx, id)
}

// Abort cancels a running or waiting pipeline: in-flight steps are stopped,
// open approvals rejected, and every non-terminal step marked skipped.
func (e *Engine) Abort(ctx context.Context, id uuid.UUID) (*db.Pipeline, error) {
	unlock := e.lock(id)
	defer unlock()

	p, err := e.store.TransitionPipeline(ctx, id, db.PipelineStatusAborted,
		db.PipelineStatusPending, db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		step := &steps[i]
		if db.StepTerminal(step.Status) {
			continue
		}
		e.exec.cancel(step.ID)
		if a, err := e.store.GetPendingApprovalForStep(ctx, step.ID); err == nil && a != nil {
			reason := "pipeline aborted"
			if _, _, err := e.gate.Resolve(ctx, a.ID, db.ApprovalStatusRejected, approval.SystemUser, &reason); err != nil {
				log.Printf("[engine] abort %s: reject approval %s: %v", id, a.ID, err)
			}
		}
		if _, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusSkipped, nil); err != nil {
			return nil, err
		}
	}
	e.bus.Publish(bus.EventPipelineCompleted, p.ID, map[string]interface{}{"status": p.Status})
	return e.store.GetPipeline(ctx, id)
}

// Retry resets a failed step on a failed pipeline and resumes execution.
// Log history from earlier attempts is preserved.
func (e *Engine) Retry(ctx context.Context, pipelineID, stepID uuid.UUID) (*db.Pipeline, error) {
	unlock := e.lock(pipelineID)
	defer unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.Status != db.PipelineStatusFailed {
		return nil, fmt.Errorf("%w: pipeline is %s, retry requires failed", db.ErrConflict, p.Status)
	}
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil || step.PipelineID != pipelineID {
		return nil, ErrNotFound
	}
	if step.Status != db.StepStatusFailed {
		return nil, fmt.Errorf("%w: step is %s, retry requires failed", db.ErrConflict, step.Status)
	}
	if _, err := e.store.ResetStepForRetry(ctx, stepID); err != nil {
		return nil, err
	}
	p, err = e.store.TransitionPipeline(ctx, pipelineID, db.PipelineStatusRunning, db.PipelineStatusFailed)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.EventPipelineUpdated, p.ID, map[string]interface{}{"status": p.Status})
	if err := e.dispatch(ctx, p); err != nil {
		return nil, err
	}
	return e.store.GetPipeline(ctx, pipelineID)
}

// Approve resolves an approval positively and, if this call won the
// resolution, moves the gated step into execution.
func (e *Engine) Approve(ctx context.Context, approvalID uuid.UUID, user string, comment *string) (*db.Approval, error) {
	return e.resolveApproval(ctx, approvalID, db.ApprovalStatusApproved, user, comment)
}

// Reject resolves an approval negatively; the gated step fails and the
// pipeline fails with it.
func (e *Engine) Reject(ctx context.Context, approvalID uuid.UUID, user string, comment *string) (*db.Approval, error) {
	return e.resolveApproval(ctx, approvalID, db.ApprovalStatusRejected, user, comment)
}

func (e *Engine) resolveApproval(ctx context.Context, approvalID uuid.UUID, status, user string, comment *string) (*db.Approval, error) {
	a, err := e.gate.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}

	unlock := e.lock(a.PipelineID)
	defer unlock()

	resolved, changed, err := e.gate.Resolve(ctx, approvalID, status, user, comment)
	if err != nil {
		return nil, err
	}
	if !changed {
		return resolved, nil
	}

	p, err := e.store.GetPipeline(ctx, resolved.PipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil || db.PipelineTerminal(p.Status) {
		// Resolution landed after the pipeline already finished; record it
		// but drive no further transitions.
		return resolved, nil
	}

	switch status {
	case db.ApprovalStatusApproved:
		if _, err := e.store.TransitionPipeline(ctx, p.ID, db.PipelineStatusRunning,
			db.PipelineStatusWaitingApproval, db.PipelineStatusRunning); err != nil {
			return nil, err
		}
		e.bus.Publish(bus.EventPipelineUpdated, p.ID, map[string]interface{}{"status": db.PipelineStatusRunning})
		step, err := e.store.GetStep(ctx, resolved.StepID)
		if err != nil {
			return nil, err
		}
		if step != nil && step.Status == db.StepStatusWaitingApproval {
			if err := e.runStep(ctx, p, step); err != nil {
				return nil, err
			}
		}
	case db.ApprovalStatusRejected, db.ApprovalStatusExpired:
		msg := "approval rejected"
		if status == db.ApprovalStatusExpired {
			msg = fmt.Sprintf("approval expired after %s without a decision", e.gate.Timeout())
		} else if comment != nil && *comment != "" {
			msg = "approval rejected: " + *comment
		}
		if err := e.failStep(ctx, p, resolved.StepID, &msg); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// CompleteStepExternal reports an out-of-band result for a workflow-backed
// step, correlated by repo and workflow name. It returns the pipeline the
// result was applied to, or nil when nothing matched.
func (e *Engine) CompleteStepExternal(ctx context.Context, repo, workflow string, success bool, detail string) (*db.Pipeline, error) {
	pipelines, err := e.store.ListPipelinesByStatus(ctx, db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		return nil, err
	}
	for i := range pipelines {
		p := &pipelines[i]
		if p.Repo != repo {
			continue
		}
		steps, err := e.store.ListSteps(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for j := range steps {
			step := &steps[j]
			if step.Status != db.StepStatusRunning {
				continue
			}
			def := e.stepDef(step.Stage, step.Name)
			if def == nil || def.Workflow != workflow {
				continue
			}
			var stepErr *string
			st := db.StepStatusCompleted
			if !success {
				st = db.StepStatusFailed
				msg := detail
				if msg == "" {
					msg = "workflow run concluded unsuccessfully"
				}
				stepErr = &msg
			}
			// Record the external result first; the canceled local run then
			// reports into a terminal step and is discarded.
			e.applyStepResult(p.ID, step.ID, step.Attempt, st, stepErr)
			e.exec.cancel(step.ID)
			return e.store.GetPipeline(ctx, p.ID)
		}
	}
	return nil, nil
}

// applyStepResult records a finished step and advances the pipeline. Results
// arriving after the pipeline reached a terminal status, or carrying a stale
// attempt counter, are discarded.
func (e *Engine) applyStepResult(pipelineID, stepID uuid.UUID, attempt int, status string, stepErr *string) {
	ctx := context.Background()
	unlock := e.lock(pipelineID)
	defer unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil || p == nil {
		log.Printf("[engine] step result for %s: pipeline %s unavailable: %v", stepID, pipelineID, err)
		return
	}
	if db.PipelineTerminal(p.Status) {
		log.Printf("[engine] discarding step result for %s: pipeline %s already %s", stepID, pipelineID, p.Status)
		return
	}
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil || step == nil {
		log.Printf("[engine] step result: step %s unavailable: %v", stepID, err)
		return
	}
	if step.Attempt != attempt || step.Status != db.StepStatusRunning {
		log.Printf("[engine] discarding stale result for step %s (attempt %d, current %d/%s)",
			stepID, attempt, step.Attempt, step.Status)
		return
	}

	updated, err := e.store.UpdateStepStatus(ctx, stepID, status, stepErr)
	if err != nil {
		log.Printf("[engine] update step %s: %v", stepID, err)
		return
	}
	e.publishStepCompleted(updated)

	if status == db.StepStatusFailed {
		sd := e.stageDef(step.Stage)
		if sd != nil && sd.FailurePolicy == PolicyAbort {
			e.failPipeline(ctx, p)
			return
		}
		log.Printf("[engine] step %s/%s failed, stage policy is %s, continuing",
			step.Stage, step.Name, PolicyNotify)
	}
	if err := e.dispatch(ctx, p); err != nil {
		log.Printf("[engine] dispatch after step %s: %v", stepID, err)
	}
}

// failStep marks a step failed outside the executor path (rejection, expiry)
// and fails the pipeline regardless of stage policy, since the gate is the
// only thing standing between the step and execution.
func (e *Engine) failStep(ctx context.Context, p *db.Pipeline, stepID uuid.UUID, msg *string) error {
	updated, err := e.store.UpdateStepStatus(ctx, stepID, db.StepStatusFailed, msg)
	if err != nil {
		return err
	}
	e.publishStepCompleted(updated)
	e.failPipeline(ctx, p)
	return nil
}

func (e *Engine) failPipeline(ctx context.Context, p *db.Pipeline) {
	updated, err := e.store.TransitionPipeline(ctx, p.ID, db.PipelineStatusFailed,
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		log.Printf("[engine] fail pipeline %s: %v", p.ID, err)
		return
	}
	// Steps still executing are canceled and returned to pending so a later
	// retry re-dispatches them.
	steps, err := e.store.ListSteps(ctx, p.ID)
	if err == nil {
		for i := range steps {
			if steps[i].Status != db.StepStatusRunning {
				continue
			}
			e.exec.cancel(steps[i].ID)
			if _, err := e.store.UpdateStepStatus(ctx, steps[i].ID, db.StepStatusPending, nil); err != nil {
				log.Printf("[engine] reset step %s: %v", steps[i].ID, err)
			}
		}
	}
	e.bus.Publish(bus.EventPipelineCompleted, p.ID, map[string]interface{}{"status": updated.Status})
}

// dispatch finds the active stage and launches every step whose dependencies
// are satisfied. Steps depending on a step that finished without completing
// are skipped in cascade. When no non-terminal step remains the pipeline
// finishes: failed if any step failed, completed otherwise. Callers must hold
// the pipeline lock.
func (e *Engine) dispatch(ctx context.Context, p *db.Pipeline) error {
	steps, err := e.store.ListSteps(ctx, p.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]*db.Step, len(steps))
	for i := range steps {
		byName[steps[i].Stage+"/"+steps[i].Name] = &steps[i]
	}

	for _, sd := range e.stages {
		stageDone := true
		for _, def := range sd.Steps {
			step := byName[sd.Name+"/"+def.Name]
			if step == nil {
				continue
			}
			if step.Status == db.StepStatusPending {
				ready, blocked := depsState(def, sd.Name, byName)
				switch {
				case blocked:
					updated, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusSkipped, nil)
					if err != nil {
						return err
					}
					step.Status = db.StepStatusSkipped
					e.publishStepCompleted(updated)
				case !ready:
				case def.RequiresApproval:
					if err := e.gateStep(ctx, p, step); err != nil {
						return err
					}
				default:
					if err := e.runStep(ctx, p, step); err != nil {
						return err
					}
				}
			}
			if !db.StepTerminal(step.Status) {
				stageDone = false
			}
		}
		if !stageDone {
			return nil
		}
	}
	return e.finishPipeline(ctx, p, steps)
}

// depsState reports whether a step's dependencies are all completed (ready)
// or whether any finished without completing (blocked).
func depsState(def StepDef, stage string, byName map[string]*db.Step) (ready, blocked bool) {
	ready = true
	for _, dep := range def.DependsOn {
		ds := byName[stage+"/"+dep]
		if ds == nil {
			continue
		}
		if db.StepTerminal(ds.Status) && ds.Status != db.StepStatusCompleted {
			return false, true
		}
		if ds.Status != db.StepStatusCompleted {
			ready = false
		}
	}
	return ready, false
}

// gateStep parks a runnable step behind an approval request.
func (e *Engine) gateStep(ctx context.Context, p *db.Pipeline, step *db.Step) error {
	updated, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusWaitingApproval, nil)
	if err != nil {
		return err
	}
	step.Status = updated.Status
	if _, err := e.gate.Request(ctx, p.ID, step.ID, step.Stage); err != nil {
		return err
	}
	if _, err := e.store.TransitionPipeline(ctx, p.ID, db.PipelineStatusWaitingApproval,
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval); err != nil {
		return err
	}
	e.bus.Publish(bus.EventPipelineUpdated, p.ID, map[string]interface{}{"status": db.PipelineStatusWaitingApproval})
	return nil
}

// runStep marks a step running and hands it to the executor.
func (e *Engine) runStep(ctx context.Context, p *db.Pipeline, step *db.Step) error {
	updated, err := e.store.UpdateStepStatus(ctx, step.ID, db.StepStatusRunning, nil)
	if err != nil {
		return err
	}
	step.Status = updated.Status
	step.Attempt = updated.Attempt
	e.bus.Publish(bus.EventStepStarted, p.ID, map[string]interface{}{
		"step_id": step.ID.String(),
		"name":    step.Name,
		"stage":   step.Stage,
		"attempt": updated.Attempt,
	})
	def := e.stepDef(step.Stage, step.Name)
	e.exec.dispatch(p, updated, def)
	return nil
}

func (e *Engine) finishPipeline(ctx context.Context, p *db.Pipeline, steps []db.Step) error {
	final := db.PipelineStatusCompleted
	for i := range steps {
		if steps[i].Status == db.StepStatusFailed {
			final = db.PipelineStatusFailed
			break
		}
	}
	updated, err := e.store.TransitionPipeline(ctx, p.ID, final,
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		return err
	}
	e.bus.Publish(bus.EventPipelineCompleted, p.ID, map[string]interface{}{"status": updated.Status})
	return nil
}

func (e *Engine) publishStepCompleted(step *db.Step) {
	data := map[string]interface{}{
		"step_id": step.ID.String(),
		"name":    step.Name,
		"stage":   step.Stage,
		"status":  step.Status,
	}
	if step.Error != nil {
		data["error"] = *step.Error
	}
	e.bus.Publish(bus.EventStepCompleted, step.PipelineID, data)
}

// Wait blocks until all in-flight step goroutines have finished. Intended
// for shutdown and tests.
func (e *Engine) Wait() {
	e.exec.wait()
}
