package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/runner"
)

// resultFn receives a finished step invocation. The attempt counter lets the
// engine discard results from superseded attempts.
type resultFn func(pipelineID, stepID uuid.UUID, attempt int, status string, stepErr *string)

// executor runs one goroutine per dispatched step, streams log chunks to the
// store and the bus, and enforces the per-step timeout. Cancellation is
// keyed by step ID so aborts and external completions can stop a run that is
// still in flight.
type executor struct {
	store  db.Store
	bus    *bus.Bus
	runner runner.Runner
	report resultFn

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func newExecutor(store db.Store, eventBus *bus.Bus, r runner.Runner, report resultFn) *executor {
	return &executor{
		store:   store,
		bus:     eventBus,
		runner:  r,
		report:  report,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// dispatch launches the step asynchronously. The run context is detached
// from any request context: a step outlives the HTTP call that started it.
func (x *executor) dispatch(p *db.Pipeline, step *db.Step, def *StepDef) {
	timeout := def.timeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	x.mu.Lock()
	x.cancels[step.ID] = cancel
	x.mu.Unlock()

	job := runner.Job{
		Repo:        p.Repo,
		Ref:         p.Ref,
		Stage:       step.Stage,
		Step:        step.Name,
		Attempt:     step.Attempt,
		TriggerData: p.TriggerData,
	}
	if def != nil {
		job.Workflow = def.Workflow
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer x.drop(step.ID)
		defer cancel()

		err := x.runner.Run(ctx, job, func(chunk string) {
			x.streamLog(p.ID, step.ID, chunk)
		})

		switch {
		case err == nil:
			x.report(p.ID, step.ID, step.Attempt, db.StepStatusCompleted, nil)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			msg := fmt.Sprintf("timeout: step exceeded %s", timeout)
			x.report(p.ID, step.ID, step.Attempt, db.StepStatusFailed, &msg)
		case errors.Is(ctx.Err(), context.Canceled):
			// Canceled runs were superseded by an abort or an external
			// result; the engine discards the stale report.
			log.Printf("[executor] step %s/%s canceled", step.Stage, step.Name)
			msg := "canceled"
			x.report(p.ID, step.ID, step.Attempt, db.StepStatusFailed, &msg)
		default:
			msg := err.Error()
			x.report(p.ID, step.ID, step.Attempt, db.StepStatusFailed, &msg)
		}
	}()
}

// cancel stops an in-flight run for the step, if any.
func (x *executor) cancel(stepID uuid.UUID) {
	x.mu.Lock()
	c, ok := x.cancels[stepID]
	x.mu.Unlock()
	if ok {
		c()
	}
}

func (x *executor) drop(stepID uuid.UUID) {
	x.mu.Lock()
	delete(x.cancels, stepID)
	x.mu.Unlock()
}

// streamLog appends a chunk to the step's stored logs and forwards it to
// live subscribers. Persistence failures do not interrupt the run.
func (x *executor) streamLog(pipelineID, stepID uuid.UUID, chunk string) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := x.store.AppendStepLogs(ctx, stepID, chunk); err != nil {
		log.Printf("[executor] append logs for step %s: %v", stepID, err)
	}
	x.bus.Publish(bus.EventStepLog, pipelineID, map[string]interface{}{
		"step_id": stepID.String(),
		"chunk":   chunk,
	})
}

func (x *executor) wait() {
	x.wg.Wait()
}
