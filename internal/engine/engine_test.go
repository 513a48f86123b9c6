package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/cicd-control/internal/approval"
	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/runner"
)

// stubRunner succeeds instantly by default. Individual steps can be made to
// fail or to block until their context is canceled, and the peak number of
// simultaneously running jobs is tracked.
type stubRunner struct {
	mu          sync.Mutex
	failures    map[string]string
	blocked     map[string]bool
	delay       time.Duration
	current     int
	maxParallel int
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		failures: make(map[string]string),
		blocked:  make(map[string]bool),
	}
}

func (r *stubRunner) Run(ctx context.Context, job runner.Job, logf func(chunk string)) error {
	r.mu.Lock()
	r.current++
	if r.current > r.maxParallel {
		r.maxParallel = r.current
	}
	msg, failed := r.failures[job.Step]
	blocked := r.blocked[job.Step]
	delay := r.delay
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current--
		r.mu.Unlock()
	}()

	logf(fmt.Sprintf("[%s] attempt %d\n", job.Step, job.Attempt))
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failed {
		return errors.New(msg)
	}
	return nil
}

func (r *stubRunner) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxParallel
}

func setupEngine(t *testing.T, r runner.Runner) (*Engine, db.Store) {
	t.Helper()
	store := db.NewMemStore()
	eventBus := bus.New()
	gate := approval.NewGate(store, eventBus, time.Hour)
	return New(store, eventBus, gate, r, 48*time.Hour), store
}

func createPipeline(t *testing.T, e *Engine) *db.Pipeline {
	t.Helper()
	p, err := e.CreatePipeline(context.Background(), &db.PipelineInput{
		Repo: "acme/widget", Ref: "main", Trigger: "manual",
	})
	require.NoError(t, err)
	return p
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func waitForStatus(t *testing.T, store db.Store, id uuid.UUID, status string) *db.Pipeline {
	t.Helper()
	var p *db.Pipeline
	waitFor(t, func() bool {
		var err error
		p, err = store.GetPipeline(context.Background(), id)
		require.NoError(t, err)
		return p != nil && p.Status == status
	})
	return p
}

// autoApprove resolves every pending approval as approved until the test ends.
func autoApprove(t *testing.T, e *Engine, store db.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			pending, err := store.ListPendingApprovals(ctx)
			if err != nil {
				return
			}
			for _, a := range pending {
				_, _ = e.Approve(ctx, a.ID, "autotest", nil)
			}
		}
	}()
}

func stepByName(p *db.Pipeline, stage, name string) *db.Step {
	for i := range p.Steps {
		if p.Steps[i].Stage == stage && p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

func TestCreatePipelineBuildsTemplateSteps(t *testing.T) {
	e, _ := setupEngine(t, newStubRunner())
	p := createPipeline(t, e)

	assert.Equal(t, db.PipelineStatusPending, p.Status)
	require.Len(t, p.Steps, 11)
	assert.Equal(t, "lint", p.Steps[0].Name)
	assert.Equal(t, "close-issue", p.Steps[10].Name)
	assert.True(t, stepByName(p, "review", "pr-merge").RequiresApproval)
	assert.True(t, stepByName(p, "release", "create-release").RequiresApproval)
}

func TestPipelineRunsToCompletion(t *testing.T) {
	r := newStubRunner()
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)
	autoApprove(t, e, store)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)

	done := waitForStatus(t, store, p.ID, db.PipelineStatusCompleted)
	for _, s := range done.Steps {
		assert.Equal(t, db.StepStatusCompleted, s.Status, "step %s/%s", s.Stage, s.Name)
		assert.NotEmpty(t, s.Logs)
	}
	assert.NotNil(t, done.CompletedAt)
}

func TestValidateStepsRunConcurrently(t *testing.T) {
	r := newStubRunner()
	r.delay = 100 * time.Millisecond
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)
	autoApprove(t, e, store)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)

	waitForStatus(t, store, p.ID, db.PipelineStatusCompleted)
	assert.GreaterOrEqual(t, r.peak(), 2, "independent validation steps should overlap")
}

func TestStartTwiceConflicts(t *testing.T) {
	e, store := setupEngine(t, newStubRunner())
	p := createPipeline(t, e)
	autoApprove(t, e, store)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = e.Start(context.Background(), p.ID)
	assert.ErrorIs(t, err, db.ErrConflict)
}

func TestStartUnknownPipeline(t *testing.T) {
	e, _ := setupEngine(t, newStubRunner())
	_, err := e.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatedStepWaitsForApproval(t *testing.T) {
	r := newStubRunner()
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)

	waiting := waitForStatus(t, store, p.ID, db.PipelineStatusWaitingApproval)
	assert.Equal(t, db.StepStatusWaitingApproval, stepByName(waiting, "review", "pr-merge").Status)

	pending, err := store.ListPendingApprovals(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].Stage)

	comment := "looks good"
	_, err = e.Approve(context.Background(), pending[0].ID, "alice", &comment)
	require.NoError(t, err)

	// The pipeline resumes and reaches the next gate.
	waitFor(t, func() bool {
		pending, err := store.ListPendingApprovals(context.Background())
		require.NoError(t, err)
		return len(pending) == 1 && pending[0].Stage == "release"
	})
}

func TestRejectionFailsStepAndPipeline(t *testing.T) {
	e, store := setupEngine(t, newStubRunner())
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitForStatus(t, store, p.ID, db.PipelineStatusWaitingApproval)

	pending, err := store.ListPendingApprovals(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	reason := "not this week"
	_, err = e.Reject(context.Background(), pending[0].ID, "alice", &reason)
	require.NoError(t, err)

	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	merge := stepByName(failed, "review", "pr-merge")
	assert.Equal(t, db.StepStatusFailed, merge.Status)
	require.NotNil(t, merge.Error)
	assert.Contains(t, *merge.Error, "not this week")
}

func TestAbortPolicyStopsPipelineAndLeavesRestPending(t *testing.T) {
	r := newStubRunner()
	r.failures["lint"] = "lint exploded"
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)

	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	lint := stepByName(failed, "validate", "lint")
	assert.Equal(t, db.StepStatusFailed, lint.Status)
	require.NotNil(t, lint.Error)
	assert.Contains(t, *lint.Error, "lint exploded")
	assert.Equal(t, db.StepStatusPending, stepByName(failed, "review", "create-pr").Status)
}

func TestRetryResumesFailedPipeline(t *testing.T) {
	r := newStubRunner()
	r.failures["lint"] = "flaky tooling"
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)
	autoApprove(t, e, store)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	lint := stepByName(failed, "validate", "lint")

	// Retrying a non-failed step conflicts.
	_, err = e.Retry(context.Background(), p.ID, stepByName(failed, "validate", "test").ID)
	assert.ErrorIs(t, err, db.ErrConflict)

	r.mu.Lock()
	delete(r.failures, "lint")
	r.mu.Unlock()

	_, err = e.Retry(context.Background(), p.ID, lint.ID)
	require.NoError(t, err)

	done := waitForStatus(t, store, p.ID, db.PipelineStatusCompleted)
	retried := stepByName(done, "validate", "lint")
	assert.Equal(t, db.StepStatusCompleted, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
	assert.Contains(t, retried.Logs, "attempt 1")
	assert.Contains(t, retried.Logs, "attempt 2")
}

func TestRetryRequiresFailedPipeline(t *testing.T) {
	e, _ := setupEngine(t, newStubRunner())
	p := createPipeline(t, e)

	_, err := e.Retry(context.Background(), p.ID, p.Steps[0].ID)
	assert.ErrorIs(t, err, db.ErrConflict)

	_, err = e.Retry(context.Background(), uuid.New(), p.Steps[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotifyPolicyContinuesButPipelineFails(t *testing.T) {
	r := newStubRunner()
	r.failures["create-pr"] = "could not open PR"
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)
	autoApprove(t, e, store)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)

	// The review stage records the failure and moves on; the release stage
	// still runs, but the pipeline can never finish completed.
	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	assert.Equal(t, db.StepStatusFailed, stepByName(failed, "review", "create-pr").Status)
	assert.Equal(t, db.StepStatusSkipped, stepByName(failed, "review", "wait-ci").Status)
	assert.Equal(t, db.StepStatusSkipped, stepByName(failed, "review", "pr-merge").Status)
	assert.Equal(t, db.StepStatusCompleted, stepByName(failed, "release", "close-issue").Status)
}

func TestAbortCancelsInFlightWork(t *testing.T) {
	r := newStubRunner()
	r.blocked["lint"] = true
	r.blocked["test"] = true
	r.blocked["security"] = true
	r.blocked["docker-build"] = true
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return r.peak() >= 4 })

	aborted, err := e.Abort(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineStatusAborted, aborted.Status)

	// Runner goroutines observe cancellation and drain.
	e.Wait()
	final, err := store.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineStatusAborted, final.Status)
	for _, s := range final.Steps {
		assert.Equal(t, db.StepStatusSkipped, s.Status, "step %s/%s", s.Stage, s.Name)
	}

	// Aborting again conflicts.
	_, err = e.Abort(context.Background(), p.ID)
	assert.ErrorIs(t, err, db.ErrConflict)
}

func TestAbortRejectsOpenApprovals(t *testing.T) {
	e, store := setupEngine(t, newStubRunner())
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitForStatus(t, store, p.ID, db.PipelineStatusWaitingApproval)

	_, err = e.Abort(context.Background(), p.ID)
	require.NoError(t, err)

	pending, err := store.ListPendingApprovals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprovalExpirySweepFailsPipeline(t *testing.T) {
	store := db.NewMemStore()
	eventBus := bus.New()
	gate := approval.NewGate(store, eventBus, 20*time.Millisecond)
	e := New(store, eventBus, gate, newStubRunner(), 48*time.Hour)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitForStatus(t, store, p.ID, db.PipelineStatusWaitingApproval)

	time.Sleep(30 * time.Millisecond)
	e.sweepApprovals(context.Background())

	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	merge := stepByName(failed, "review", "pr-merge")
	assert.Equal(t, db.StepStatusFailed, merge.Status)
	require.NotNil(t, merge.Error)
	assert.Contains(t, *merge.Error, "expired")

	a, err := store.ListPendingApprovals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, a)
}

func TestStuckPipelineSweep(t *testing.T) {
	r := newStubRunner()
	r.blocked["lint"] = true
	r.blocked["test"] = true
	r.blocked["security"] = true
	r.blocked["docker-build"] = true
	store := db.NewMemStore()
	eventBus := bus.New()
	gate := approval.NewGate(store, eventBus, time.Hour)
	// Deadline short enough that any created pipeline is already overdue.
	e := New(store, eventBus, gate, r, time.Nanosecond)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return r.peak() >= 1 })

	e.sweepStuckPipelines(context.Background())

	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	lint := stepByName(failed, "validate", "lint")
	assert.Equal(t, db.StepStatusFailed, lint.Status)
	require.NotNil(t, lint.Error)
	assert.Contains(t, *lint.Error, "timeout")
}

func TestLateResultAfterTerminalIsDiscarded(t *testing.T) {
	r := newStubRunner()
	r.blocked["lint"] = true
	r.blocked["test"] = true
	r.blocked["security"] = true
	r.blocked["docker-build"] = true
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return r.peak() >= 4 })

	aborted, err := e.Abort(context.Background(), p.ID)
	require.NoError(t, err)

	// A straggling success for a step of the aborted pipeline changes nothing.
	lint := stepByName(aborted, "validate", "lint")
	e.applyStepResult(p.ID, lint.ID, lint.Attempt, db.StepStatusCompleted, nil)

	final, err := store.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineStatusAborted, final.Status)
	assert.Equal(t, db.StepStatusSkipped, stepByName(final, "validate", "lint").Status)
}

func TestStaleAttemptResultIsDiscarded(t *testing.T) {
	r := newStubRunner()
	r.failures["lint"] = "first attempt fails"
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	lint := stepByName(failed, "validate", "lint")

	// A result tagged with the superseded attempt must not overwrite.
	e.applyStepResult(p.ID, lint.ID, lint.Attempt-1, db.StepStatusCompleted, nil)
	got, err := store.GetStep(context.Background(), lint.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusFailed, got.Status)
}

func TestCompleteStepExternal(t *testing.T) {
	r := newStubRunner()
	r.blocked["lint"] = true
	r.blocked["test"] = true
	r.blocked["security"] = true
	r.blocked["docker-build"] = true
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return r.peak() >= 4 })

	// Each workflow_run completion resolves one running ci.yml step.
	for i := 0; i < 4; i++ {
		updated, err := e.CompleteStepExternal(context.Background(), "acme/widget", "ci.yml", true, "")
		require.NoError(t, err)
		require.NotNil(t, updated)
	}

	waitFor(t, func() bool {
		got, err := store.GetPipeline(context.Background(), p.ID)
		require.NoError(t, err)
		for _, name := range []string{"lint", "test", "security", "docker-build"} {
			if stepByName(got, "validate", name).Status != db.StepStatusCompleted {
				return false
			}
		}
		return true
	})

	// No running step matches an unrelated repo or workflow.
	none, err := e.CompleteStepExternal(context.Background(), "acme/other", "ci.yml", true, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWorkflowFailureReportedExternally(t *testing.T) {
	r := newStubRunner()
	r.blocked["lint"] = true
	r.blocked["test"] = true
	r.blocked["security"] = true
	r.blocked["docker-build"] = true
	e, store := setupEngine(t, r)
	p := createPipeline(t, e)

	_, err := e.Start(context.Background(), p.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return r.peak() >= 4 })

	_, err = e.CompleteStepExternal(context.Background(), "acme/widget", "ci.yml", false, "CI run 42 failed")
	require.NoError(t, err)

	failed := waitForStatus(t, store, p.ID, db.PipelineStatusFailed)
	var foundErr bool
	for _, s := range failed.Steps {
		if s.Error != nil && *s.Error == "CI run 42 failed" {
			foundErr = true
		}
	}
	assert.True(t, foundErr)
}
