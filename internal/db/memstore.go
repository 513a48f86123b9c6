package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation. It is the default when no
// DATABASE_URL is configured, mirroring the embedded-database fallback of
// smaller deployments, and it backs the test suite.
type MemStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*Pipeline
	steps     map[uuid.UUID]*Step
	approvals map[uuid.UUID]*Approval
	webhooks  map[uuid.UUID]*WebhookEvent
	byDeliv   map[string]uuid.UUID
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pipelines: make(map[uuid.UUID]*Pipeline),
		steps:     make(map[uuid.UUID]*Step),
		approvals: make(map[uuid.UUID]*Approval),
		webhooks:  make(map[uuid.UUID]*WebhookEvent),
		byDeliv:   make(map[string]uuid.UUID),
	}
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() {}

func copyPipeline(p *Pipeline) *Pipeline {
	cp := *p
	cp.Steps = nil
	return &cp
}

func copyStep(s *Step) *Step {
	cs := *s
	return &cs
}

func copyApproval(a *Approval) *Approval {
	ca := *a
	return &ca
}

func copyWebhookEvent(ev *WebhookEvent) *WebhookEvent {
	ce := *ev
	return &ce
}

// CreatePipeline creates a pipeline record and its steps.
func (m *MemStore) CreatePipeline(_ context.Context, input *PipelineInput, steps []StepInput) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := input.Status
	if status == "" {
		status = PipelineStatusPending
	}
	now := time.Now().UTC()
	p := &Pipeline{
		ID:          uuid.New(),
		Repo:        input.Repo,
		Ref:         input.Ref,
		Version:     input.Version,
		Status:      status,
		Trigger:     input.Trigger,
		TriggerData: input.TriggerData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if PipelineTerminal(status) {
		p.CompletedAt = &now
	}
	m.pipelines[p.ID] = p

	out := copyPipeline(p)
	for _, si := range steps {
		stepStatus := si.Status
		if stepStatus == "" {
			stepStatus = StepStatusPending
		}
		s := &Step{
			ID:               uuid.New(),
			PipelineID:       p.ID,
			Name:             si.Name,
			Stage:            si.Stage,
			Seq:              si.Seq,
			Status:           stepStatus,
			RequiresApproval: si.RequiresApproval,
			Attempt:          1,
		}
		m.steps[s.ID] = s
		out.Steps = append(out.Steps, *copyStep(s))
	}
	return out, nil
}

// GetPipeline retrieves a pipeline with its steps.
func (m *MemStore) GetPipeline(_ context.Context, id uuid.UUID) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	out := copyPipeline(p)
	out.Steps = m.stepsOfLocked(id)
	return out, nil
}

func (m *MemStore) stepsOfLocked(pipelineID uuid.UUID) []Step {
	var steps []Step
	for _, s := range m.steps {
		if s.PipelineID == pipelineID {
			steps = append(steps, *copyStep(s))
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Seq < steps[j].Seq })
	return steps
}

// ListPipelines retrieves pipelines newest first.
func (m *MemStore) ListPipelines(_ context.Context, limit, offset int) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	all := m.sortedPipelinesLocked(nil)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListPipelinesByStatus retrieves pipelines in any of the given statuses.
func (m *MemStore) ListPipelinesByStatus(_ context.Context, statuses ...string) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	return m.sortedPipelinesLocked(allowed), nil
}

func (m *MemStore) sortedPipelinesLocked(statusFilter map[string]bool) []Pipeline {
	var pipelines []Pipeline
	for _, p := range m.pipelines {
		if statusFilter != nil && !statusFilter[p.Status] {
			continue
		}
		pipelines = append(pipelines, *copyPipeline(p))
	}
	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].CreatedAt.After(pipelines[j].CreatedAt)
	})
	return pipelines
}

// TransitionPipeline conditionally moves a pipeline between statuses.
func (m *MemStore) TransitionPipeline(_ context.Context, id uuid.UUID, to string, from ...string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	allowed := false
	for _, f := range from {
		if p.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("pipeline %s is %s: %w", id, p.Status, ErrConflict)
	}

	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	if PipelineTerminal(to) && p.CompletedAt == nil {
		p.CompletedAt = &now
	}
	return copyPipeline(p), nil
}

// GetStep retrieves a step by ID.
func (m *MemStore) GetStep(_ context.Context, id uuid.UUID) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[id]
	if !ok {
		return nil, nil
	}
	return copyStep(s), nil
}

// ListSteps retrieves all steps of a pipeline ordered by sequence.
func (m *MemStore) ListSteps(_ context.Context, pipelineID uuid.UUID) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsOfLocked(pipelineID), nil
}

// UpdateStepStatus updates the status and related timestamps of a step.
func (m *MemStore) UpdateStepStatus(_ context.Context, id uuid.UUID, status string, stepErr *string) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[id]
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	s.Status = status
	s.Error = stepErr
	if status == StepStatusRunning && s.StartedAt == nil {
		s.StartedAt = &now
	}
	if StepTerminal(status) {
		s.CompletedAt = &now
	} else {
		s.CompletedAt = nil
	}
	return copyStep(s), nil
}

// AppendStepLogs appends a chunk to the step's log text.
func (m *MemStore) AppendStepLogs(_ context.Context, id uuid.UUID, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[id]
	if !ok {
		return fmt.Errorf("step not found: %s", id)
	}
	s.Logs += chunk
	return nil
}

// ResetStepForRetry returns a failed step to pending for a fresh attempt.
func (m *MemStore) ResetStepForRetry(_ context.Context, id uuid.UUID) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[id]
	if !ok {
		return nil, nil
	}
	if s.Status != StepStatusFailed {
		return nil, fmt.Errorf("step %s is %s: %w", id, s.Status, ErrConflict)
	}
	s.Status = StepStatusPending
	s.Error = nil
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Attempt++
	return copyStep(s), nil
}

// CreateApproval creates a pending approval request for a step.
func (m *MemStore) CreateApproval(_ context.Context, pipelineID, stepID uuid.UUID, stage string, expiresAt time.Time) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := &Approval{
		ID:          uuid.New(),
		PipelineID:  pipelineID,
		StepID:      stepID,
		Stage:       stage,
		Status:      ApprovalStatusPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	m.approvals[a.ID] = a
	return copyApproval(a), nil
}

// GetApproval retrieves an approval by ID.
func (m *MemStore) GetApproval(_ context.Context, id uuid.UUID) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, nil
	}
	return copyApproval(a), nil
}

// GetPendingApprovalForStep retrieves the open approval for a step, if any.
func (m *MemStore) GetPendingApprovalForStep(_ context.Context, stepID uuid.UUID) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.approvals {
		if a.StepID == stepID && a.Status == ApprovalStatusPending {
			return copyApproval(a), nil
		}
	}
	return nil, nil
}

// ListPendingApprovals retrieves all open approvals, newest first.
func (m *MemStore) ListPendingApprovals(_ context.Context) ([]Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var approvals []Approval
	for _, a := range m.approvals {
		if a.Status == ApprovalStatusPending {
			approvals = append(approvals, *copyApproval(a))
		}
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].RequestedAt.After(approvals[j].RequestedAt)
	})
	return approvals, nil
}

// ResolveApproval closes a pending approval; already-resolved approvals are
// returned unchanged with changed=false.
func (m *MemStore) ResolveApproval(_ context.Context, id uuid.UUID, status, resolvedBy string, comment *string) (*Approval, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, false, nil
	}
	if a.Status != ApprovalStatusPending {
		return copyApproval(a), false, nil
	}
	now := time.Now().UTC()
	a.Status = status
	a.ResolvedAt = &now
	a.ResolvedBy = &resolvedBy
	a.Comment = comment
	return copyApproval(a), true, nil
}

// SaveWebhookEvent stores an inbound webhook delivery.
func (m *MemStore) SaveWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.webhooks[ev.ID] = copyWebhookEvent(ev)
	m.byDeliv[ev.DeliveryID] = ev.ID
	return nil
}

// UpdateWebhookEvent updates the processing outcome fields of a stored delivery.
func (m *MemStore) UpdateWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.webhooks[ev.ID]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", ev.ID)
	}
	stored.Processed = ev.Processed
	stored.ProcessedAt = ev.ProcessedAt
	stored.PipelineID = ev.PipelineID
	stored.Error = ev.Error
	return nil
}

// HasWebhookDelivery reports whether a delivery ID has been seen before.
func (m *MemStore) HasWebhookDelivery(_ context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDeliv[deliveryID]
	return ok, nil
}

// GetWebhookEvent retrieves a stored delivery by ID.
func (m *MemStore) GetWebhookEvent(_ context.Context, id uuid.UUID) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.webhooks[id]
	if !ok {
		return nil, nil
	}
	return copyWebhookEvent(ev), nil
}

// ListWebhookEvents retrieves stored deliveries newest first.
func (m *MemStore) ListWebhookEvents(_ context.Context, limit, offset int) ([]WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var events []WebhookEvent
	for _, ev := range m.webhooks {
		events = append(events, *copyWebhookEvent(ev))
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
