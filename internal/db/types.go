package db

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus constants
const (
	PipelineStatusPending         = "pending"
	PipelineStatusRunning         = "running"
	PipelineStatusWaitingApproval = "waiting_approval"
	PipelineStatusCompleted       = "completed"
	PipelineStatusFailed          = "failed"
	PipelineStatusAborted         = "aborted"
)

// StepStatus constants
const (
	StepStatusPending         = "pending"
	StepStatusWaitingApproval = "waiting_approval"
	StepStatusRunning         = "running"
	StepStatusCompleted       = "completed"
	StepStatusFailed          = "failed"
	StepStatusSkipped         = "skipped"
)

// ApprovalStatus constants
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
)

// PipelineTerminal reports whether a pipeline status permits no further transitions.
func PipelineTerminal(status string) bool {
	return status == PipelineStatusCompleted ||
		status == PipelineStatusFailed ||
		status == PipelineStatusAborted
}

// StepTerminal reports whether a step status is final.
func StepTerminal(status string) bool {
	return status == StepStatusCompleted ||
		status == StepStatusFailed ||
		status == StepStatusSkipped
}

// Pipeline represents one end-to-end execution of the delivery process.
type Pipeline struct {
	ID          uuid.UUID              `json:"id"`
	Repo        string                 `json:"repo"`
	Ref         string                 `json:"ref"`
	Version     *string                `json:"version,omitempty"`
	Status      string                 `json:"status"`
	Trigger     string                 `json:"trigger"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`

	// Steps is populated by GetPipeline, ordered by stage then sequence.
	Steps []Step `json:"steps,omitempty"`
}

// Step represents a single unit of orchestrated work within a pipeline.
type Step struct {
	ID               uuid.UUID  `json:"id"`
	PipelineID       uuid.UUID  `json:"pipeline_id"`
	Name             string     `json:"name"`
	Stage            string     `json:"stage"`
	Seq              int        `json:"seq"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	Attempt          int        `json:"attempt"`
	Logs             string     `json:"logs,omitempty"`
	Error            *string    `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Approval represents a human decision gate on a step.
type Approval struct {
	ID          uuid.UUID  `json:"id"`
	PipelineID  uuid.UUID  `json:"pipeline_id"`
	StepID      uuid.UUID  `json:"step_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *string    `json:"resolved_by,omitempty"`
	Comment     *string    `json:"comment,omitempty"`
}

// WebhookEvent is a stored inbound webhook delivery, kept for dedupe and debugging.
type WebhookEvent struct {
	ID          uuid.UUID              `json:"id"`
	DeliveryID  string                 `json:"delivery_id"`
	EventType   string                 `json:"event_type"`
	Action      string                 `json:"action,omitempty"`
	Repo        string                 `json:"repo"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Processed   bool                   `json:"processed"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	PipelineID  *uuid.UUID             `json:"pipeline_id,omitempty"`
	Error       *string                `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// PipelineInput holds the fields required to create a pipeline.
type PipelineInput struct {
	Repo        string
	Ref         string
	Version     *string
	Status      string // empty means pending
	Trigger     string
	TriggerData map[string]interface{}
}

// StepInput holds the fields required to create a step alongside its pipeline.
type StepInput struct {
	Name             string
	Stage            string
	Seq              int
	Status           string // empty means pending
	RequiresApproval bool
}
