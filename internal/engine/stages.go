package engine

import (
	"time"

	"github.com/jonathan/cicd-control/internal/db"
)

// Stage failure policies.
const (
	// PolicyAbort stops the whole pipeline when a step in the stage fails.
	PolicyAbort = "abort"
	// PolicyNotify records the failure and lets the stage continue.
	PolicyNotify = "notify"
)

// StepDef is the static definition of a step within a stage template.
type StepDef struct {
	Name string
	// Workflow names the external workflow backing the step. Empty means
	// the step is an action executed by the runner directly.
	Workflow         string
	RequiresApproval bool
	Timeout          time.Duration
	// DependsOn lists steps of the same stage that must complete first.
	// Steps with no dependencies are roots of their stage and may run
	// concurrently with each other.
	DependsOn []string
}

// StageDef is a named, ordered group of steps with a shared failure policy.
type StageDef struct {
	Name          string
	FailurePolicy string
	Steps         []StepDef
}

const defaultStepTimeout = 30 * time.Minute

// DefaultStages is the delivery pipeline template: validation runs its
// checks concurrently, review funnels through a gated merge, release is
// gated up front and fans out the build publishing.
func DefaultStages() []StageDef {
	return []StageDef{
		{
			Name:          "validate",
			FailurePolicy: PolicyAbort,
			Steps: []StepDef{
				{Name: "lint", Workflow: "ci.yml"},
				{Name: "test", Workflow: "ci.yml"},
				{Name: "security", Workflow: "ci.yml"},
				{Name: "docker-build", Workflow: "ci.yml"},
			},
		},
		{
			Name:          "review",
			FailurePolicy: PolicyNotify,
			Steps: []StepDef{
				{Name: "create-pr"},
				{Name: "wait-ci", DependsOn: []string{"create-pr"}},
				{Name: "pr-merge", RequiresApproval: true, DependsOn: []string{"wait-ci"}},
			},
		},
		{
			Name:          "release",
			FailurePolicy: PolicyAbort,
			Steps: []StepDef{
				{Name: "create-release", RequiresApproval: true},
				{Name: "docker-push", Workflow: "docker-build.yml", DependsOn: []string{"create-release"}},
				{Name: "appliance-build", Workflow: "appliance-build.yml", DependsOn: []string{"create-release"}},
				{Name: "close-issue", DependsOn: []string{"docker-push", "appliance-build"}},
			},
		},
	}
}

// stepInputs flattens a stage template into the step records created
// alongside a new pipeline. Sequence numbers are global across stages so a
// single ordering covers the whole pipeline.
func stepInputs(stages []StageDef, status string) []db.StepInput {
	var inputs []db.StepInput
	seq := 0
	for _, stage := range stages {
		for _, def := range stage.Steps {
			inputs = append(inputs, db.StepInput{
				Name:             def.Name,
				Stage:            stage.Name,
				Seq:              seq,
				Status:           status,
				RequiresApproval: def.RequiresApproval,
			})
			seq++
		}
	}
	return inputs
}

// stageDef returns the template for a stage name.
func (e *Engine) stageDef(name string) *StageDef {
	for i := range e.stages {
		if e.stages[i].Name == name {
			return &e.stages[i]
		}
	}
	return nil
}

// stepDef returns the template for a step within a stage.
func (e *Engine) stepDef(stage, name string) *StepDef {
	sd := e.stageDef(stage)
	if sd == nil {
		return nil
	}
	for i := range sd.Steps {
		if sd.Steps[i].Name == name {
			return &sd.Steps[i]
		}
	}
	return nil
}

func (d *StepDef) timeout() time.Duration {
	if d == nil || d.Timeout <= 0 {
		return defaultStepTimeout
	}
	return d.Timeout
}
