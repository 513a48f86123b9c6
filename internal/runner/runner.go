// Package runner defines the contract with the external job systems that
// perform the actual work of a pipeline step (workflow runs, container
// builds, release actions). The orchestration core only requires "start,
// stream logs, terminate with a result".
package runner

import "context"

// Job describes one step invocation handed to a runner.
type Job struct {
	Repo     string
	Ref      string
	Stage    string
	Step     string
	Workflow string // external workflow file; empty for locally executed actions
	Attempt  int
	// TriggerData is the opaque payload carried by the owning pipeline,
	// e.g. the issue or PR that triggered it.
	TriggerData map[string]interface{}
}

// Runner executes a job to completion. Implementations stream partial output
// through logf as it arrives and return nil on success. Cancellation and
// per-step timeouts arrive through ctx; a runner must return promptly once
// ctx is done.
type Runner interface {
	Run(ctx context.Context, job Job, logf func(chunk string)) error
}
