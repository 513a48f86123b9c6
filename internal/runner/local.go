package runner

import (
	"context"
	"fmt"
	"time"
)

// Local simulates job execution in-process. It is the default runner when no
// GITHUB_TOKEN is configured, and it keeps a development deployment fully
// functional without external job infrastructure.
type Local struct {
	// StepDelay is how long each simulated job takes. Zero means instant.
	StepDelay time.Duration
}

// NewLocal creates a local runner.
func NewLocal() *Local {
	return &Local{StepDelay: 100 * time.Millisecond}
}

// Run simulates the named job, emitting a short log narrative.
func (l *Local) Run(ctx context.Context, job Job, logf func(chunk string)) error {
	logf(fmt.Sprintf("starting %s (stage %s, attempt %d) on %s@%s\n",
		job.Step, job.Stage, job.Attempt, job.Repo, job.Ref))

	if l.StepDelay > 0 {
		select {
		case <-time.After(l.StepDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch job.Step {
	case "create-pr":
		if n, ok := job.TriggerData["issue_number"]; ok {
			logf(fmt.Sprintf("created pull request for issue #%v\n", n))
		} else {
			logf("created pull request\n")
		}
	case "pr-merge":
		if n, ok := job.TriggerData["pr_number"]; ok {
			logf(fmt.Sprintf("merged pull request #%v\n", n))
		} else {
			logf("no pull request to merge\n")
		}
	case "close-issue":
		if n, ok := job.TriggerData["issue_number"]; ok {
			logf(fmt.Sprintf("closed issue #%v\n", n))
		} else {
			logf("no issue to close\n")
		}
	default:
		logf(fmt.Sprintf("%s finished\n", job.Step))
	}
	return nil
}
