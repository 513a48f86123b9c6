package ingest

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/jonathan/cicd-control/internal/db"
)

// ReadyLabel is the issue label that queues a delivery pipeline.
const ReadyLabel = "status:ready"

// command is the normalized action derived from one webhook delivery.
// Exactly one of the fields is set; a nil command means the delivery is
// acknowledged but triggers nothing.
type command struct {
	create   *createCommand
	complete *completeCommand
}

type createCommand struct {
	input *db.PipelineInput
	// start launches the pipeline immediately after creation. Pipelines
	// recorded in a terminal state (published releases) never start.
	start bool
}

type completeCommand struct {
	repo     string
	workflow string
	success  bool
	detail   string
}

type repoPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// normalize maps a validated delivery onto a command. Unrecognized event
// types and uninteresting actions return (nil, "<reason>", nil).
func normalize(eventType string, body []byte) (*command, string, error) {
	switch eventType {
	case "ping":
		return nil, "ping acknowledged", nil
	case "issues":
		return normalizeIssues(body)
	case "pull_request":
		return normalizePullRequest(body)
	case "release":
		return normalizeRelease(body)
	case "workflow_run":
		return normalizeWorkflowRun(body)
	default:
		return nil, fmt.Sprintf("event type %q not handled", eventType), nil
	}
}

func normalizeIssues(body []byte) (*command, string, error) {
	var p struct {
		repoPayload
		Action string `json:"action"`
		Issue  struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
		} `json:"issue"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", err
	}
	if p.Action != "labeled" || p.Label.Name != ReadyLabel {
		return nil, fmt.Sprintf("issues action %q label %q ignored", p.Action, p.Label.Name), nil
	}
	return &command{create: &createCommand{
		start: true,
		input: &db.PipelineInput{
			Repo:    p.Repository.FullName,
			Ref:     "main",
			Trigger: "issue",
			TriggerData: map[string]interface{}{
				"issue_number": p.Issue.Number,
				"issue_title":  p.Issue.Title,
				"label":        p.Label.Name,
			},
		},
	}}, "", nil
}

func normalizePullRequest(body []byte) (*command, string, error) {
	var p struct {
		repoPayload
		Action      string `json:"action"`
		PullRequest struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
			Merged bool   `json:"merged"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", err
	}
	if p.Action != "closed" || !p.PullRequest.Merged {
		return nil, fmt.Sprintf("pull_request action %q ignored", p.Action), nil
	}
	return &command{create: &createCommand{
		start: true,
		input: &db.PipelineInput{
			Repo:    p.Repository.FullName,
			Ref:     fmt.Sprintf("refs/pull/%d/merge", p.PullRequest.Number),
			Trigger: "pr-merged",
			TriggerData: map[string]interface{}{
				"pr_number": p.PullRequest.Number,
				"pr_title":  p.PullRequest.Title,
			},
		},
	}}, "", nil
}

func normalizeRelease(body []byte) (*command, string, error) {
	var p struct {
		repoPayload
		Action  string `json:"action"`
		Release struct {
			TagName string `json:"tag_name"`
			Name    string `json:"name"`
		} `json:"release"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", err
	}
	if p.Action != "published" {
		return nil, fmt.Sprintf("release action %q ignored", p.Action), nil
	}
	version := p.Release.TagName
	return &command{create: &createCommand{
		input: &db.PipelineInput{
			Repo:    p.Repository.FullName,
			Ref:     version,
			Version: &version,
			Status:  db.PipelineStatusCompleted,
			Trigger: "release",
			TriggerData: map[string]interface{}{
				"release_name": p.Release.Name,
				"tag":          version,
			},
		},
	}}, "", nil
}

func normalizeWorkflowRun(body []byte) (*command, string, error) {
	var p struct {
		repoPayload
		Action      string `json:"action"`
		WorkflowRun struct {
			Name       string `json:"name"`
			Path       string `json:"path"`
			Conclusion string `json:"conclusion"`
			HTMLURL    string `json:"html_url"`
		} `json:"workflow_run"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", err
	}
	if p.Action != "completed" {
		return nil, fmt.Sprintf("workflow_run action %q ignored", p.Action), nil
	}
	detail := ""
	if p.WorkflowRun.Conclusion != "success" {
		detail = fmt.Sprintf("workflow %s concluded %s (%s)",
			p.WorkflowRun.Name, p.WorkflowRun.Conclusion, p.WorkflowRun.HTMLURL)
	}
	return &command{complete: &completeCommand{
		repo: p.Repository.FullName,
		// workflow_run.path is ".github/workflows/<file>"; steps reference
		// the bare file name.
		workflow: path.Base(p.WorkflowRun.Path),
		success:  p.WorkflowRun.Conclusion == "success",
		detail:   detail,
	}}, "", nil
}
