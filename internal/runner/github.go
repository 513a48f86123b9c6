package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIURL = "https://api.github.com"

	// startupGrace is how long we wait for a dispatched workflow run to
	// appear before the first poll.
	startupGrace = 5 * time.Second
	pollInterval = 30 * time.Second
)

// GitHub runs workflow jobs by dispatching a GitHub Actions workflow and
// polling the run until it concludes.
type GitHub struct {
	token  string
	apiURL string
	client *http.Client
	grace  time.Duration
	poll   time.Duration
}

// NewGitHub creates an Actions-backed runner. apiURL may be empty to use the
// public GitHub API.
func NewGitHub(token, apiURL string) *GitHub {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &GitHub{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		grace:  startupGrace,
		poll:   pollInterval,
	}
}

type workflowRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

// Run dispatches the job's workflow and polls until the corresponding run
// completes, fails, or ctx expires.
func (g *GitHub) Run(ctx context.Context, job Job, logf func(chunk string)) error {
	if job.Workflow == "" {
		return fmt.Errorf("job %s has no workflow to dispatch", job.Step)
	}

	branch := strings.TrimPrefix(job.Ref, "refs/heads/")
	logf(fmt.Sprintf("dispatching workflow %s on %s@%s\n", job.Workflow, job.Repo, branch))

	if err := g.dispatch(ctx, job.Repo, job.Workflow, job.Ref); err != nil {
		return err
	}

	select {
	case <-time.After(g.grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		runs, err := g.listRuns(ctx, job.Repo, job.Workflow, branch)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			latest := runs[0]
			if latest.Status == "completed" {
				if latest.Conclusion == "success" {
					logf(fmt.Sprintf("workflow completed: %s\n", latest.HTMLURL))
					return nil
				}
				return fmt.Errorf("workflow %s concluded %s", job.Workflow, latest.Conclusion)
			}
			logf(fmt.Sprintf("workflow run %d is %s\n", latest.ID, latest.Status))
		}

		select {
		case <-time.After(g.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *GitHub) dispatch(ctx context.Context, repo, workflow, ref string) error {
	body, _ := json.Marshal(map[string]string{"ref": ref})
	url := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches", g.apiURL, repo, workflow)

	resp, err := g.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("workflow dispatch failed: %s: %s", resp.Status, msg)
	}
	return nil
}

func (g *GitHub) listRuns(ctx context.Context, repo, workflow, branch string) ([]workflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/runs?branch=%s&per_page=5",
		g.apiURL, repo, workflow, branch)

	resp, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list workflow runs failed: %s", resp.Status)
	}

	var result struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode workflow runs: %w", err)
	}
	return result.WorkflowRuns, nil
}

func (g *GitHub) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	return resp, nil
}
