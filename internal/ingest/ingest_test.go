package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/cicd-control/internal/approval"
	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/engine"
	"github.com/jonathan/cicd-control/internal/runner"
)

func setupIngestor(t *testing.T, secret string) (*Ingestor, db.Store) {
	t.Helper()
	store := db.NewMemStore()
	eventBus := bus.New()
	gate := approval.NewGate(store, eventBus, time.Hour)
	local := runner.NewLocal()
	local.StepDelay = time.Millisecond
	eng := engine.New(store, eventBus, gate, local, 48*time.Hour)
	return New(store, eng, secret), store
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func issueLabeledBody(label string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "labeled",
		"issue": {"number": 7, "title": "Ship the widget"},
		"label": {"name": %q},
		"repository": {"full_name": "acme/widget"}
	}`, label))
}

func TestVerifySignature(t *testing.T) {
	in, _ := setupIngestor(t, "s3cret")
	body := []byte(`{"zen": "keep it simple"}`)

	assert.NoError(t, in.VerifySignature(body, sign("s3cret", body)))
	assert.ErrorIs(t, in.VerifySignature(body, sign("wrong", body)), ErrBadSignature)
	assert.ErrorIs(t, in.VerifySignature(body, ""), ErrBadSignature)
}

func TestVerifySignatureDisabledWithoutSecret(t *testing.T) {
	in, _ := setupIngestor(t, "")
	assert.NoError(t, in.VerifySignature([]byte("anything"), ""))
}

func TestProcessRejectsBadSignature(t *testing.T) {
	in, store := setupIngestor(t, "s3cret")

	_, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		EventType:  "issues",
		Signature:  "sha256=deadbeef",
		Body:       issueLabeledBody(ReadyLabel),
	})
	assert.ErrorIs(t, err, ErrBadSignature)

	// Nothing was stored for the rejected delivery.
	events, err := store.ListWebhookEvents(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProcessIssueReadyLabelCreatesPipeline(t *testing.T) {
	in, store := setupIngestor(t, "")
	ctx := context.Background()

	outcome, err := in.Process(ctx, Delivery{
		DeliveryID: "d-1",
		EventType:  "issues",
		Body:       issueLabeledBody(ReadyLabel),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome.Status)
	require.NotNil(t, outcome.Pipeline)
	assert.Equal(t, "acme/widget", outcome.Pipeline.Repo)
	assert.Equal(t, "issue", outcome.Pipeline.Trigger)
	assert.Equal(t, db.PipelineStatusRunning, outcome.Pipeline.Status)

	require.NotNil(t, outcome.Event)
	assert.True(t, outcome.Event.Processed)
	require.NotNil(t, outcome.Event.PipelineID)
	assert.Equal(t, outcome.Pipeline.ID, *outcome.Event.PipelineID)

	stored, err := store.GetWebhookEvent(ctx, outcome.Event.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "labeled", stored.Action)
}

func TestProcessIgnoresOtherLabels(t *testing.T) {
	in, _ := setupIngestor(t, "")

	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		EventType:  "issues",
		Body:       issueLabeledBody("bug"),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
	assert.Nil(t, outcome.Pipeline)
}

func TestProcessDeduplicatesByDeliveryID(t *testing.T) {
	in, store := setupIngestor(t, "")
	ctx := context.Background()

	first, err := in.Process(ctx, Delivery{
		DeliveryID: "d-dup", EventType: "issues", Body: issueLabeledBody(ReadyLabel),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Status)

	second, err := in.Process(ctx, Delivery{
		DeliveryID: "d-dup", EventType: "issues", Body: issueLabeledBody(ReadyLabel),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Status)

	pipelines, err := store.ListPipelines(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pipelines, 1, "duplicate delivery must not create a second pipeline")
}

func TestProcessMergedPullRequest(t *testing.T) {
	in, _ := setupIngestor(t, "")

	body := []byte(`{
		"action": "closed",
		"pull_request": {"number": 12, "title": "Release prep", "merged": true},
		"repository": {"full_name": "acme/widget"}
	}`)
	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-pr", EventType: "pull_request", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome.Status)
	require.NotNil(t, outcome.Pipeline)
	assert.Equal(t, "refs/pull/12/merge", outcome.Pipeline.Ref)
	assert.Equal(t, "pr-merged", outcome.Pipeline.Trigger)
}

func TestProcessClosedUnmergedPullRequestIgnored(t *testing.T) {
	in, _ := setupIngestor(t, "")

	body := []byte(`{
		"action": "closed",
		"pull_request": {"number": 12, "merged": false},
		"repository": {"full_name": "acme/widget"}
	}`)
	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-pr2", EventType: "pull_request", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
}

func TestProcessReleasePublishedRecordsCompletedPipeline(t *testing.T) {
	in, store := setupIngestor(t, "")
	ctx := context.Background()

	body := []byte(`{
		"action": "published",
		"release": {"tag_name": "v2.0.0", "name": "Widget 2.0"},
		"repository": {"full_name": "acme/widget"}
	}`)
	outcome, err := in.Process(ctx, Delivery{
		DeliveryID: "d-rel", EventType: "release", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome.Status)
	require.NotNil(t, outcome.Pipeline)
	assert.Equal(t, db.PipelineStatusCompleted, outcome.Pipeline.Status)
	require.NotNil(t, outcome.Pipeline.Version)
	assert.Equal(t, "v2.0.0", *outcome.Pipeline.Version)

	// Audit pipelines carry no runnable work.
	p, err := store.GetPipeline(ctx, outcome.Pipeline.ID)
	require.NoError(t, err)
	for _, s := range p.Steps {
		assert.Equal(t, db.StepStatusSkipped, s.Status)
	}
}

func TestProcessWorkflowRunWithoutMatchIsIgnored(t *testing.T) {
	in, _ := setupIngestor(t, "")

	body := []byte(`{
		"action": "completed",
		"workflow_run": {"name": "CI", "path": ".github/workflows/ci.yml", "conclusion": "success", "html_url": "https://example.test/run/1"},
		"repository": {"full_name": "acme/widget"}
	}`)
	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-wf", EventType: "workflow_run", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
	assert.Contains(t, outcome.Reason, "ci.yml")
}

func TestProcessUnknownEventTypeIsIgnored(t *testing.T) {
	in, _ := setupIngestor(t, "")

	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-x", EventType: "star", Body: []byte(`{"action": "created"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
}

func TestProcessSchemaInvalidPayloadIsRecordedAndDropped(t *testing.T) {
	in, store := setupIngestor(t, "")
	ctx := context.Background()

	// Valid JSON but missing the required issue object. The sender is
	// acknowledged so it does not retry; the delivery is kept with its
	// validation error and no pipeline is created.
	outcome, err := in.Process(ctx, Delivery{
		DeliveryID: "d-bad",
		EventType:  "issues",
		Body:       []byte(`{"action": "labeled", "repository": {"full_name": "acme/widget"}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeIgnored, outcome.Status)
	assert.Contains(t, outcome.Reason, "validation")
	assert.Nil(t, outcome.Pipeline)

	events, err := store.ListWebhookEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Error)
	assert.Contains(t, *events[0].Error, "validation")

	pipelines, err := store.ListPipelines(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pipelines)
}

func TestProcessUnparseableBodyIsAnError(t *testing.T) {
	in, store := setupIngestor(t, "")

	outcome, err := in.Process(context.Background(), Delivery{
		DeliveryID: "d-raw",
		EventType:  "issues",
		Body:       []byte(`not json at all`),
	})
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Nil(t, outcome)

	// Nothing to record without a decodable payload.
	events, err := store.ListWebhookEvents(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNormalizeWorkflowPathTrimmed(t *testing.T) {
	cmd, reason, err := normalize("workflow_run", []byte(`{
		"action": "completed",
		"workflow_run": {"name": "Docker", "path": ".github/workflows/docker-build.yml", "conclusion": "failure", "html_url": "u"},
		"repository": {"full_name": "acme/widget"}
	}`))
	require.NoError(t, err)
	assert.Empty(t, reason)
	require.NotNil(t, cmd)
	require.NotNil(t, cmd.complete)
	assert.Equal(t, "docker-build.yml", cmd.complete.workflow)
	assert.False(t, cmd.complete.success)
	assert.Contains(t, cmd.complete.detail, "failure")
}
