// Package ingest turns inbound webhook deliveries into pipeline commands:
// it verifies signatures, deduplicates by delivery ID, validates payload
// shape, and maps recognized events onto engine operations. Every delivery
// is persisted for inspection regardless of outcome.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/engine"
)

// ErrBadSignature indicates the delivery signature did not match the
// configured webhook secret.
var ErrBadSignature = errors.New("webhook signature mismatch")

// ErrMalformedPayload indicates the delivery body is not parseable JSON.
var ErrMalformedPayload = errors.New("payload is not valid JSON")

// Delivery is one raw inbound webhook.
type Delivery struct {
	DeliveryID string
	EventType  string
	Signature  string
	Body       []byte
}

// Outcome statuses.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
)

// Outcome reports what a delivery produced.
type Outcome struct {
	Status   string           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Event    *db.WebhookEvent `json:"event,omitempty"`
	Pipeline *db.Pipeline     `json:"pipeline,omitempty"`
}

// Ingestor processes webhook deliveries against the engine.
type Ingestor struct {
	store  db.Store
	engine *engine.Engine
	secret string
}

// New builds an ingestor. An empty secret disables signature verification,
// which is only appropriate for local development.
func New(store db.Store, eng *engine.Engine, secret string) *Ingestor {
	if secret == "" {
		log.Println("[ingest] no webhook secret configured, signature verification disabled")
	}
	return &Ingestor{store: store, engine: eng, secret: secret}
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the body using HMAC-SHA256.
func (in *Ingestor) VerifySignature(body []byte, signature string) error {
	if in.secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Process runs one delivery end to end. Duplicate deliveries (same
// X-GitHub-Delivery ID) are acknowledged without reprocessing. Shape
// violations are acknowledged too, so the sender does not retry them: the
// delivery is stored with its validation error and reported as ignored.
// Only a bad signature or a body that is not JSON at all is an error.
func (in *Ingestor) Process(ctx context.Context, d Delivery) (*Outcome, error) {
	if err := in.VerifySignature(d.Body, d.Signature); err != nil {
		return nil, err
	}
	if d.DeliveryID != "" {
		seen, err := in.store.HasWebhookDelivery(ctx, d.DeliveryID)
		if err != nil {
			return nil, err
		}
		if seen {
			return &Outcome{Status: OutcomeDuplicate, Reason: "delivery already processed"}, nil
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ev := &db.WebhookEvent{
		DeliveryID: d.DeliveryID,
		EventType:  d.EventType,
		Action:     stringField(payload, "action"),
		Repo:       repoFullName(payload),
		Payload:    payload,
	}
	if err := in.store.SaveWebhookEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("save webhook event: %w", err)
	}

	outcome, err := in.execute(ctx, d, ev)
	in.finalize(ctx, ev, outcome, err)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			log.Printf("[ingest] delivery %s dropped: %v", d.DeliveryID, verr)
			return &Outcome{Status: OutcomeIgnored, Reason: verr.Error(), Event: ev}, nil
		}
		return nil, err
	}
	outcome.Event = ev
	return outcome, nil
}

func (in *Ingestor) execute(ctx context.Context, d Delivery, ev *db.WebhookEvent) (*Outcome, error) {
	if err := validatePayload(d.EventType, d.Body); err != nil {
		return nil, err
	}
	cmd, reason, err := normalize(d.EventType, d.Body)
	if err != nil {
		// A nested field of the wrong type slipped past the shape check.
		return nil, &ValidationError{Errors: []FieldError{{Field: "payload", Message: err.Error()}}}
	}
	if cmd == nil {
		return &Outcome{Status: OutcomeIgnored, Reason: reason}, nil
	}

	switch {
	case cmd.create != nil:
		p, err := in.engine.CreatePipeline(ctx, cmd.create.input)
		if err != nil {
			return nil, err
		}
		if cmd.create.start {
			if p, err = in.engine.Start(ctx, p.ID); err != nil {
				return nil, err
			}
		}
		log.Printf("[ingest] %s %s/%s created pipeline %s (%s)",
			d.EventType, ev.Action, ev.Repo, p.ID, p.Status)
		return &Outcome{Status: OutcomeProcessed, Pipeline: p}, nil

	case cmd.complete != nil:
		p, err := in.engine.CompleteStepExternal(ctx,
			cmd.complete.repo, cmd.complete.workflow, cmd.complete.success, cmd.complete.detail)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return &Outcome{Status: OutcomeIgnored,
				Reason: fmt.Sprintf("no running step awaits workflow %s for %s", cmd.complete.workflow, cmd.complete.repo)}, nil
		}
		return &Outcome{Status: OutcomeProcessed, Pipeline: p}, nil
	}
	return &Outcome{Status: OutcomeIgnored}, nil
}

// finalize stamps the stored delivery with its processing result.
func (in *Ingestor) finalize(ctx context.Context, ev *db.WebhookEvent, outcome *Outcome, procErr error) {
	now := time.Now().UTC()
	ev.Processed = true
	ev.ProcessedAt = &now
	if procErr != nil {
		msg := procErr.Error()
		ev.Error = &msg
	} else if outcome != nil && outcome.Pipeline != nil {
		id := outcome.Pipeline.ID
		ev.PipelineID = &id
	}
	if err := in.store.UpdateWebhookEvent(ctx, ev); err != nil {
		log.Printf("[ingest] update webhook event %s: %v", ev.ID, err)
	}
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func repoFullName(payload map[string]interface{}) string {
	repo, _ := payload["repository"].(map[string]interface{})
	name, _ := repo["full_name"].(string)
	return name
}
