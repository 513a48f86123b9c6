package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const webhookColumns = `id, delivery_id, event_type, action, repo, payload, processed, processed_at, pipeline_id, error, created_at`

func scanWebhookEvent(row pgx.Row) (*WebhookEvent, error) {
	var ev WebhookEvent
	var payload []byte
	err := row.Scan(&ev.ID, &ev.DeliveryID, &ev.EventType, &ev.Action, &ev.Repo,
		&payload, &ev.Processed, &ev.ProcessedAt, &ev.PipelineID, &ev.Error, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		_ = json.Unmarshal(payload, &ev.Payload)
	}
	return &ev, nil
}

// SaveWebhookEvent stores an inbound webhook delivery.
func (db *DB) SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	var payload []byte
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (id, delivery_id, event_type, action, repo, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+webhookColumns,
		ev.ID, ev.DeliveryID, ev.EventType, ev.Action, ev.Repo, payload)
	saved, err := scanWebhookEvent(row)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	*ev = *saved
	return nil
}

// UpdateWebhookEvent updates the processing outcome fields of a stored delivery.
func (db *DB) UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = $1, processed_at = $2, pipeline_id = $3, error = $4
		 WHERE id = $5`,
		ev.Processed, ev.ProcessedAt, ev.PipelineID, ev.Error, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// HasWebhookDelivery reports whether a delivery ID has been seen before.
func (db *DB) HasWebhookDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE delivery_id = $1)`, deliveryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook delivery: %w", err)
	}
	return exists, nil
}

// GetWebhookEvent retrieves a stored delivery by ID.
func (db *DB) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	ev, err := scanWebhookEvent(db.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

// ListWebhookEvents retrieves stored deliveries newest first.
func (db *DB) ListWebhookEvents(ctx context.Context, limit, offset int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
