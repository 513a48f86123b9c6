package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool and implements Store.
type DB struct {
	pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// Connect establishes a connection pool to the database and ensures the
// schema exists.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id           UUID PRIMARY KEY,
	repo         VARCHAR(255) NOT NULL,
	ref          VARCHAR(255) NOT NULL,
	version      VARCHAR(50),
	status       VARCHAR(20) NOT NULL DEFAULT 'pending',
	trigger      VARCHAR(50) NOT NULL,
	trigger_data JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pipeline_steps (
	id                UUID PRIMARY KEY,
	pipeline_id       UUID NOT NULL REFERENCES pipelines(id),
	name              VARCHAR(100) NOT NULL,
	stage             VARCHAR(50) NOT NULL,
	seq               INT NOT NULL,
	status            VARCHAR(20) NOT NULL DEFAULT 'pending',
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	attempt           INT NOT NULL DEFAULT 1,
	logs              TEXT NOT NULL DEFAULT '',
	error             TEXT,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS approvals (
	id           UUID PRIMARY KEY,
	pipeline_id  UUID NOT NULL REFERENCES pipelines(id),
	step_id      UUID NOT NULL REFERENCES pipeline_steps(id),
	stage        VARCHAR(50) NOT NULL,
	status       VARCHAR(20) NOT NULL DEFAULT 'pending',
	requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at   TIMESTAMPTZ NOT NULL,
	resolved_at  TIMESTAMPTZ,
	resolved_by  VARCHAR(100),
	comment      TEXT
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id           UUID PRIMARY KEY,
	delivery_id  VARCHAR(100) NOT NULL DEFAULT '',
	event_type   VARCHAR(50) NOT NULL,
	action       VARCHAR(50) NOT NULL DEFAULT '',
	repo         VARCHAR(255) NOT NULL,
	payload      JSONB,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ,
	pipeline_id  UUID,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_steps_pipeline ON pipeline_steps(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_webhook_delivery ON webhook_events(delivery_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);
`

// migrate creates the schema if it does not exist yet.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
