package inbound

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresDedup implements ProcessedStore with PostgreSQL. The primary key
// makes MarkProcessed a single atomic insert, so the check works across
// instances.
type PostgresDedup struct {
	db *sql.DB
}

// NewPostgresDedup creates a PostgreSQL-backed processed-event store.
func NewPostgresDedup(db *sql.DB) *PostgresDedup {
	return &PostgresDedup{db: db}
}

// Migrate creates the processed-events table.
func (p *PostgresDedup) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id     VARCHAR(120) PRIMARY KEY,
			processed_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at);
	`)
	return err
}

func (p *PostgresDedup) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id) VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresDedup) Unmark(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to unmark event: %w", err)
	}
	return nil
}

func (p *PostgresDedup) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return int(n), nil
}
