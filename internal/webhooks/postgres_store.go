package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nestbid/nestbid/internal/events"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = "id, user_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures"

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+subColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, eventsJSON, sub.Active,
		sub.CreatedAt, sub.LastSuccess, nullableStr(sub.LastError), sub.ConsecutiveFailures)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

// GetByEvent returns the active subscriptions whose event list contains
// eventType, via JSONB containment so the filter runs in the database.
func (p *PostgresStore) GetByEvent(ctx context.Context, eventType events.Type) ([]*Subscription, error) {
	needle, err := json.Marshal([]events.Type{eventType})
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM webhooks WHERE active = TRUE AND events @> $1::jsonb`,
		string(needle))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhooks
		 SET active = $2, last_success = $3, last_error = $4, consecutive_failures = $5
		 WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, nullableStr(sub.LastError), sub.ConsecutiveFailures)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub        Subscription
		eventsJSON []byte
		okAt       sql.NullTime
		lastErr    sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &okAt, &lastErr, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if okAt.Valid {
		sub.LastSuccess = &okAt.Time
	}
	sub.LastError = lastErr.String
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullableStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Migrate creates the webhooks table. Mirrors the goose migration so a dev
// server can bootstrap without the migrate tool.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhooks (
		    id                   VARCHAR(40) PRIMARY KEY,
		    user_id              VARCHAR(80) NOT NULL,
		    url                  TEXT        NOT NULL,
		    secret               VARCHAR(80) NOT NULL,
		    events               JSONB       NOT NULL,
		    active               BOOLEAN     NOT NULL DEFAULT TRUE,
		    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		    last_success         TIMESTAMPTZ,
		    last_error           TEXT,
		    consecutive_failures INTEGER     NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS webhooks_user_idx ON webhooks (user_id);
		CREATE INDEX IF NOT EXISTS webhooks_active_idx ON webhooks (active) WHERE active = TRUE;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
