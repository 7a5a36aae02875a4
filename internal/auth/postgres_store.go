package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = "id, hash, user_id, role, name, created_at, last_used, expires_at, revoked"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanKey maps one api_keys row onto an APIKey, folding the nullable
// timestamp columns.
func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key APIKey
		lu  sql.NullTime
		exp sql.NullTime
	)
	err := row.Scan(&key.ID, &key.Hash, &key.UserID, &key.Role, &key.Name,
		&key.CreatedAt, &lu, &exp, &key.Revoked)
	if err != nil {
		return nil, err
	}
	if lu.Valid {
		key.LastUsed = lu.Time
	}
	if exp.Valid {
		key.ExpiresAt = &exp.Time
	}
	return &key, nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Create stores a new API key.
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Hash, key.UserID, key.Role, key.Name,
		key.CreatedAt, nullableTime(key.LastUsed), key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash looks a key up by digest. Revoked and expired keys are returned
// as stored; deciding whether a key still authenticates is the Manager's
// job, and Seed needs to see revoked keys to stay idempotent.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByUser retrieves every key issued to a user, newest first.
func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, scanErr := scanKey(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update persists a key's mutable fields, last_used and revoked.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = $2, revoked = $3 WHERE id = $1`,
		key.ID, nullableTime(key.LastUsed), key.Revoked)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes a key outright.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// Migrate creates the api_keys table. The DDL mirrors the goose migration so
// a dev server can bootstrap without running the migrate tool.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
		    id         VARCHAR(40) PRIMARY KEY,
		    hash       CHAR(64)    NOT NULL,
		    user_id    VARCHAR(80) NOT NULL,
		    role       VARCHAR(10) NOT NULL DEFAULT 'user',
		    name       TEXT        NOT NULL DEFAULT '',
		    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    last_used  TIMESTAMPTZ,
		    expires_at TIMESTAMPTZ,
		    revoked    BOOLEAN     NOT NULL DEFAULT FALSE,
		    CONSTRAINT api_keys_hash_key UNIQUE (hash)
		);
		CREATE INDEX IF NOT EXISTS api_keys_user_idx ON api_keys (user_id);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
