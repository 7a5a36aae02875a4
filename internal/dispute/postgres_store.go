package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dispute table. The partial unique index backs the
// one-open-dispute-per-payment rule while letting settled disputes pile up.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id                   VARCHAR(40) PRIMARY KEY,
			milestone_payment_id VARCHAR(40) NOT NULL,
			opened_by            VARCHAR(80) NOT NULL,
			reason               TEXT        NOT NULL,
			status               VARCHAR(20) NOT NULL DEFAULT 'opened',
			resolution_amount    NUMERIC(20,6),
			reviewed_by          VARCHAR(80) NOT NULL DEFAULT '',
			resolved_by          VARCHAR(80) NOT NULL DEFAULT '',
			notes                TEXT        NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at          TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_dispute_open_payment ON disputes(milestone_payment_id)
			WHERE status IN ('opened', 'under_review');
		CREATE INDEX IF NOT EXISTS idx_dispute_payment ON disputes(milestone_payment_id, created_at DESC);
	`)
	return err
}

const disputeColumns = `id, milestone_payment_id, opened_by, reason, status, resolution_amount,
	reviewed_by, resolved_by, notes, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.MilestonePaymentID, d.OpenedBy, d.Reason, d.Status, nullDecimal(d.ResolutionAmount),
		d.ReviewedBy, d.ResolvedBy, d.Notes, d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDisputeExists
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE milestone_payment_id = $1 AND status IN ('opened', 'under_review')
		LIMIT 1
	`, paymentID))
}

func (p *PostgresStore) GetByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE milestone_payment_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, paymentID))
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution_amount = $3, reviewed_by = $4, resolved_by = $5,
			notes = $6, updated_at = $7, resolved_at = $8
		WHERE id = $1
	`, d.ID, d.Status, nullDecimal(d.ResolutionAmount), d.ReviewedBy, d.ResolvedBy,
		d.Notes, d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, to, time.Now().UTC(), from)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT TRUE FROM disputes WHERE id = $1`, id).Scan(&exists); err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM disputes GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var resolutionAmount decimal.NullDecimal
	var resolvedAt sql.NullTime
	err := s.Scan(&d.ID, &d.MilestonePaymentID, &d.OpenedBy, &d.Reason, &d.Status,
		&resolutionAmount, &d.ReviewedBy, &d.ResolvedBy, &d.Notes,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolutionAmount.Valid {
		amt := resolutionAmount.Decimal
		d.ResolutionAmount = &amt
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
