package milestone

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the milestone payment table. The unique constraint backs
// the one-payment-per-milestone rule.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS milestone_payments (
			id               VARCHAR(40) PRIMARY KEY,
			project_id       VARCHAR(40)   NOT NULL,
			milestone_id     VARCHAR(40)   NOT NULL,
			payer_id         VARCHAR(80)   NOT NULL,
			payee_id         VARCHAR(80)   NOT NULL,
			amount           NUMERIC(20,6) NOT NULL,
			currency         VARCHAR(3)    NOT NULL,
			status           VARCHAR(20)   NOT NULL DEFAULT 'pending',
			escrow_entry_ids TEXT[]        NOT NULL DEFAULT '{}',
			funded_at        TIMESTAMPTZ,
			closed_at        TIMESTAMPTZ,
			created_at       TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_milestone_amount_pos CHECK (amount > 0),
			CONSTRAINT uq_milestone_payment UNIQUE (project_id, milestone_id)
		);
		CREATE INDEX IF NOT EXISTS idx_milestone_project ON milestone_payments(project_id, status);
		CREATE INDEX IF NOT EXISTS idx_milestone_external ON milestone_payments(milestone_id);
	`)
	return err
}

const paymentColumns = `id, project_id, milestone_id, payer_id, payee_id, amount, currency,
	status, escrow_entry_ids, funded_at, closed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO milestone_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, pay.ID, pay.ProjectID, pay.MilestoneID, pay.PayerID, pay.PayeeID, pay.Amount, pay.Currency,
		pay.Status, pq.Array(pay.EscrowEntryIDs), nullTime(pay.FundedAt), nullTime(pay.ClosedAt),
		pay.CreatedAt, pay.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateMilestone
		}
		return fmt.Errorf("failed to create milestone payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM milestone_payments WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByMilestoneID(ctx context.Context, milestoneID string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM milestone_payments
		WHERE milestone_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, milestoneID))
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestone_payments
		SET status = $2, escrow_entry_ids = $3, funded_at = $4, closed_at = $5, updated_at = $6
		WHERE id = $1
	`, pay.ID, pay.Status, pq.Array(pay.EscrowEntryIDs), nullTime(pay.FundedAt),
		nullTime(pay.ClosedAt), pay.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update milestone payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestone_payments SET status = $2, updated_at = $3
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
	if err := p.db.QueryRowContext(ctx, `SELECT TRUE FROM milestone_payments WHERE id = $1`, id).Scan(&exists); err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM milestone_payments
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestone payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM milestone_payments GROUP BY status
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

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var entryIDs pq.StringArray
	var fundedAt, closedAt sql.NullTime
	err := s.Scan(&pay.ID, &pay.ProjectID, &pay.MilestoneID, &pay.PayerID, &pay.PayeeID,
		&pay.Amount, &pay.Currency, &pay.Status, &entryIDs, &fundedAt, &closedAt,
		&pay.CreatedAt, &pay.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.EscrowEntryIDs = entryIDs
	if fundedAt.Valid {
		pay.FundedAt = &fundedAt.Time
	}
	if closedAt.Valid {
		pay.ClosedAt = &closedAt.Time
	}
	return pay, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
