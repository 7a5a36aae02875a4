package bids

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

// NewPostgresStore creates a new PostgreSQL-backed bid store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bid lifecycle tables. The unique constraints back the
// two acceptance rules: one acceptance per bid ever, one open acceptance
// per card at a time.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bids (
			id            VARCHAR(40) PRIMARY KEY,
			bid_card_id   VARCHAR(40)   NOT NULL,
			contractor_id VARCHAR(80)   NOT NULL,
			amount        NUMERIC(20,6) NOT NULL,
			currency      VARCHAR(3)    NOT NULL,
			status        VARCHAR(20)   NOT NULL DEFAULT 'active',
			submitted_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_bid_amount_pos CHECK (amount > 0)
		);
		CREATE INDEX IF NOT EXISTS idx_bids_card ON bids(bid_card_id, status);

		CREATE TABLE IF NOT EXISTS bid_acceptances (
			id              VARCHAR(40) PRIMARY KEY,
			bid_id          VARCHAR(40)   NOT NULL REFERENCES bids(id),
			bid_card_id     VARCHAR(40)   NOT NULL,
			accepted_by     VARCHAR(80)   NOT NULL,
			fee_amount      NUMERIC(20,6) NOT NULL,
			fee_calc_method VARCHAR(20)   NOT NULL,
			currency        VARCHAR(3)    NOT NULL,
			status          VARCHAR(20)   NOT NULL DEFAULT 'pending_payment',
			fallback_bid_id VARCHAR(40),
			accepted_at     TIMESTAMPTZ   NOT NULL,
			expires_at      TIMESTAMPTZ   NOT NULL,
			created_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_acceptance_bid UNIQUE (bid_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_acceptance_open_card
			ON bid_acceptances(bid_card_id)
			WHERE status = 'pending_payment';
		CREATE INDEX IF NOT EXISTS idx_acceptances_expiry ON bid_acceptances(status, expires_at);

		CREATE TABLE IF NOT EXISTS connection_payments (
			id              VARCHAR(40) PRIMARY KEY,
			acceptance_id   VARCHAR(40)   NOT NULL REFERENCES bid_acceptances(id),
			contractor_id   VARCHAR(80)   NOT NULL,
			amount          NUMERIC(20,6) NOT NULL,
			currency        VARCHAR(3)    NOT NULL,
			processor_ref   VARCHAR(120),
			idempotency_key VARCHAR(120)  NOT NULL,
			status          VARCHAR(20)   NOT NULL DEFAULT 'pending',
			failure_reason  TEXT,
			created_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_payment_acceptance UNIQUE (acceptance_id)
		);
		CREATE INDEX IF NOT EXISTS idx_payments_key ON connection_payments(idempotency_key);

		CREATE TABLE IF NOT EXISTS contact_releases (
			id            VARCHAR(40) PRIMARY KEY,
			acceptance_id VARCHAR(40) NOT NULL REFERENCES bid_acceptances(id),
			bid_card_id   VARCHAR(40) NOT NULL,
			contractor_id VARCHAR(80) NOT NULL,
			homeowner_id  VARCHAR(80) NOT NULL,
			fields        TEXT[]      NOT NULL,
			released_at   TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_release_acceptance UNIQUE (acceptance_id)
		);
	`)
	return err
}

const bidColumns = `id, bid_card_id, contractor_id, amount, currency, status, submitted_at`

const acceptanceColumns = `id, bid_id, bid_card_id, accepted_by, fee_amount, fee_calc_method,
	currency, status, fallback_bid_id, accepted_at, expires_at, created_at, updated_at`

const paymentColumns = `id, acceptance_id, contractor_id, amount, currency, processor_ref,
	idempotency_key, status, failure_reason, created_at, updated_at`

func (p *PostgresStore) CreateBid(ctx context.Context, bid *Bid) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, bid.ID, bid.BidCardID, bid.ContractorID, bid.Amount, bid.Currency, bid.Status, bid.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to create bid: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	return scanBid(p.db.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE id = $1
	`, id))
}

func (p *PostgresStore) UpdateBid(ctx context.Context, bid *Bid) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bids SET amount = $2, currency = $3, status = $4 WHERE id = $1
	`, bid.ID, bid.Amount, bid.Currency, bid.Status)
	if err != nil {
		return fmt.Errorf("failed to update bid: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrBidNotFound
	}
	return nil
}

func (p *PostgresStore) ListBidsByCard(ctx context.Context, bidCardID string, limit int) ([]*Bid, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.queryBids(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE bid_card_id = $1
		ORDER BY submitted_at ASC, id ASC
		LIMIT $2
	`, bidCardID, limit)
}

func (p *PostgresStore) RankActiveBids(ctx context.Context, bidCardID string, limit int) ([]*Bid, error) {
	if limit <= 0 {
		limit = 5
	}
	return p.queryBids(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE bid_card_id = $1 AND status = 'active'
		ORDER BY amount DESC, submitted_at ASC, id ASC
		LIMIT $2
	`, bidCardID, limit)
}

func (p *PostgresStore) CountActiveBids(ctx context.Context, bidCardID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bids WHERE bid_card_id = $1 AND status = 'active'
	`, bidCardID).Scan(&count)
	return count, err
}

func (p *PostgresStore) queryBids(ctx context.Context, query string, args ...any) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func (p *PostgresStore) CreateAcceptance(ctx context.Context, a *Acceptance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bid_acceptances (`+acceptanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.BidID, a.BidCardID, a.AcceptedBy, a.FeeAmount, a.FeeCalcMethod,
		a.Currency, a.Status, nullString(a.FallbackBidID), a.AcceptedAt, a.ExpiresAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "uq_acceptance_bid" {
				return ErrBidAlreadyAccepted
			}
			return ErrAcceptanceConflict
		}
		return fmt.Errorf("failed to create acceptance: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAcceptance(ctx context.Context, id string) (*Acceptance, error) {
	return scanAcceptance(p.db.QueryRowContext(ctx, `
		SELECT `+acceptanceColumns+` FROM bid_acceptances WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetOpenAcceptanceByCard(ctx context.Context, bidCardID string) (*Acceptance, error) {
	return scanAcceptance(p.db.QueryRowContext(ctx, `
		SELECT `+acceptanceColumns+` FROM bid_acceptances
		WHERE bid_card_id = $1 AND status = 'pending_payment'
	`, bidCardID))
}

func (p *PostgresStore) UpdateAcceptance(ctx context.Context, a *Acceptance) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bid_acceptances SET
			status          = $2,
			fallback_bid_id = $3,
			expires_at      = $4,
			updated_at      = $5
		WHERE id = $1
	`, a.ID, a.Status, nullString(a.FallbackBidID), a.ExpiresAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update acceptance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAcceptanceNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateAcceptanceStatusIf(ctx context.Context, id string, from, to AcceptanceStatus) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bid_acceptances SET status = $2, updated_at = $3
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
	if err := p.db.QueryRowContext(ctx, `SELECT TRUE FROM bid_acceptances WHERE id = $1`, id).Scan(&exists); err == sql.ErrNoRows {
		return false, ErrAcceptanceNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListExpiredAcceptances(ctx context.Context, before time.Time, limit int) ([]*Acceptance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+acceptanceColumns+` FROM bid_acceptances
		WHERE status = 'pending_payment' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acceptances []*Acceptance
	for rows.Next() {
		a, err := scanAcceptance(rows)
		if err != nil {
			return nil, err
		}
		acceptances = append(acceptances, a)
	}
	return acceptances, rows.Err()
}

func (p *PostgresStore) CountAcceptancesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM bid_acceptances GROUP BY status
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

func (p *PostgresStore) CreatePayment(ctx context.Context, payment *ConnectionPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connection_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, payment.ID, payment.AcceptanceID, payment.ContractorID, payment.Amount, payment.Currency,
		nullString(payment.ProcessorRef), payment.IdempotencyKey, payment.Status,
		nullString(payment.FailureReason), payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Another instance already opened this acceptance's payment row.
			return ErrPaymentInFlight
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPaymentByAcceptance(ctx context.Context, acceptanceID string) (*ConnectionPayment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM connection_payments WHERE acceptance_id = $1
	`, acceptanceID))
}

func (p *PostgresStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*ConnectionPayment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM connection_payments WHERE idempotency_key = $1
	`, idempotencyKey))
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, payment *ConnectionPayment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE connection_payments SET
			processor_ref   = $2,
			idempotency_key = $3,
			status          = $4,
			failure_reason  = $5,
			updated_at      = $6
		WHERE id = $1
	`, payment.ID, nullString(payment.ProcessorRef), payment.IdempotencyKey, payment.Status,
		nullString(payment.FailureReason), payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) CreateContactRelease(ctx context.Context, r *ContactRelease) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contact_releases (id, acceptance_id, bid_card_id, contractor_id, homeowner_id, fields, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.AcceptanceID, r.BidCardID, r.ContractorID, r.HomeownerID, pq.Array(r.Fields), r.ReleasedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrContactAlreadyReleased
		}
		return fmt.Errorf("failed to create contact release: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetContactRelease(ctx context.Context, acceptanceID string) (*ContactRelease, error) {
	r := &ContactRelease{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, acceptance_id, bid_card_id, contractor_id, homeowner_id, fields, released_at
		FROM contact_releases WHERE acceptance_id = $1
	`, acceptanceID).Scan(&r.ID, &r.AcceptanceID, &r.BidCardID, &r.ContractorID, &r.HomeownerID,
		pq.Array(&r.Fields), &r.ReleasedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReleaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBid(s scanner) (*Bid, error) {
	bid := &Bid{}
	err := s.Scan(&bid.ID, &bid.BidCardID, &bid.ContractorID, &bid.Amount,
		&bid.Currency, &bid.Status, &bid.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}
	return bid, nil
}

func scanAcceptance(s scanner) (*Acceptance, error) {
	a := &Acceptance{}
	var fallback sql.NullString
	err := s.Scan(&a.ID, &a.BidID, &a.BidCardID, &a.AcceptedBy, &a.FeeAmount, &a.FeeCalcMethod,
		&a.Currency, &a.Status, &fallback, &a.AcceptedAt, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAcceptanceNotFound
	}
	if err != nil {
		return nil, err
	}
	a.FallbackBidID = fallback.String
	return a, nil
}

func scanPayment(s scanner) (*ConnectionPayment, error) {
	payment := &ConnectionPayment{}
	var processorRef, failureReason sql.NullString
	err := s.Scan(&payment.ID, &payment.AcceptanceID, &payment.ContractorID, &payment.Amount,
		&payment.Currency, &processorRef, &payment.IdempotencyKey, &payment.Status,
		&failureReason, &payment.CreatedAt, &payment.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	payment.ProcessorRef = processorRef.String
	payment.FailureReason = failureReason.String
	return payment, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
