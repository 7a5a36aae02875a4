package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditIP attaches the client IP for audit logging.
func WithAuditIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithAuditRequestID attaches a request ID for audit correlation.
func WithAuditRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// AuditRecord is one privileged-operation audit row: who changed an account,
// how, and what the balances looked like around the change.
type AuditRecord struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	ActorType   string    `json:"actor_type"`
	ActorID     string    `json:"actor_id,omitempty"`
	Operation   string    `json:"operation"`
	Amount      string    `json:"amount,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	BeforeState string    `json:"before_state,omitempty"`
	AfterState  string    `json:"after_state,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Audited operations.
const (
	AuditOpAdjust    = "adjust"
	AuditOpReconcile = "reconcile"
	AuditOpFreeze    = "freeze"
	AuditOpClose     = "close"
)

// AuditLogger persists audit records.
type AuditLogger interface {
	LogAudit(ctx context.Context, rec *AuditRecord) error
	QueryAudit(ctx context.Context, accountID string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error)
}

func balanceSnapshot(acct *Account) string {
	if acct == nil {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string{
		"available": acct.Available.String(),
		"pending":   acct.Pending.String(),
		"status":    acct.Status,
	})
	return string(b)
}

// recordAudit never fails the operation it describes; writes are best-effort.
func (s *Service) recordAudit(ctx context.Context, accountID, operation, amount, reference, description string, before, after *Account) {
	if s.audit == nil {
		return
	}
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	rec := &AuditRecord{
		AccountID:   accountID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   operation,
		Amount:      amount,
		Reference:   reference,
		BeforeState: balanceSnapshot(before),
		AfterState:  balanceSnapshot(after),
		RequestID:   requestID,
		IPAddress:   ip,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := s.audit.LogAudit(ctx, rec); err != nil {
		s.logger.Warn("failed to write audit record",
			"account_id", accountID, "operation", operation, "error", err)
	}
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit records to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

// Migrate creates the audit table.
func (l *PostgresAuditLogger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_audit_log (
			id           BIGSERIAL PRIMARY KEY,
			account_id   VARCHAR(40) NOT NULL,
			actor_type   VARCHAR(20) NOT NULL,
			actor_id     VARCHAR(80),
			operation    VARCHAR(30) NOT NULL,
			amount       NUMERIC(20,6),
			reference    VARCHAR(120),
			before_state JSONB,
			after_state  JSONB,
			request_id   VARCHAR(64),
			ip_address   VARCHAR(45),
			description  TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_account ON ledger_audit_log(account_id, created_at DESC);
	`)
	return err
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_audit_log (account_id, actor_type, actor_id, operation, amount, reference, before_state, after_state, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::NUMERIC(20,6), $6, $7::JSONB, $8::JSONB, $9, $10, $11, $12)
	`, rec.AccountID, rec.ActorType, rec.ActorID, rec.Operation, rec.Amount, rec.Reference,
		rec.BeforeState, rec.AfterState, rec.RequestID, rec.IPAddress, rec.Description, rec.CreatedAt)
	return err
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, accountID string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now()
	}

	query := `SELECT id, account_id, actor_type, COALESCE(actor_id, ''), operation,
		COALESCE(amount::TEXT, ''), COALESCE(reference, ''),
		COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
		FROM ledger_audit_log
		WHERE account_id = $1 AND created_at >= $2 AND created_at <= $3`
	args := []any{accountID, from, to}
	if operation != "" {
		query += ` AND operation = $4 ORDER BY created_at DESC LIMIT $5`
		args = append(args, operation, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $4`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ActorType, &rec.ActorID, &rec.Operation,
			&rec.Amount, &rec.Reference, &rec.BeforeState, &rec.AfterState,
			&rec.RequestID, &rec.IPAddress, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit records in memory for development mode and tests.
type MemoryAuditLogger struct {
	mu      sync.RWMutex
	records []*AuditRecord
	nextID  int64
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, rec *AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *rec
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.records = append(l.records, &cp)
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, accountID string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditRecord
	for i := len(l.records) - 1; i >= 0 && len(result) < limit; i-- {
		rec := l.records[i]
		if rec.AccountID != accountID {
			continue
		}
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		if operation != "" && rec.Operation != operation {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}
