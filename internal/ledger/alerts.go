package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/idgen"
)

// Alert types.
const (
	AlertLowBalance      = "low_balance"
	AlertLargeAdjustment = "large_adjustment"
	AlertInvariant       = "invariant_violation"
)

// AlertConfig is a per-account alert rule.
type AlertConfig struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	AlertType  string    `json:"alert_type"`
	Threshold  string    `json:"threshold"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Alert is one notification produced by a rule, or by the ledger itself for
// invariant violations.
type Alert struct {
	ID           int64     `json:"id"`
	ConfigID     string    `json:"config_id,omitempty"`
	AccountID    string    `json:"account_id"`
	AlertType    string    `json:"alert_type"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// AlertStore keeps alert rules and the notifications they produce.
type AlertStore interface {
	// GetConfigs returns the enabled rules for an account.
	GetConfigs(ctx context.Context, accountID string) ([]*AlertConfig, error)
	CreateConfig(ctx context.Context, config *AlertConfig) error
	DisableConfig(ctx context.Context, configID string) error
	CreateAlert(ctx context.Context, alert *Alert) error
	GetAlerts(ctx context.Context, accountID string, limit int) ([]*Alert, error)
}

// AlertChecker evaluates alert rules after balance-changing operations and
// pushes operator notifications for invariant violations.
type AlertChecker struct {
	store           AlertStore
	operatorWebhook string
}

// NewAlertChecker wraps a store for rule evaluation.
func NewAlertChecker(store AlertStore) *AlertChecker {
	return &AlertChecker{store: store}
}

// WithOperatorWebhook sets the URL notified on invariant violations.
func (c *AlertChecker) WithOperatorWebhook(url string) *AlertChecker {
	c.operatorWebhook = url
	return c
}

// Check evaluates the account's rules against its post-operation state.
// Everything here is best-effort: alerting must never block or fail the
// ledger write that triggered it.
func (c *AlertChecker) Check(ctx context.Context, acct *Account, kind string, amount decimal.Decimal) {
	configs, err := c.store.GetConfigs(ctx, acct.ID)
	if err != nil {
		return
	}
	for _, cfg := range configs {
		message, fired := evaluate(cfg, acct, kind, amount)
		if !fired {
			continue
		}
		c.raise(ctx, &Alert{
			ConfigID:  cfg.ID,
			AccountID: acct.ID,
			AlertType: cfg.AlertType,
			Message:   message,
			CreatedAt: time.Now(),
		}, cfg.WebhookURL)
	}
}

// NotifyInvariantViolation records an operator alert for an account frozen by
// a replay mismatch. Always on; rules do not gate it.
func (c *AlertChecker) NotifyInvariantViolation(ctx context.Context, accountID, message string) {
	c.raise(ctx, &Alert{
		AccountID: accountID,
		AlertType: AlertInvariant,
		Message:   message,
		CreatedAt: time.Now(),
	}, c.operatorWebhook)
}

// evaluate applies one rule to the account state after an operation.
func evaluate(cfg *AlertConfig, acct *Account, kind string, amount decimal.Decimal) (string, bool) {
	threshold, err := decimal.NewFromString(cfg.Threshold)
	if err != nil {
		return "", false
	}
	switch cfg.AlertType {
	case AlertLowBalance:
		if acct.Available.LessThanOrEqual(threshold) {
			return fmt.Sprintf("Available balance %s is at or below alert threshold %s", acct.Available, cfg.Threshold), true
		}
	case AlertLargeAdjustment:
		if kind == KindAdjustment && amount.Abs().GreaterThanOrEqual(threshold) {
			return fmt.Sprintf("Manual adjustment %s reached alert threshold %s", amount, cfg.Threshold), true
		}
	}
	return "", false
}

// raise persists the alert and, when a webhook is configured, pushes it out
// on a goroutine so callers never wait on a receiver.
func (c *AlertChecker) raise(ctx context.Context, alert *Alert, webhookURL string) {
	_ = c.store.CreateAlert(ctx, alert)
	if webhookURL != "" {
		go postAlert(webhookURL, alert)
	}
}

var alertClient = &http.Client{Timeout: 5 * time.Second}

func postAlert(url string, alert *Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	resp, err := alertClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// PostgresAlertStore is the database-backed AlertStore.
type PostgresAlertStore struct {
	db *sql.DB
}

// NewPostgresAlertStore returns an AlertStore on db.
func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

// Migrate creates the alert tables.
func (s *PostgresAlertStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account_alert_configs (
			id          VARCHAR(40) PRIMARY KEY,
			account_id  VARCHAR(40)   NOT NULL,
			alert_type  VARCHAR(30)   NOT NULL,
			threshold   NUMERIC(20,6) NOT NULL,
			webhook_url TEXT,
			enabled     BOOLEAN       NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS account_alerts (
			id           BIGSERIAL PRIMARY KEY,
			config_id    VARCHAR(40),
			account_id   VARCHAR(40) NOT NULL,
			alert_type   VARCHAR(30) NOT NULL,
			message      TEXT        NOT NULL,
			acknowledged BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_account ON account_alerts(account_id, created_at DESC);
	`)
	return err
}

func (s *PostgresAlertStore) GetConfigs(ctx context.Context, accountID string) ([]*AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, alert_type, threshold::TEXT, COALESCE(webhook_url, ''), enabled, created_at
		FROM account_alert_configs
		WHERE account_id = $1 AND enabled = TRUE
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertConfig
	for rows.Next() {
		cfg := new(AlertConfig)
		if err := rows.Scan(&cfg.ID, &cfg.AccountID, &cfg.AlertType, &cfg.Threshold,
			&cfg.WebhookURL, &cfg.Enabled, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresAlertStore) CreateConfig(ctx context.Context, cfg *AlertConfig) error {
	if cfg.ID == "" {
		cfg.ID = idgen.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_alert_configs (id, account_id, alert_type, threshold, webhook_url, enabled, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NOW())
	`, cfg.ID, cfg.AccountID, cfg.AlertType, cfg.Threshold, cfg.WebhookURL, cfg.Enabled)
	return err
}

func (s *PostgresAlertStore) DisableConfig(ctx context.Context, configID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE account_alert_configs SET enabled = FALSE WHERE id = $1`, configID)
	return err
}

func (s *PostgresAlertStore) CreateAlert(ctx context.Context, alert *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_alerts (config_id, account_id, alert_type, message, acknowledged, created_at)
		VALUES (NULLIF($1, ''), $2, $3, $4, FALSE, $5)
	`, alert.ConfigID, alert.AccountID, alert.AlertType, alert.Message, alert.CreatedAt)
	return err
}

func (s *PostgresAlertStore) GetAlerts(ctx context.Context, accountID string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(config_id, ''), account_id, alert_type, message, acknowledged, created_at
		FROM account_alerts
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		alert := new(Alert)
		if err := rows.Scan(&alert.ID, &alert.ConfigID, &alert.AccountID, &alert.AlertType,
			&alert.Message, &alert.Acknowledged, &alert.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// MemoryAlertStore holds alert state in process for tests and dev mode.
type MemoryAlertStore struct {
	mu      sync.RWMutex
	configs map[string]*AlertConfig
	alerts  []*Alert
	lastID  int64
}

// NewMemoryAlertStore returns an empty in-process AlertStore.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{configs: make(map[string]*AlertConfig)}
}

func (s *MemoryAlertStore) GetConfigs(_ context.Context, accountID string) ([]*AlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AlertConfig
	for _, cfg := range s.configs {
		if cfg.AccountID != accountID || !cfg.Enabled {
			continue
		}
		dup := *cfg
		out = append(out, &dup)
	}
	return out, nil
}

func (s *MemoryAlertStore) CreateConfig(_ context.Context, cfg *AlertConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = idgen.New()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	dup := *cfg
	s.configs[cfg.ID] = &dup
	return nil
}

func (s *MemoryAlertStore) DisableConfig(_ context.Context, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, ok := s.configs[configID]; ok {
		cfg.Enabled = false
	}
	return nil
}

func (s *MemoryAlertStore) CreateAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	dup := *alert
	dup.ID = s.lastID
	s.alerts = append(s.alerts, &dup)
	return nil
}

func (s *MemoryAlertStore) GetAlerts(_ context.Context, accountID string, limit int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	// Newest first, matching the database ordering.
	var out []*Alert
	for _, alert := range slices.Backward(s.alerts) {
		if len(out) == limit {
			break
		}
		if alert.AccountID == accountID {
			dup := *alert
			out = append(out, &dup)
		}
	}
	return out, nil
}
