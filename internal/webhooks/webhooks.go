// Package webhooks delivers signed lifecycle event notifications to
// subscriber-registered HTTPS endpoints.
//
// Users register a URL plus the event types they care about. Every delivery
// carries an HMAC-SHA256 signature so receivers can verify the payload came
// from us. Delivery is best-effort with bounded retries; subscriptions that
// fail too many events in a row are disabled rather than hammered forever.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/metrics"
	"github.com/nestbid/nestbid/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook subscription not found")

// Subscription is one registered delivery endpoint.
type Subscription struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"` // HMAC signing key, shown once at creation
	Events              []events.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"created_at"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Wants reports whether the subscription covers the given event type.
func (s *Subscription) Wants(t events.Type) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType events.Type) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig bounds delivery attempts for a single event.
type RetryConfig struct {
	MaxAttempts int           // attempts per event before recording a failure
	BaseDelay   time.Duration // first retry delay, doubled per attempt
	MaxDelay    time.Duration // backoff ceiling
	MaxFailures int           // consecutive failed events before auto-disable; 0 = never disable
}

// DefaultRetryConfig returns the production delivery policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxFailures: 10,
	}
}

// Dispatcher fans events out to matching subscriptions.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with an explicit retry policy.
func NewDispatcherWithRetry(store Store, retry RetryConfig) *Dispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:        retry,
		urlValidator: security.ValidateEndpointURL,
		logger:       slog.Default(),
	}
}

// WithLogger sets the dispatcher's logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Dispatch sends an event to every active subscription covering its type.
// Deliveries run in background goroutines; Dispatch returns once they are
// scheduled. The returned error only reflects the subscription lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, event *events.Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.deliver(ctx, sub, event)
	}

	return nil
}

// DispatchToUser sends an event only to the given user's subscriptions.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *events.Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		go d.deliver(ctx, sub, event)
	}

	return nil
}

// deliver posts one event to one subscription, retrying transient failures
// with exponential backoff. A subscription's failure counter tracks whole
// events, not individual attempts.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *events.Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("endpoint rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	var lastErr string
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.retry.BaseDelay << (attempt - 1)
			if delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
			select {
			case <-ctx.Done():
				d.recordFailure(ctx, sub, "delivery cancelled")
				return
			case <-time.After(delay):
			}
		}

		status, err := d.post(ctx, sub, event, payload)
		if err == nil && status >= 200 && status < 300 {
			d.recordSuccess(ctx, sub)
			return
		}
		if err != nil {
			lastErr = fmt.Sprintf("request failed: %v", err)
		} else {
			lastErr = fmt.Sprintf("status %d", status)
		}

		// The endpoint understood the request and refused it. Retrying an
		// identical payload cannot change the answer.
		if err == nil && status >= 400 && status < 500 &&
			status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			break
		}
	}

	d.recordFailure(ctx, sub, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *events.Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nestbid-Event", string(event.Type))
	req.Header.Set("X-Nestbid-Timestamp", fmt.Sprintf("%d", event.OccurredAt.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Nestbid-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook bookkeeping update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook_id", sub.ID,
			"user_id", sub.UserID,
			"failures", sub.ConsecutiveFailures,
			"last_error", errMsg)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook bookkeeping update failed", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return copySub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, copySub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType events.Type) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(eventType) {
			result = append(result, copySub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

// copySub returns a deep copy so callers never share the stored struct.
func copySub(sub *Subscription) *Subscription {
	c := *sub
	c.Events = append([]events.Type(nil), sub.Events...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
