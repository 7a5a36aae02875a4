// Package auth issues and checks the API keys that guard the payments API.
//
// Every key belongs to a marketplace user and carries a role. Plain user
// keys manage that user's own bids and payments; admin keys unlock the
// operator surface (ledger adjustments, reconciliation, dispute rulings).
// Only a SHA-256 digest of a key is persisted, so the raw `sk_` value
// exists exactly once, in the issue response.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nestbid/nestbid/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotAdmin      = errors.New("admin role required")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidRole   = errors.New("role must be user or admin")
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const rawPrefix = "sk_"

// APIKey is the stored form of an issued key. The raw key itself is not
// recoverable from it.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA-256 of the raw key
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  time.Time  `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// usable reports whether the key still authenticates at now.
func (k *APIKey) usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

func (k *APIKey) clone() *APIKey {
	out := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates API keys.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Issue mints a key for a user. The returned raw key is shown once and never
// again; only its digest is stored.
func (m *Manager) Issue(ctx context.Context, userID, role, name string) (string, *APIKey, error) {
	if userID == "" {
		return "", nil, errors.New("user ID is required")
	}
	if role != RoleUser && role != RoleAdmin {
		return "", nil, ErrInvalidRole
	}

	rawKey, err := newRawKey()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      digest(rawKey),
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Seed registers a preprovisioned admin key, typically injected through the
// environment so the first operator key does not depend on an existing admin.
// Seeding a key that is already registered is a no-op.
func (m *Manager) Seed(ctx context.Context, rawKey, userID string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, rawPrefix) || len(rawKey) < 20 {
		return nil, ErrInvalidAPIKey
	}
	if existing, err := m.store.GetByHash(ctx, digest(rawKey)); err == nil {
		return existing, nil
	}

	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      digest(rawKey),
		UserID:    userID,
		Role:      RoleAdmin,
		Name:      "bootstrap",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey resolves a raw key, possibly still carrying its Bearer prefix,
// to stored metadata. Revoked and expired keys fail exactly like unknown
// ones so a caller learns nothing from the distinction.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, rawPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, digest(rawKey))
	if err != nil || !key.usable(time.Now()) {
		return nil, ErrInvalidAPIKey
	}

	m.touch(key)
	return key, nil
}

// touch stamps last-use in the background; request latency should not pay
// for the bookkeeping write.
func (m *Manager) touch(key *APIKey) {
	k := key.clone()
	go func() {
		k.LastUsed = time.Now().UTC()
		_ = m.store.Update(context.Background(), k)
	}()
}

// ListKeys returns every key issued to the user, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's keys. Revoking another user's key is
// indistinguishable from revoking a key that never existed.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(keys, func(k *APIKey) bool { return k.ID == keyID })
	if idx < 0 {
		return ErrKeyNotFound
	}
	keys[idx].Revoked = true
	return m.store.Update(ctx, keys[idx])
}

func newRawKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return rawPrefix + hex.EncodeToString(b), nil
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps keys in process memory, for tests and development
// without Postgres. Lookups by hash go through a digest index.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*APIKey
	idFor map[string]string // digest -> key ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*APIKey),
		idFor: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[key.ID] = key.clone()
	s.idFor[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.byID[s.idFor[hash]]; ok {
		return key.clone(), nil
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			keys = append(keys, k.clone())
		}
	}
	return keys, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if prev.Hash != key.Hash {
		delete(s.idFor, prev.Hash)
		s.idFor[key.Hash] = key.ID
	}
	s.byID[key.ID] = key.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byID[id]; ok {
		delete(s.idFor, key.Hash)
		delete(s.byID, id)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
