package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newManager() *Manager {
	return NewManager(NewMemoryStore())
}

func issue(t *testing.T, m *Manager, userID, role, name string) (string, *APIKey) {
	t.Helper()
	raw, key, err := m.Issue(context.Background(), userID, role, name)
	if err != nil {
		t.Fatalf("Issue(%s, %s): %v", userID, role, err)
	}
	return raw, key
}

func TestIssueShapesKey(t *testing.T) {
	m := newManager()
	raw, key := issue(t, m, "usr_owner1", RoleUser, "kitchen reno laptop")

	if !strings.HasPrefix(raw, "sk_") || len(raw) != len("sk_")+64 {
		t.Errorf("raw key %q: want sk_ prefix and 64 hex digits", raw)
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("key ID = %q, want ak_ prefix", key.ID)
	}
	if key.UserID != "usr_owner1" || key.Role != RoleUser || key.Name != "kitchen reno laptop" {
		t.Errorf("stored metadata = %+v", key)
	}
	if key.Hash == "" || strings.Contains(raw, key.Hash) {
		t.Error("stored hash must be set and unrelated to the raw key")
	}
	if key.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	m := newManager()
	if _, _, err := m.Issue(context.Background(), "", RoleUser, "x"); err == nil {
		t.Error("want error for empty user ID")
	}
	if _, _, err := m.Issue(context.Background(), "usr_owner1", "root", "x"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("want ErrInvalidRole, got %v", err)
	}
}

func TestValidateKeyRoundTrip(t *testing.T) {
	m := newManager()
	raw, _ := issue(t, m, "usr_owner1", RoleAdmin, "ops")

	// The Bearer prefix and stray whitespace are both tolerated.
	for _, presented := range []string{raw, "Bearer " + raw, "  " + raw} {
		key, err := m.ValidateKey(context.Background(), presented)
		if err != nil {
			t.Fatalf("ValidateKey(%.10q...): %v", presented, err)
		}
		if key.UserID != "usr_owner1" || key.Role != RoleAdmin {
			t.Errorf("resolved identity = %s/%s", key.UserID, key.Role)
		}
	}
}

func TestValidateKeyRejections(t *testing.T) {
	m := newManager()
	issue(t, m, "usr_owner1", RoleUser, "real")

	cases := []struct {
		name string
		key  string
		want error
	}{
		{"empty", "", ErrNoAPIKey},
		{"no prefix", "totally-wrong", ErrInvalidAPIKey},
		{"unknown", "sk_" + strings.Repeat("0", 64), ErrInvalidAPIKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.ValidateKey(context.Background(), tc.key); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidateKeyExpired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	raw, key := issue(t, m, "usr_owner1", RoleUser, "short lived")

	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	if err := store.Update(context.Background(), key); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := m.ValidateKey(context.Background(), raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key validated: %v", err)
	}
}

func TestSeedRegistersAdminOnce(t *testing.T) {
	m := newManager()
	const raw = "sk_bootstrap_0123456789abcdef"

	seeded, err := m.Seed(context.Background(), raw, "usr_ops")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if seeded.Role != RoleAdmin || seeded.Name != "bootstrap" {
		t.Errorf("seeded key = %+v", seeded)
	}

	again, err := m.Seed(context.Background(), raw, "usr_ops")
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if again.ID != seeded.ID {
		t.Error("second Seed minted a new key instead of reusing the first")
	}

	key, err := m.ValidateKey(context.Background(), raw)
	if err != nil {
		t.Fatalf("seeded key does not validate: %v", err)
	}
	if key.Role != RoleAdmin {
		t.Errorf("seeded key role = %s, want admin", key.Role)
	}
}

func TestSeedRejectsWeakKeys(t *testing.T) {
	m := newManager()
	for _, raw := range []string{"", "sk_short", "nosk_0123456789abcdef0123"} {
		if _, err := m.Seed(context.Background(), raw, "usr_ops"); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("Seed(%q): got %v, want ErrInvalidAPIKey", raw, err)
		}
	}
}

func TestListKeysScopedToUser(t *testing.T) {
	m := newManager()
	issue(t, m, "usr_owner1", RoleUser, "first")
	issue(t, m, "usr_owner1", RoleUser, "second")
	issue(t, m, "usr_gc1", RoleUser, "theirs")

	for user, want := range map[string]int{"usr_owner1": 2, "usr_gc1": 1, "usr_nobody": 0} {
		keys, err := m.ListKeys(context.Background(), user)
		if err != nil {
			t.Fatalf("ListKeys(%s): %v", user, err)
		}
		if len(keys) != want {
			t.Errorf("ListKeys(%s) = %d keys, want %d", user, len(keys), want)
		}
	}
}

func TestRevokeKey(t *testing.T) {
	m := newManager()
	raw, key := issue(t, m, "usr_owner1", RoleUser, "doomed")

	if err := m.RevokeKey(context.Background(), key.ID, "usr_owner1"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := m.ValidateKey(context.Background(), raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key still validates: %v", err)
	}
}

func TestRevokeKeyForeignUser(t *testing.T) {
	m := newManager()
	raw, key := issue(t, m, "usr_owner1", RoleUser, "mine")

	if err := m.RevokeKey(context.Background(), key.ID, "usr_gc1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("foreign revoke: got %v, want ErrKeyNotFound", err)
	}
	if _, err := m.ValidateKey(context.Background(), raw); err != nil {
		t.Errorf("key should survive a foreign revoke attempt: %v", err)
	}
}

func TestMemoryStoreDeleteDropsHashIndex(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	raw, key := issue(t, m, "usr_owner1", RoleUser, "to delete")

	if err := store.Delete(context.Background(), key.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.ValidateKey(context.Background(), raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("deleted key still validates: %v", err)
	}
}
