//go:build integration

package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	sub := &Subscription{
		ID:        "whs_pg1",
		UserID:    "usr_home",
		URL:       "https://example.com/hooks",
		Secret:    "whsec_pgtest",
		Events:    []events.Type{events.TypeBidAccepted, events.TypeMilestoneFunded},
		Active:    true,
		CreatedAt: created,
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "whs_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "usr_home" || got.Secret != "whsec_pgtest" {
		t.Errorf("Unexpected fields: %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0] != events.TypeBidAccepted {
		t.Errorf("Events did not round-trip: %v", got.Events)
	}
	if got.LastSuccess != nil || got.LastError != "" || got.ConsecutiveFailures != 0 {
		t.Errorf("Fresh subscription should have empty bookkeeping: %+v", got)
	}

	// Delivery bookkeeping round-trips.
	now := time.Now().UTC().Truncate(time.Second)
	got.LastSuccess = &now
	got.LastError = "status 502"
	got.ConsecutiveFailures = 4
	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err = store.Get(ctx, "whs_pg1")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("LastSuccess did not round-trip: %v", got.LastSuccess)
	}
	if got.LastError != "status 502" || got.ConsecutiveFailures != 4 || got.Active {
		t.Errorf("Bookkeeping did not round-trip: %+v", got)
	}

	// Delete, then every mutation reports ErrNotFound.
	if err := store.Delete(ctx, "whs_pg1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "whs_pg1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "whs_pg1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second delete: expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_GetByEvent_ActiveOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seed := func(id string, active bool, evts ...events.Type) {
		t.Helper()
		if err := store.Create(ctx, &Subscription{
			ID: id, UserID: "usr_a", URL: "https://example.com/h",
			Secret: "whsec_s", Events: evts, Active: active, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("whs_pg_active", true, events.TypeBidAccepted, events.TypeBidExpired)
	seed("whs_pg_inactive", false, events.TypeBidAccepted)
	seed("whs_pg_other", true, events.TypeMilestoneFunded)

	subs, err := store.GetByEvent(ctx, events.TypeBidAccepted)
	if err != nil {
		t.Fatalf("GetByEvent failed: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "whs_pg_active" {
		t.Errorf("Expected only the active matching subscription, got %+v", subs)
	}
}

func TestPostgresStore_GetByUser_NewestFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"whs_pg_old", "whs_pg_new"} {
		if err := store.Create(ctx, &Subscription{
			ID: id, UserID: "usr_ord", URL: "https://example.com/h",
			Secret: "whsec_s", Events: []events.Type{events.TypeBidAccepted},
			Active: true, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	subs, err := store.GetByUser(ctx, "usr_ord")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if len(subs) != 2 || subs[0].ID != "whs_pg_new" {
		t.Errorf("Expected newest first, got %+v", subs)
	}
}
