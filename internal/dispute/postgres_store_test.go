//go:build integration

package dispute

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM disputes")
		db.Close()
	}
	return store, cleanup
}

func testDispute(id, paymentID string, status Status, created time.Time) *Dispute {
	return &Dispute{
		ID:                 id,
		MilestonePaymentID: paymentID,
		OpenedBy:           "usr_h1",
		Reason:             "unfinished drywall",
		Status:             status,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
}

func TestPostgresStore_OneOpenPerPayment(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	if err := store.Create(ctx, testDispute("dsp_pg1", "mst_pg1", StatusOpened, base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A second open dispute on the same payment trips the partial index.
	err := store.Create(ctx, testDispute("dsp_pg2", "mst_pg1", StatusOpened, base))
	if !errors.Is(err, ErrDisputeExists) {
		t.Errorf("expected ErrDisputeExists, got %v", err)
	}

	// Under review still counts as open.
	if won, err := store.UpdateStatusIf(ctx, "dsp_pg1", StatusOpened, StatusUnderReview); err != nil || !won {
		t.Fatalf("flip to under_review = %v, %v", won, err)
	}
	err = store.Create(ctx, testDispute("dsp_pg3", "mst_pg1", StatusOpened, base))
	if !errors.Is(err, ErrDisputeExists) {
		t.Errorf("expected ErrDisputeExists while under review, got %v", err)
	}

	// Settling the dispute frees the payment for a later one.
	if won, err := store.UpdateStatusIf(ctx, "dsp_pg1", StatusUnderReview, StatusCancelled); err != nil || !won {
		t.Fatalf("flip to cancelled = %v, %v", won, err)
	}
	if err := store.Create(ctx, testDispute("dsp_pg4", "mst_pg1", StatusOpened, base.Add(time.Minute))); err != nil {
		t.Errorf("create after settlement failed: %v", err)
	}

	open, err := store.GetOpenByPayment(ctx, "mst_pg1")
	if err != nil {
		t.Fatalf("GetOpenByPayment failed: %v", err)
	}
	if open.ID != "dsp_pg4" {
		t.Errorf("open dispute = %s, want dsp_pg4", open.ID)
	}

	newest, err := store.GetByPayment(ctx, "mst_pg1")
	if err != nil {
		t.Fatalf("GetByPayment failed: %v", err)
	}
	if newest.ID != "dsp_pg4" {
		t.Errorf("newest dispute = %s, want dsp_pg4", newest.ID)
	}
}

func TestPostgresStore_UpdateRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Create(ctx, testDispute("dsp_pg10", "mst_pg10", StatusOpened, base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Nullable fields start empty.
	d, err := store.Get(ctx, "dsp_pg10")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.ResolutionAmount != nil || d.ResolvedAt != nil {
		t.Errorf("fresh dispute carries resolution data: %+v", d)
	}

	amount := decimal.RequireFromString("600.50")
	resolvedAt := base.Add(time.Hour)
	d.Status = StatusPartial
	d.ResolutionAmount = &amount
	d.ReviewedBy = "usr_admin"
	d.ResolvedBy = "usr_admin"
	d.Notes = "split after inspection"
	d.ResolvedAt = &resolvedAt
	if err := store.Update(ctx, d); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "dsp_pg10")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPartial || got.ResolvedBy != "usr_admin" || got.Notes != "split after inspection" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ResolutionAmount == nil || !got.ResolutionAmount.Equal(amount) {
		t.Errorf("resolution_amount = %v, want %s", got.ResolutionAmount, amount)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
		t.Errorf("resolved_at = %v, want %s", got.ResolvedAt, resolvedAt)
	}

	if err := store.Update(ctx, testDispute("dsp_missing", "mst_x", StatusOpened, base)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ConditionalFlip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	if err := store.Create(ctx, testDispute("dsp_pg20", "mst_pg20", StatusOpened, base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	won, err := store.UpdateStatusIf(ctx, "dsp_pg20", StatusOpened, StatusResolvedPayer)
	if err != nil || !won {
		t.Fatalf("expected flip to win, got %v, %v", won, err)
	}

	// Losing the race reports false without error.
	won, err = store.UpdateStatusIf(ctx, "dsp_pg20", StatusOpened, StatusCancelled)
	if err != nil {
		t.Fatalf("UpdateStatusIf failed: %v", err)
	}
	if won {
		t.Error("flip from a stale status should not win")
	}

	if _, err = store.UpdateStatusIf(ctx, "dsp_missing", StatusOpened, StatusCancelled); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
