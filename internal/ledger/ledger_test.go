package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*Service, *Account) {
	t.Helper()
	svc := New(NewMemoryStore())
	acct, err := svc.EnsureAccount(context.Background(), "homeowner-1", OwnerHomeowner, "USD")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	return svc, acct
}

func TestEnsureAccount_ReturnsSameAccount(t *testing.T) {
	svc, acct := newTestService(t)

	again, err := svc.EnsureAccount(context.Background(), "homeowner-1", OwnerHomeowner, "usd")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if again.ID != acct.ID {
		t.Errorf("Expected same account %s, got %s", acct.ID, again.ID)
	}

	other, err := svc.EnsureAccount(context.Background(), "homeowner-1", OwnerHomeowner, "EUR")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if other.ID == acct.ID {
		t.Error("Different currency should create a distinct account")
	}
}

func TestDeposit(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Deposit(ctx, acct.ID, d("10.00"), "dep-1", "test deposit")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if !entry.PriorBalance.IsZero() || !entry.NewBalance.Equal(d("10")) {
		t.Errorf("Expected prior 0 new 10, got %s/%s", entry.PriorBalance, entry.NewBalance)
	}

	got, err := svc.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !got.Available.Equal(d("10")) {
		t.Errorf("Expected available 10, got %s", got.Available)
	}
}

func TestHoldReleaseRefund_BucketMoves(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("100.00"), "dep-1", "")
	if _, err := svc.Hold(ctx, acct.ID, d("40.00"), "hold-1", ""); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	got, _ := svc.GetAccount(ctx, acct.ID)
	if !got.Available.Equal(d("60")) || !got.Pending.Equal(d("40")) {
		t.Fatalf("After hold: available %s pending %s, want 60/40", got.Available, got.Pending)
	}

	if _, err := svc.Release(ctx, acct.ID, d("25.00"), "rel-1", ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	got, _ = svc.GetAccount(ctx, acct.ID)
	if !got.Available.Equal(d("60")) || !got.Pending.Equal(d("15")) {
		t.Fatalf("After release: available %s pending %s, want 60/15", got.Available, got.Pending)
	}

	if _, err := svc.Refund(ctx, acct.ID, d("15.00"), "ref-1", ""); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	got, _ = svc.GetAccount(ctx, acct.ID)
	if !got.Available.Equal(d("75")) || !got.Pending.IsZero() {
		t.Fatalf("After refund: available %s pending %s, want 75/0", got.Available, got.Pending)
	}
}

func TestInsufficientFunds_NoEntryAppended(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("5.00"), "dep-1", "")

	if _, err := svc.Hold(ctx, acct.ID, d("10.00"), "hold-1", ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := svc.Release(ctx, acct.ID, d("1.00"), "rel-1", ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds for release with nothing held, got %v", err)
	}

	entries, _ := svc.store.ListAllEntries(ctx, acct.ID)
	if len(entries) != 1 {
		t.Errorf("Failed operations must not append entries; got %d entries", len(entries))
	}

	got, _ := svc.GetAccount(ctx, acct.ID)
	if !got.Available.Equal(d("5")) || !got.Pending.IsZero() {
		t.Errorf("Balance changed by failed ops: %s/%s", got.Available, got.Pending)
	}
}

func TestIdempotency_ReplayReturnsPriorEntry(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, acct.ID, d("10.00"), "pay-abc", "")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		replay, err := svc.Deposit(ctx, acct.ID, d("10.00"), "pay-abc", "")
		if err != nil {
			t.Fatalf("Replay %d failed: %v", i, err)
		}
		if replay.ID != first.ID {
			t.Errorf("Replay returned a new entry %s, want %s", replay.ID, first.ID)
		}
		if !replay.Replayed {
			t.Error("Replay not flagged")
		}
	}

	entries, _ := svc.store.ListAllEntries(ctx, acct.ID)
	if len(entries) != 1 {
		t.Errorf("Expected exactly one ledger effect, got %d entries", len(entries))
	}
	got, _ := svc.GetAccount(ctx, acct.ID)
	if !got.Available.Equal(d("10")) {
		t.Errorf("Expected available 10 after replays, got %s", got.Available)
	}
}

func TestIdempotency_MismatchRejected(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, acct.ID, d("10.00"), "pay-abc", ""); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if _, err := svc.Deposit(ctx, acct.ID, d("11.00"), "pay-abc", ""); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Errorf("Expected ErrIdempotencyMismatch for amount change, got %v", err)
	}
	if _, err := svc.Hold(ctx, acct.ID, d("10.00"), "pay-abc", ""); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Errorf("Expected ErrIdempotencyMismatch for kind change, got %v", err)
	}
}

func TestAdjust_RequiresSecondParty(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, acct.ID, d("5.00"), "adj-1", "op-1", "", "drift"); !errors.Is(err, ErrMissingAuthorization) {
		t.Errorf("Expected ErrMissingAuthorization for empty authorizer, got %v", err)
	}
	if _, err := svc.Adjust(ctx, acct.ID, d("5.00"), "adj-1", "op-1", "op-1", "drift"); !errors.Is(err, ErrMissingAuthorization) {
		t.Errorf("Expected ErrMissingAuthorization for self-authorization, got %v", err)
	}

	entry, err := svc.Adjust(ctx, acct.ID, d("5.00"), "adj-1", "op-1", "op-2", "drift")
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if entry.AuthorizedBy != "op-2" {
		t.Errorf("AuthorizedBy = %q, want op-2", entry.AuthorizedBy)
	}

	// Negative adjustment below zero is rejected.
	if _, err := svc.Adjust(ctx, acct.ID, d("-100.00"), "adj-2", "op-1", "op-2", "bad"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBalanceInvariant_AfterSequence(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("100.00"), "k1", "")
	svc.Hold(ctx, acct.ID, d("30.00"), "k2", "")
	svc.Release(ctx, acct.ID, d("10.00"), "k3", "")
	svc.Refund(ctx, acct.ID, d("20.00"), "k4", "")
	svc.Deposit(ctx, acct.ID, d("7.50"), "k5", "")
	svc.Adjust(ctx, acct.ID, d("-2.50"), "k6", "op-1", "op-2", "test")

	got, _ := svc.GetAccount(ctx, acct.ID)
	entries, _ := svc.store.ListAllEntries(ctx, acct.ID)

	sum := SumContributions(entries)
	if !got.Combined().Equal(sum) {
		t.Errorf("Invariant broken: available+pending %s != entry sum %s", got.Combined(), sum)
	}

	available, pending := RebuildBalance(entries)
	if !got.Available.Equal(available) || !got.Pending.Equal(pending) {
		t.Errorf("Replay mismatch: snapshot %s/%s replay %s/%s",
			got.Available, got.Pending, available, pending)
	}

	if _, err := svc.Verify(ctx, acct.ID); err != nil {
		t.Errorf("Verify reported mismatch on a consistent account: %v", err)
	}
}

func TestBalanceInvariant_ConcurrentOperations(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("1000.00"), "seed", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			depKey := fmt.Sprintf("dep-%d", n)
			holdKey := fmt.Sprintf("hold-%d", n)
			refKey := fmt.Sprintf("ref-%d", n)
			svc.Deposit(ctx, acct.ID, d("10.00"), depKey, "")
			if _, err := svc.Hold(ctx, acct.ID, d("5.00"), holdKey, ""); err == nil {
				svc.Refund(ctx, acct.ID, d("5.00"), refKey, "")
			}
		}(i)
	}
	wg.Wait()

	got, _ := svc.GetAccount(ctx, acct.ID)
	entries, _ := svc.store.ListAllEntries(ctx, acct.ID)
	if !got.Combined().Equal(SumContributions(entries)) {
		t.Errorf("Invariant broken under concurrency: %s != %s", got.Combined(), SumContributions(entries))
	}
	// 1000 seed + 20*10 deposited, holds all refunded.
	if !got.Combined().Equal(d("1200")) {
		t.Errorf("Expected combined 1200, got %s", got.Combined())
	}
	if _, err := svc.Verify(ctx, acct.ID); err != nil {
		t.Errorf("Verify failed after concurrent run: %v", err)
	}
}

func TestVerify_FreezesOnDrift(t *testing.T) {
	store := NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	acct, _ := svc.EnsureAccount(ctx, "homeowner-1", OwnerHomeowner, "USD")
	svc.Deposit(ctx, acct.ID, d("50.00"), "dep-1", "")

	// Corrupt the snapshot behind the service's back.
	corrupted, _ := store.GetAccount(ctx, acct.ID)
	corrupted.Available = d("999.00")
	corrupted.Version++
	store.Append(ctx, corrupted, &Entry{
		ID: "led_corrupt", AccountID: acct.ID, Kind: KindDeposit,
		Amount: decimal.Zero, Status: EntryStatusCompleted,
	})

	if _, err := svc.Verify(ctx, acct.ID); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("Expected ErrInvariantViolation, got %v", err)
	}

	// Writes must be rejected while frozen.
	if _, err := svc.Deposit(ctx, acct.ID, d("1.00"), "dep-2", ""); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("Expected ErrAccountFrozen, got %v", err)
	}

	// Reconcile rebuilds from the entry log and reactivates.
	res, err := svc.Reconcile(ctx, acct.ID, "op-1", "op-2")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Mismatch {
		t.Error("Expected reconcile to report drift")
	}

	got, _ := svc.GetAccount(ctx, acct.ID)
	if got.Status != AccountActive {
		t.Errorf("Expected active after reconcile, got %s", got.Status)
	}
	if _, err := svc.Deposit(ctx, acct.ID, d("1.00"), "dep-2", ""); err != nil {
		t.Errorf("Deposit after reconcile failed: %v", err)
	}
}

func TestClose(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("10.00"), "dep-1", "")
	if err := svc.Close(ctx, acct.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected close of funded account to fail, got %v", err)
	}

	svc.Hold(ctx, acct.ID, d("10.00"), "hold-1", "")
	svc.Release(ctx, acct.ID, d("10.00"), "rel-1", "")
	if err := svc.Close(ctx, acct.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := svc.Deposit(ctx, acct.ID, d("1.00"), "dep-2", ""); !errors.Is(err, ErrAccountClosed) {
		t.Errorf("Expected ErrAccountClosed, got %v", err)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	svc, acct := newTestService(t)
	ctx := context.Background()

	svc.Deposit(ctx, acct.ID, d("1.00"), "k1", "")
	svc.Deposit(ctx, acct.ID, d("2.00"), "k2", "")
	svc.Deposit(ctx, acct.ID, d("3.00"), "k3", "")

	entries, err := svc.History(ctx, acct.ID, 2, time.Time{})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(d("3")) {
		t.Errorf("Expected newest entry first, got amount %s", entries[0].Amount)
	}
}
