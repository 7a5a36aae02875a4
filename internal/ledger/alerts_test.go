package ledger

import (
	"context"
	"strings"
	"testing"
)

func TestAlerts_LowBalance(t *testing.T) {
	alertStore := NewMemoryAlertStore()
	svc := New(NewMemoryStore()).WithAlerts(NewAlertChecker(alertStore))
	ctx := context.Background()

	acct, _ := svc.EnsureAccount(ctx, "homeowner-1", OwnerHomeowner, "USD")
	alertStore.CreateConfig(ctx, &AlertConfig{
		AccountID: acct.ID,
		AlertType: AlertLowBalance,
		Threshold: "50.00",
		Enabled:   true,
	})

	// Above threshold: no alert.
	svc.Deposit(ctx, acct.ID, d("100.00"), "dep-1", "")
	alerts, _ := alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 0 {
		t.Fatalf("Expected no alerts above threshold, got %d", len(alerts))
	}

	// Hold drops available to 40, at/below 50 triggers.
	svc.Hold(ctx, acct.ID, d("60.00"), "hold-1", "")
	alerts, _ = alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != AlertLowBalance || !strings.Contains(alerts[0].Message, "40") {
		t.Errorf("Unexpected alert: %+v", alerts[0])
	}
}

func TestAlerts_LargeAdjustment(t *testing.T) {
	alertStore := NewMemoryAlertStore()
	svc := New(NewMemoryStore()).WithAlerts(NewAlertChecker(alertStore))
	ctx := context.Background()

	acct, _ := svc.EnsureAccount(ctx, "homeowner-1", OwnerHomeowner, "USD")
	alertStore.CreateConfig(ctx, &AlertConfig{
		AccountID: acct.ID,
		AlertType: AlertLargeAdjustment,
		Threshold: "100.00",
		Enabled:   true,
	})

	svc.Deposit(ctx, acct.ID, d("500.00"), "seed", "")

	// Below threshold: no alert.
	svc.Adjust(ctx, acct.ID, d("-50.00"), "adj-1", "op-1", "op-2", "small")
	alerts, _ := alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 0 {
		t.Fatalf("Expected no alerts for small adjustment, got %d", len(alerts))
	}

	// Absolute value at/above threshold triggers.
	svc.Adjust(ctx, acct.ID, d("-150.00"), "adj-2", "op-1", "op-2", "large")
	alerts, _ = alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 1 || alerts[0].AlertType != AlertLargeAdjustment {
		t.Fatalf("Expected 1 large-adjustment alert, got %+v", alerts)
	}
}

func TestAlerts_InvariantViolationAlwaysNotifies(t *testing.T) {
	alertStore := NewMemoryAlertStore()
	store := NewMemoryStore()
	svc := New(store).WithAlerts(NewAlertChecker(alertStore))
	ctx := context.Background()

	// No configs at all; the operator alert still fires.
	acct, _ := svc.EnsureAccount(ctx, "homeowner-1", OwnerHomeowner, "USD")
	svc.Deposit(ctx, acct.ID, d("50.00"), "seed", "")

	corrupted, _ := store.GetAccount(ctx, acct.ID)
	corrupted.Available = d("999.00")
	corrupted.Version++
	store.Append(ctx, corrupted, &Entry{
		ID: "led_corrupt", AccountID: acct.ID, Kind: KindDeposit,
		Status: EntryStatusCompleted,
	})

	svc.Verify(ctx, acct.ID)

	alerts, _ := alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 invariant alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != AlertInvariant || !strings.Contains(alerts[0].Message, "frozen") {
		t.Errorf("Unexpected alert: %+v", alerts[0])
	}
}

func TestAlerts_DisabledConfigSkipped(t *testing.T) {
	alertStore := NewMemoryAlertStore()
	svc := New(NewMemoryStore()).WithAlerts(NewAlertChecker(alertStore))
	ctx := context.Background()

	acct, _ := svc.EnsureAccount(ctx, "homeowner-1", OwnerHomeowner, "USD")
	config := &AlertConfig{
		AccountID: acct.ID,
		AlertType: AlertLowBalance,
		Threshold: "1000.00",
		Enabled:   true,
	}
	alertStore.CreateConfig(ctx, config)
	alertStore.DisableConfig(ctx, config.ID)

	svc.Deposit(ctx, acct.ID, d("5.00"), "dep-1", "")

	alerts, _ := alertStore.GetAlerts(ctx, acct.ID, 10)
	if len(alerts) != 0 {
		t.Errorf("Expected disabled config to stay silent, got %d alerts", len(alerts))
	}
}
