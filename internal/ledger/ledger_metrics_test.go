package ledger

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOpCountsByKind(t *testing.T) {
	LedgerOpsTotal.Reset()

	observeOp("deposit")()
	observeOp("deposit")()
	observeOp("hold")()

	if got := promtest.ToFloat64(LedgerOpsTotal.WithLabelValues("deposit")); got != 2 {
		t.Fatalf("deposit ops = %v, want 2", got)
	}
	if got := promtest.ToFloat64(LedgerOpsTotal.WithLabelValues("hold")); got != 1 {
		t.Fatalf("hold ops = %v, want 1", got)
	}
}

func TestObserveOpRecordsDuration(t *testing.T) {
	LedgerOpDuration.Reset()

	observeOp("release")()

	if n := promtest.CollectAndCount(LedgerOpDuration); n != 1 {
		t.Fatalf("duration series = %d, want 1", n)
	}
}

func TestLedgerMetricsRegistered(t *testing.T) {
	// Vec metrics only surface once a label combination exists.
	observeOp("verify")()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	present := make(map[string]bool, len(families))
	for _, mf := range families {
		present[mf.GetName()] = true
	}

	for _, name := range []string{
		"nestbid_ledger_operations_total",
		"nestbid_ledger_operation_duration_seconds",
		"nestbid_ledger_accounts_created_total",
		"nestbid_ledger_duplicates_replayed_total",
		"nestbid_ledger_adjustments_total",
		"nestbid_ledger_invariant_violations_total",
	} {
		if !present[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
