package milestone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/events"
)

// fakeLedger models per-owner escrow balances the way the real adapter
// does: holds move available to pending, releases drain pending, refunds
// put pending back, deposits add to available. A reused key replays the
// prior entry without moving funds.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*fakeBalance
	entries  map[string]string
	seq      int

	holdErr     error
	refundErr   error
	depositErr  error
	failDeposit string // owner whose deposits fail with depositErr
}

type fakeBalance struct {
	available decimal.Decimal
	pending   decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[string]*fakeBalance),
		entries:  make(map[string]string),
	}
}

func (f *fakeLedger) acct(ownerID, currency string) *fakeBalance {
	k := ownerID + "/" + currency
	b, ok := f.accounts[k]
	if !ok {
		b = &fakeBalance{available: decimal.Zero, pending: decimal.Zero}
		f.accounts[k] = b
	}
	return b
}

// seed credits an owner's available balance directly.
func (f *fakeLedger) seed(ownerID, currency, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.acct(ownerID, currency)
	b.available = b.available.Add(decimal.RequireFromString(amount))
}

func (f *fakeLedger) balances(ownerID, currency string) (available, pending decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.acct(ownerID, currency)
	return b.available, b.pending
}

func (f *fakeLedger) newEntry(key string) string {
	f.seq++
	id := fmt.Sprintf("ent_%03d", f.seq)
	f.entries[key] = id
	return id
}

func (f *fakeLedger) Hold(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	if id, ok := f.entries[key]; ok {
		return id, nil
	}
	b := f.acct(ownerID, currency)
	if b.available.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	b.available = b.available.Sub(amount)
	b.pending = b.pending.Add(amount)
	return f.newEntry(key), nil
}

func (f *fakeLedger) Release(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.entries[key]; ok {
		return id, nil
	}
	b := f.acct(ownerID, currency)
	if b.pending.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	b.pending = b.pending.Sub(amount)
	return f.newEntry(key), nil
}

func (f *fakeLedger) Refund(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return "", f.refundErr
	}
	if id, ok := f.entries[key]; ok {
		return id, nil
	}
	b := f.acct(ownerID, currency)
	if b.pending.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	b.pending = b.pending.Sub(amount)
	b.available = b.available.Add(amount)
	return f.newEntry(key), nil
}

func (f *fakeLedger) Deposit(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depositErr != nil && (f.failDeposit == "" || f.failDeposit == ownerID) {
		return "", f.depositErr
	}
	if id, ok := f.entries[key]; ok {
		return id, nil
	}
	b := f.acct(ownerID, currency)
	b.available = b.available.Add(amount)
	return f.newEntry(key), nil
}

// fakeDisputes is a controllable dispute overlay view.
type fakeDisputes struct {
	mu   sync.Mutex
	open map[string]bool
	err  error
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{open: make(map[string]bool)}
}

func (f *fakeDisputes) OpenDisputeExists(ctx context.Context, paymentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.open[paymentID], nil
}

func (f *fakeDisputes) setOpen(paymentID string, open bool) {
	f.mu.Lock()
	f.open[paymentID] = open
	f.mu.Unlock()
}

// recordingEmitter collects emitted lifecycle events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, event *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) ofType(t events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock is a controllable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type engineEnv struct {
	store    *MemoryStore
	ledger   *fakeLedger
	disputes *fakeDisputes
	emitter  *recordingEmitter
	clock    *fakeClock
	engine   *Engine
}

func newEngineEnv() *engineEnv {
	env := &engineEnv{
		store:    NewMemoryStore(),
		ledger:   newFakeLedger(),
		disputes: newFakeDisputes(),
		emitter:  &recordingEmitter{},
		clock:    newFakeClock(),
	}
	env.engine = NewEngine(env.store, env.ledger).
		WithDisputeChecker(env.disputes).
		WithEmitter(env.emitter).
		WithClock(env.clock.Now)
	return env
}

func (e *engineEnv) create(t *testing.T, projectID, milestoneID, amount string) *Payment {
	t.Helper()
	p, err := e.engine.Create(context.Background(), projectID, milestoneID,
		"usr_homeowner", "usr_contractor", decimal.RequireFromString(amount), "USD")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

func (e *engineEnv) fund(t *testing.T, id string) *Payment {
	t.Helper()
	p, err := e.engine.Fund(context.Background(), id, "")
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	return p
}

func assertAmount(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("amount = %s, want %s", got, want)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusFunded, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusReleased, false},
		{StatusFunded, StatusReleased, true},
		{StatusFunded, StatusRefunded, true},
		{StatusFunded, StatusDisputed, true},
		{StatusFunded, StatusCancelled, false},
		{StatusDisputed, StatusReleased, true},
		{StatusDisputed, StatusRefunded, true},
		{StatusDisputed, StatusFunded, true},
		{StatusReleased, StatusRefunded, false},
		{StatusRefunded, StatusFunded, false},
		{StatusCancelled, StatusFunded, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newEngineEnv()
	ctx := context.Background()

	if _, err := env.engine.Create(ctx, "", "mil_1", "usr_h", "usr_c", decimal.NewFromInt(100), "USD"); err == nil {
		t.Fatal("expected error for missing project")
	}
	if _, err := env.engine.Create(ctx, "prj_1", "mil_1", "usr_h", "usr_c", decimal.NewFromInt(-5), "USD"); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if _, err := env.engine.Create(ctx, "prj_1", "mil_1", "usr_h", "usr_c", decimal.NewFromInt(100), "XXX"); err == nil {
		t.Fatal("expected error for unsupported currency")
	}
}

func TestCreate_DuplicateMilestone(t *testing.T) {
	env := newEngineEnv()
	env.create(t, "prj_1", "mil_1", "1000")

	_, err := env.engine.Create(context.Background(), "prj_1", "mil_1",
		"usr_homeowner", "usr_contractor", decimal.NewFromInt(500), "USD")
	if !errors.Is(err, ErrDuplicateMilestone) {
		t.Fatalf("expected ErrDuplicateMilestone, got %v", err)
	}

	// The same milestone ID under another project is a distinct payment.
	if _, err := env.engine.Create(context.Background(), "prj_2", "mil_1",
		"usr_homeowner", "usr_contractor", decimal.NewFromInt(500), "USD"); err != nil {
		t.Fatalf("expected cross-project create to succeed, got %v", err)
	}
}

func TestFund_HappyPath(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "2000")
	p := env.create(t, "prj_1", "mil_1", "1500")

	funded, err := env.engine.Fund(context.Background(), p.ID, "fund-key-1")
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if funded.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", funded.Status)
	}
	if funded.FundedAt == nil {
		t.Fatal("expected FundedAt to be set")
	}
	if len(funded.EscrowEntryIDs) != 1 {
		t.Fatalf("expected 1 escrow entry, got %d", len(funded.EscrowEntryIDs))
	}

	available, pending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "500")
	assertAmount(t, pending, "1500")

	evts := env.emitter.ofType(events.TypeMilestoneFunded)
	if len(evts) != 1 {
		t.Fatalf("expected 1 funded event, got %d", len(evts))
	}
	if evts[0].Data["milestone_id"] != "mil_1" {
		t.Errorf("event milestone_id = %v", evts[0].Data["milestone_id"])
	}
	if evts[0].Data["amount"] != "1500.00" {
		t.Errorf("event amount = %v, want 1500.00", evts[0].Data["amount"])
	}
}

func TestFund_InsufficientFunds(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "100")
	p := env.create(t, "prj_1", "mil_1", "1500")

	_, err := env.engine.Fund(context.Background(), p.ID, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := env.engine.Get(context.Background(), p.ID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending after failed hold", got.Status)
	}
	if len(env.emitter.ofType(events.TypeMilestoneFunded)) != 0 {
		t.Fatal("no funded event expected")
	}
}

func TestFund_AlreadyFunded(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "3000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	_, err := env.engine.Fund(context.Background(), p.ID, "another-key")
	if !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}

	// No second hold was placed.
	available, pending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "2000")
	assertAmount(t, pending, "1000")
}

func TestFund_CancelledPayment(t *testing.T) {
	env := newEngineEnv()
	p := env.create(t, "prj_1", "mil_1", "1000")
	if _, err := env.engine.Cancel(context.Background(), p.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err := env.engine.Fund(context.Background(), p.ID, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRelease_HappyPath(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "2000")
	p := env.create(t, "prj_1", "mil_1", "1500")
	env.fund(t, p.ID)

	released, err := env.engine.Release(context.Background(), p.ID, "project-system")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	if released.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}
	if len(released.EscrowEntryIDs) != 3 {
		t.Fatalf("expected 3 escrow entries (hold, drawdown, payout), got %d", len(released.EscrowEntryIDs))
	}

	_, payerPending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, payerPending, "0")
	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "1500")

	evts := env.emitter.ofType(events.TypeMilestoneReleased)
	if len(evts) != 1 {
		t.Fatalf("expected 1 released event, got %d", len(evts))
	}
	if evts[0].Data["payee_id"] != "usr_contractor" {
		t.Errorf("event payee_id = %v", evts[0].Data["payee_id"])
	}
	if evts[0].Data["authorized_by"] != "project-system" {
		t.Errorf("event authorized_by = %v", evts[0].Data["authorized_by"])
	}
}

func TestRelease_Idempotent(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1500")
	p := env.create(t, "prj_1", "mil_1", "1500")
	env.fund(t, p.ID)

	if _, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner"); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	again, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner")
	if err != nil {
		t.Fatalf("repeat Release should no-op, got %v", err)
	}
	if again.Status != StatusReleased {
		t.Fatalf("status = %s, want released", again.Status)
	}

	// The payee was credited exactly once and only one event went out.
	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "1500")
	if n := len(env.emitter.ofType(events.TypeMilestoneReleased)); n != 1 {
		t.Fatalf("expected 1 released event, got %d", n)
	}
}

func TestRelease_NotFunded(t *testing.T) {
	env := newEngineEnv()
	p := env.create(t, "prj_1", "mil_1", "1000")

	_, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner")
	if !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
}

func TestRelease_RequiresAuthorizer(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	if _, err := env.engine.Release(context.Background(), p.ID, ""); err == nil {
		t.Fatal("expected error for missing authorizer")
	}
}

func TestRelease_DisputeActive(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)
	env.disputes.setOpen(p.ID, true)

	_, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner")
	if !errors.Is(err, ErrDisputeActive) {
		t.Fatalf("expected ErrDisputeActive, got %v", err)
	}
	if _, err := env.engine.RefundPayment(context.Background(), p.ID, "want out"); !errors.Is(err, ErrDisputeActive) {
		t.Fatalf("expected ErrDisputeActive on refund, got %v", err)
	}

	// Funds stayed exactly where they were.
	available, pending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "0")
	assertAmount(t, pending, "1000")
}

func TestRelease_CompensatesFailedCredit(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1500")
	p := env.create(t, "prj_1", "mil_1", "1500")
	env.fund(t, p.ID)

	env.ledger.mu.Lock()
	env.ledger.depositErr = errors.New("ledger write failed")
	env.ledger.failDeposit = "usr_contractor"
	env.ledger.mu.Unlock()

	_, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner")
	if err == nil {
		t.Fatal("expected Release to fail when the payee credit fails")
	}

	// The payer's hold was restored; the payment is still funded.
	available, pending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "0")
	assertAmount(t, pending, "1500")
	got, _ := env.engine.Get(context.Background(), p.ID)
	if got.Status != StatusFunded {
		t.Fatalf("status = %s, want funded after compensation", got.Status)
	}

	// A retry after the fault clears completes the payout.
	env.ledger.mu.Lock()
	env.ledger.depositErr = nil
	env.ledger.failDeposit = ""
	env.ledger.mu.Unlock()

	released, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner")
	if err != nil {
		t.Fatalf("retried Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "1500")
	_, payerPending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, payerPending, "0")
}

func TestRefund_HappyPath(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "2000")
	p := env.create(t, "prj_1", "mil_1", "1200")
	env.fund(t, p.ID)

	refunded, err := env.engine.RefundPayment(context.Background(), p.ID, "project cancelled")
	if err != nil {
		t.Fatalf("RefundPayment failed: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", refunded.Status)
	}
	if refunded.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}

	available, pending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "2000")
	assertAmount(t, pending, "0")
	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "0")
}

func TestRefund_Idempotent(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	if _, err := env.engine.RefundPayment(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("first refund failed: %v", err)
	}
	again, err := env.engine.RefundPayment(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("repeat refund should no-op, got %v", err)
	}
	if again.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", again.Status)
	}

	available, _ := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, available, "1000")
}

func TestRefund_AfterRelease(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)
	if _, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	_, err := env.engine.RefundPayment(context.Background(), p.ID, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResolveSplit_PartialScenario(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}

	split, err := env.engine.ResolveSplit(context.Background(), p.ID, decimal.NewFromInt(600), "usr_admin")
	if err != nil {
		t.Fatalf("ResolveSplit failed: %v", err)
	}
	if split.Status != StatusReleased {
		t.Fatalf("status = %s, want released", split.Status)
	}

	// Payee receives 600, payer gets 400 back, nothing stays held.
	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "600")
	payerAvailable, payerPending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, payerAvailable, "400")
	assertAmount(t, payerPending, "0")

	evts := env.emitter.ofType(events.TypeMilestoneReleased)
	if len(evts) != 1 {
		t.Fatalf("expected 1 released event, got %d", len(evts))
	}
	if evts[0].Data["amount"] != "600.00" {
		t.Errorf("event amount = %v, want the payee share", evts[0].Data["amount"])
	}
}

func TestResolveSplit_ZeroIsFullRefund(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)
	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}

	split, err := env.engine.ResolveSplit(context.Background(), p.ID, decimal.Zero, "usr_admin")
	if err != nil {
		t.Fatalf("ResolveSplit failed: %v", err)
	}
	if split.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", split.Status)
	}

	payerAvailable, payerPending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, payerAvailable, "1000")
	assertAmount(t, payerPending, "0")
	if n := len(env.emitter.ofType(events.TypeMilestoneReleased)); n != 0 {
		t.Fatalf("no released event expected for a full refund, got %d", n)
	}
}

func TestResolveSplit_FullToPayee(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)
	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}

	split, err := env.engine.ResolveSplit(context.Background(), p.ID, decimal.NewFromInt(1000), "usr_admin")
	if err != nil {
		t.Fatalf("ResolveSplit failed: %v", err)
	}
	if split.Status != StatusReleased {
		t.Fatalf("status = %s, want released", split.Status)
	}

	payeeAvailable, _ := env.ledger.balances("usr_contractor", "USD")
	assertAmount(t, payeeAvailable, "1000")
	payerAvailable, payerPending := env.ledger.balances("usr_homeowner", "USD")
	assertAmount(t, payerAvailable, "0")
	assertAmount(t, payerPending, "0")
}

func TestResolveSplit_Validation(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	if _, err := env.engine.ResolveSplit(context.Background(), p.ID, decimal.NewFromInt(-1), "usr_admin"); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for negative share, got %v", err)
	}
	if _, err := env.engine.ResolveSplit(context.Background(), p.ID, decimal.NewFromInt(1001), "usr_admin"); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for share above funded, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := newEngineEnv()
	p := env.create(t, "prj_1", "mil_1", "1000")

	cancelled, err := env.engine.Cancel(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}

	// Cancelling again converges on the same state.
	if _, err := env.engine.Cancel(context.Background(), p.ID); err != nil {
		t.Fatalf("repeat Cancel should no-op, got %v", err)
	}
}

func TestCancel_FundedPayment(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)

	_, err := env.engine.Cancel(context.Background(), p.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkDisputedAndClear(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")

	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded for a pending payment, got %v", err)
	}

	env.fund(t, p.ID)
	disputed, err := env.engine.MarkDisputed(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed", disputed.Status)
	}

	// A second mark converges without error.
	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); err != nil {
		t.Fatalf("repeat MarkDisputed should no-op, got %v", err)
	}

	cleared, err := env.engine.ClearDispute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ClearDispute failed: %v", err)
	}
	if cleared.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", cleared.Status)
	}
	if _, err := env.engine.ClearDispute(context.Background(), p.ID); err != nil {
		t.Fatalf("repeat ClearDispute should no-op, got %v", err)
	}

	// The thawed payment releases normally.
	if _, err := env.engine.Release(context.Background(), p.ID, "usr_homeowner"); err != nil {
		t.Fatalf("Release after clear failed: %v", err)
	}
}

func TestDisputedWithoutCheckerStaysFrozen(t *testing.T) {
	env := newEngineEnv()
	env.ledger.seed("usr_homeowner", "USD", "1000")
	p := env.create(t, "prj_1", "mil_1", "1000")
	env.fund(t, p.ID)
	if _, err := env.engine.MarkDisputed(context.Background(), p.ID); err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}

	bare := NewEngine(env.store, env.ledger).WithClock(env.clock.Now)
	if _, err := bare.Release(context.Background(), p.ID, "usr_homeowner"); !errors.Is(err, ErrDisputeActive) {
		t.Fatalf("expected ErrDisputeActive without a checker, got %v", err)
	}
}

func TestGetByMilestoneID(t *testing.T) {
	env := newEngineEnv()
	p := env.create(t, "prj_1", "mil_abc", "1000")

	got, err := env.engine.GetByMilestoneID(context.Background(), "mil_abc")
	if err != nil {
		t.Fatalf("GetByMilestoneID failed: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("resolved payment %s, want %s", got.ID, p.ID)
	}
	if _, err := env.engine.GetByMilestoneID(context.Background(), "mil_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByProject(t *testing.T) {
	env := newEngineEnv()
	env.create(t, "prj_1", "mil_1", "100")
	env.create(t, "prj_1", "mil_2", "200")
	env.create(t, "prj_2", "mil_3", "300")

	list, err := env.engine.ListByProject(context.Background(), "prj_1", 0)
	if err != nil {
		t.Fatalf("ListByProject failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(list))
	}
}
