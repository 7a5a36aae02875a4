package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/bids"
	"github.com/nestbid/nestbid/internal/dispute"
	"github.com/nestbid/nestbid/internal/ledger"
	"github.com/nestbid/nestbid/internal/milestone"
)

type fakeHub struct {
	stats map[string]any
}

func (f *fakeHub) Stats() map[string]any { return f.stats }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func seedLedger(t *testing.T) *ledger.Service {
	t.Helper()
	ctx := context.Background()
	svc := ledger.New(ledger.NewMemoryStore())

	homeowner, err := svc.EnsureAccount(ctx, "usr_h1", ledger.OwnerHomeowner, "USD")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := svc.Deposit(ctx, homeowner.ID, decimal.RequireFromString("500.00"), "dep-1", "test deposit"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := svc.Hold(ctx, homeowner.ID, decimal.RequireFromString("120.00"), "hold-1", "test hold"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	if _, err := svc.EnsureAccount(ctx, "usr_c1", ledger.OwnerContractor, "EUR"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	return svc
}

func TestPlatformStats_AllSubsystems(t *testing.T) {
	ctx := context.Background()

	bidStore := bids.NewMemoryStore()
	now := time.Now().UTC()
	for i, status := range []bids.AcceptanceStatus{
		bids.AcceptancePendingPayment, bids.AcceptancePendingPayment, bids.AcceptancePaid,
	} {
		a := &bids.Acceptance{
			ID:        "acc_" + string(rune('a'+i)),
			BidID:     "bid_" + string(rune('a'+i)),
			BidCardID: "card_" + string(rune('a'+i)),
			Status:    status,
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := bidStore.CreateAcceptance(ctx, a); err != nil {
			t.Fatalf("CreateAcceptance failed: %v", err)
		}
	}

	msStore := milestone.NewMemoryStore()
	for i, status := range []milestone.Status{milestone.StatusFunded, milestone.StatusReleased} {
		p := &milestone.Payment{
			ID:          "pay_" + string(rune('a'+i)),
			ProjectID:   "proj_1",
			MilestoneID: "ms_" + string(rune('a'+i)),
			PayerID:     "usr_h1",
			PayeeID:     "usr_c1",
			Amount:      decimal.RequireFromString("100.00"),
			Currency:    "USD",
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := msStore.Create(ctx, p); err != nil {
			t.Fatalf("Create payment failed: %v", err)
		}
	}

	dspStore := dispute.NewMemoryStore()
	d := &dispute.Dispute{
		ID:                 "dsp_a",
		MilestonePaymentID: "pay_a",
		OpenedBy:           "usr_h1",
		Reason:             "work incomplete",
		Status:             dispute.StatusOpened,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := dspStore.Create(ctx, d); err != nil {
		t.Fatalf("Create dispute failed: %v", err)
	}

	handler := NewHandler().
		WithLedger(seedLedger(t)).
		WithAcceptances(bidStore).
		WithMilestones(msStore).
		WithDisputes(dspStore).
		WithHub(&fakeHub{stats: map[string]any{"active_clients": 3}})
	router := newRouter(handler)

	w := get(t, router, "/v1/admin/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Stats PlatformStats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	stats := body.Stats

	if stats.Accounts == nil {
		t.Fatal("expected accounts section")
	}
	if stats.Accounts.ByStatus["active"] != 2 {
		t.Errorf("active accounts = %d, want 2", stats.Accounts.ByStatus["active"])
	}
	usd := stats.Accounts.Balances["USD"]
	if !usd.Available.Equal(decimal.RequireFromString("380.00")) {
		t.Errorf("USD available = %s, want 380.00", usd.Available)
	}
	if !usd.Pending.Equal(decimal.RequireFromString("120.00")) {
		t.Errorf("USD pending = %s, want 120.00", usd.Pending)
	}
	if _, ok := stats.Accounts.Balances["EUR"]; !ok {
		t.Error("expected EUR balance bucket")
	}

	if stats.Acceptances["pending_payment"] != 2 {
		t.Errorf("pending_payment acceptances = %d, want 2", stats.Acceptances["pending_payment"])
	}
	if stats.Acceptances["paid"] != 1 {
		t.Errorf("paid acceptances = %d, want 1", stats.Acceptances["paid"])
	}
	if stats.Milestones["funded"] != 1 || stats.Milestones["released"] != 1 {
		t.Errorf("milestone counts = %v, want funded:1 released:1", stats.Milestones)
	}
	if stats.Disputes["opened"] != 1 {
		t.Errorf("opened disputes = %d, want 1", stats.Disputes["opened"])
	}
	if stats.WebSocket["active_clients"] != float64(3) {
		t.Errorf("websocket active_clients = %v, want 3", stats.WebSocket["active_clients"])
	}
	if stats.GeneratedAt.IsZero() {
		t.Error("expected generated_at timestamp")
	}
}

func TestPlatformStats_OmitsUnwiredSections(t *testing.T) {
	handler := NewHandler().WithLedger(seedLedger(t))
	router := newRouter(handler)

	w := get(t, router, "/v1/admin/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	stats := raw["stats"]
	if _, ok := stats["accounts"]; !ok {
		t.Error("expected accounts section when ledger is wired")
	}
	for _, section := range []string{"acceptances", "milestones", "disputes", "websocket"} {
		if _, ok := stats[section]; ok {
			t.Errorf("section %q should be omitted when not wired", section)
		}
	}
}

func TestListFrozen(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := ledger.New(store)

	frozen, err := svc.EnsureAccount(ctx, "usr_bad", ledger.OwnerContractor, "USD")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := svc.EnsureAccount(ctx, "usr_ok", ledger.OwnerHomeowner, "USD"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if err := store.SetAccountStatus(ctx, frozen.ID, ledger.AccountFrozen); err != nil {
		t.Fatalf("SetAccountStatus failed: %v", err)
	}

	router := newRouter(NewHandler().WithLedger(svc))
	w := get(t, router, "/v1/admin/frozen-accounts")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Accounts []*ledger.Account `json:"accounts"`
		Count    int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if body.Accounts[0].ID != frozen.ID {
		t.Errorf("frozen account = %s, want %s", body.Accounts[0].ID, frozen.ID)
	}
}

func TestListFrozen_EmptyIsArray(t *testing.T) {
	router := newRouter(NewHandler().WithLedger(seedLedger(t)))

	w := get(t, router, "/v1/admin/frozen-accounts")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Accounts []*ledger.Account `json:"accounts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.Accounts == nil {
		t.Error("accounts should serialize as an empty array, not null")
	}
}

func TestListFrozen_LedgerNotConfigured(t *testing.T) {
	router := newRouter(NewHandler())

	w := get(t, router, "/v1/admin/frozen-accounts")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without a ledger", w.Code)
	}
}
