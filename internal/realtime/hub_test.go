package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/events"
)

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})
	return h
}

// connect registers a bare client (no websocket behind it) and waits for the
// hub to admit it.
func connect(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	before := h.Stats()["connectedClients"].(int)
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.register <- c
	waitUntil(t, "client admission", func() bool {
		return h.Stats()["connectedClients"].(int) == before+1
	})
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recv pops the next queued frame for a client.
func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

func TestShouldSend(t *testing.T) {
	h := NewHub(slog.Default())

	watchSmith := Subscription{UserIDs: []string{"usr_smith"}}
	over100 := Subscription{MinAmount: decimal.NewFromInt(100)}

	cases := []struct {
		name  string
		sub   Subscription
		event *events.Event
		want  bool
	}{
		{"allEvents", Subscription{AllEvents: true}, events.New(events.TypePaymentDisputed, nil), true},
		{"zeroSubscription", Subscription{}, events.New(events.TypeBidAccepted, nil), true},
		{"typeListed",
			Subscription{EventTypes: []events.Type{events.TypeBidAccepted, events.TypeMilestoneFunded}},
			events.New(events.TypeMilestoneFunded, nil), true},
		{"typeUnlisted",
			Subscription{EventTypes: []events.Type{events.TypeBidAccepted}},
			events.New(events.TypePaymentDisputed, nil), false},
		{"watchedPayer", watchSmith,
			events.New(events.TypeMilestoneFunded, map[string]any{"payer_id": "usr_smith", "payee_id": "usr_jones"}), true},
		{"watchedPayee", watchSmith,
			events.New(events.TypeMilestoneReleased, map[string]any{"payer_id": "usr_jones", "payee_id": "usr_smith"}), true},
		{"watchedContractor", watchSmith,
			events.New(events.TypeBidAccepted, map[string]any{"contractor_id": "usr_smith"}), true},
		{"watchedHomeowner", watchSmith,
			events.New(events.TypeConnectionPaymentCompleted, map[string]any{"homeowner_id": "usr_smith"}), true},
		{"watchedAcceptor", watchSmith,
			events.New(events.TypeBidAccepted, map[string]any{"accepted_by": "usr_smith"}), true},
		{"strangersOnly", watchSmith,
			events.New(events.TypeMilestoneFunded, map[string]any{"payer_id": "usr_jones", "payee_id": "usr_brown"}), false},
		{"identityNotAString", watchSmith,
			events.New(events.TypeMilestoneFunded, map[string]any{"payer_id": 42}), false},
		{"amountAboveFloor", over100,
			events.New(events.TypeMilestoneFunded, map[string]any{"amount": "150.00"}), true},
		{"amountAtFloor", over100,
			events.New(events.TypeMilestoneFunded, map[string]any{"amount": "100.00"}), true},
		{"amountBelowFloor", over100,
			events.New(events.TypeMilestoneFunded, map[string]any{"amount": "50.00"}), false},
		// The amount floor only applies where the payload carries one.
		{"noAmountInPayload", over100,
			events.New(events.TypeBidExpired, map[string]any{"bid_id": "bid_1"}), true},
		{"amountNotAString", over100,
			events.New(events.TypeMilestoneFunded, map[string]any{"amount": 12.5}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.shouldSend(&Client{sub: tc.sub}, tc.event); got != tc.want {
				t.Errorf("shouldSend(%+v, %s) = %v, want %v", tc.sub, tc.event.Type, got, tc.want)
			}
		})
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	cases := []struct {
		raw       string
		wantTypes int
		wantAll   bool
		wantErr   bool
	}{
		{raw: "", wantAll: true},
		{raw: " , ,", wantAll: true},
		{raw: "bid.accepted, milestone.funded", wantTypes: 2},
		{raw: ",bid.expired,", wantTypes: 1},
		{raw: "bid.accepted,nonsense.event", wantErr: true},
	}
	for _, tc := range cases {
		sub, err := subscriptionFromQuery(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("subscriptionFromQuery(%q) accepted an unknown type", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("subscriptionFromQuery(%q): %v", tc.raw, err)
			continue
		}
		if sub.AllEvents != tc.wantAll || len(sub.EventTypes) != tc.wantTypes {
			t.Errorf("subscriptionFromQuery(%q) = %+v", tc.raw, sub)
		}
	}
}

func TestStatsStartAtZero(t *testing.T) {
	s := NewHub(slog.Default()).Stats()
	if s["connectedClients"].(int) != 0 || s["totalEvents"].(int64) != 0 ||
		s["totalClients"].(int64) != 0 || s["peakClients"].(int64) != 0 {
		t.Errorf("fresh hub stats = %v", s)
	}
}

func TestConnectionCountersAndPeak(t *testing.T) {
	h := startHub(t)
	c := connect(t, h, Subscription{AllEvents: true})

	s := h.Stats()
	if s["peakClients"].(int64) != 1 || s["totalClients"].(int64) != 1 {
		t.Errorf("stats after one connect = %v", s)
	}

	h.unregister <- c
	waitUntil(t, "client removal", func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	})

	// Lifetime counters survive the disconnect.
	s = h.Stats()
	if s["peakClients"].(int64) != 1 || s["totalClients"].(int64) != 1 {
		t.Errorf("stats after disconnect = %v", s)
	}
}

func TestBroadcastCountsEvents(t *testing.T) {
	h := startHub(t)
	h.Broadcast(events.New(events.TypeBidAccepted, nil))
	waitUntil(t, "event counter", func() bool {
		return h.Stats()["totalEvents"].(int64) == 1
	})
}

func TestBroadcastDeliversEventFrame(t *testing.T) {
	h := startHub(t)
	c := connect(t, h, Subscription{AllEvents: true})

	h.Broadcast(events.New(events.TypeMilestoneFunded, map[string]any{"amount": "500.00"}))

	var ev events.Event
	if err := json.Unmarshal(recv(t, c), &ev); err != nil {
		t.Fatalf("frame is not a JSON event: %v", err)
	}
	if ev.Type != events.TypeMilestoneFunded || ev.Data["amount"] != "500.00" {
		t.Errorf("delivered event = %+v", ev)
	}
}

func TestBroadcastHonorsFilter(t *testing.T) {
	h := startHub(t)
	c := connect(t, h, Subscription{EventTypes: []events.Type{events.TypePaymentDisputed}})

	// Frames arrive in broadcast order, so getting the dispute event first
	// proves the bid event was dropped rather than still in flight.
	h.Broadcast(events.New(events.TypeBidAccepted, nil))
	h.Broadcast(events.New(events.TypePaymentDisputed, map[string]any{"dispute_id": "dsp_1"}))

	var ev events.Event
	if err := json.Unmarshal(recv(t, c), &ev); err != nil {
		t.Fatalf("frame is not a JSON event: %v", err)
	}
	if ev.Type != events.TypePaymentDisputed {
		t.Fatalf("first frame = %s, want the dispute event", ev.Type)
	}
	select {
	case extra := <-c.send:
		t.Errorf("unexpected extra frame: %s", extra)
	default:
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{AllEvents: true}}
	h.register <- c

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Shutdown closes every client queue so writeLoops can say goodbye.
	if _, open := <-c.send; open {
		t.Error("send queue left open after shutdown")
	}
}

func TestSinkFeedsHub(t *testing.T) {
	h := startHub(t)
	c := connect(t, h, Subscription{AllEvents: true})

	NewSink(h).Emit(context.Background(), events.New(events.TypeDisputeResolved, nil))

	if len(recv(t, c)) == 0 {
		t.Error("sink delivered an empty frame")
	}
}

func TestNilSinkIgnoresEvents(t *testing.T) {
	var sink *Sink
	sink.Emit(context.Background(), events.New(events.TypeBidAccepted, nil))
}
