// Package realtime streams payment lifecycle events over WebSocket.
//
// Instead of polling, dashboards and project tooling subscribe once and
// receive acceptances, payments, milestone transitions and dispute updates
// as they happen. Clients filter server-side by event type, by the users
// involved, or by a minimum amount.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/metrics"
)

// MaxClients caps concurrent WebSocket connections per hub.
const MaxClients = 10000

const (
	// writeWait bounds a single frame write, including pings.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up on it. Pings go out well inside that window.
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 2) / 3
	// maxFrameBytes limits inbound frames. Clients only ever send filter
	// updates, which are tiny.
	maxFrameBytes = 32 << 10
	// sendBuffer is the per-client outbound queue. A client that falls
	// this far behind gets disconnected rather than stalling fan-out.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     originAllowed,
}

// originAllowed admits requests without an Origin header (CLI tools, server
// side consumers) and browser requests from the same host the API serves.
func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host, ok := strings.CutPrefix(origin, "https://")
	if !ok {
		host, ok = strings.CutPrefix(origin, "http://")
	}
	return ok && strings.EqualFold(host, r.Host)
}

// identityKeys are the payload fields that can carry a user identity.
var identityKeys = []string{"payer_id", "payee_id", "contractor_id", "homeowner_id", "accepted_by"}

// Subscription filters for a client. A zero subscription receives everything.
// Clients set the initial filter via the ?events= query parameter and can
// replace it at any time by sending a JSON subscription message.
type Subscription struct {
	AllEvents  bool            `json:"all_events"`
	EventTypes []events.Type   `json:"event_types"`
	UserIDs    []string        `json:"user_ids"`   // Watch events involving specific users
	MinAmount  decimal.Decimal `json:"min_amount"` // Only events at or above this amount
}

// Client is one WebSocket connection and its current filter.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// write sends one frame under the standard write deadline.
func (c *Client) write(messageType int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, payload)
}

// Hub fans events out to connected clients. All map mutations happen on the
// Run goroutine; the mutex only covers reads from other goroutines.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	feed       chan *events.Event
	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run returns, so handlers stop accepting
	// upgrades instead of registering clients nobody will serve.
	stopped chan struct{}

	seenEvents  atomic.Int64
	seenClients atomic.Int64
	peak        atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		feed:       make(chan *events.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.admit(client)
		case client := <-h.unregister:
			h.drop(client)
		case event := <-h.feed:
			h.fanOut(event)
		}
	}
}

func (h *Hub) admit(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.seenClients.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, member := h.clients[client]
	if member {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if member {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Info("client disconnected", "total", n)
	}
}

// closeAll disconnects everyone on shutdown. Closing the send channel makes
// each writeLoop emit a close frame and exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// fanOut delivers one event to every matching client. Sends never block;
// clients whose queue is full are disconnected afterwards.
func (h *Hub) fanOut(event *events.Event) {
	h.seenEvents.Add(1)

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if h.shouldSend(client, event) {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	// Only this goroutine closes send channels, so sending outside the
	// lock is safe.
	var stalled []*Client
	for _, client := range recipients {
		select {
		case client.send <- payload:
		default:
			stalled = append(stalled, client)
		}
	}
	if len(stalled) > 0 {
		h.evict(stalled)
	}
}

func (h *Hub) evict(stalled []*Client) {
	h.mu.Lock()
	for _, client := range stalled {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow clients", "count", len(stalled), "total", n)
}

// Broadcast queues an event for fan-out to all matching clients. Never
// blocks; the event is dropped when the hub cannot keep up.
func (h *Hub) Broadcast(event *events.Event) {
	select {
	case h.feed <- event:
	default:
		events.Dropped(event.Type, "realtime")
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// shouldSend reports whether the client's subscription matches the event.
func (h *Hub) shouldSend(client *Client, event *events.Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.UserIDs) > 0 && !involvesAny(event, sub.UserIDs) {
		return false
	}
	// The amount filter only applies where the payload carries an amount.
	if sub.MinAmount.IsPositive() {
		if amount, ok := eventAmount(event); ok && amount.LessThan(sub.MinAmount) {
			return false
		}
	}
	return true
}

// involvesAny reports whether any identity field of the payload names one of
// the watched users.
func involvesAny(event *events.Event, ids []string) bool {
	if event.Data == nil {
		return false
	}
	for _, key := range identityKeys {
		v, _ := event.Data[key].(string)
		if v != "" && slices.Contains(ids, v) {
			return true
		}
	}
	return false
}

func eventAmount(event *events.Event) (decimal.Decimal, bool) {
	raw, ok := event.Data["amount"].(string)
	if !ok {
		return decimal.Decimal{}, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return amount, true
}

// Stats returns counters for the admin surface.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": connected,
		"totalEvents":      h.seenEvents.Load(),
		"totalClients":     h.seenClients.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The optional ?events= query
// parameter (comma-separated types) sets the initial filter; without it the
// client receives every event.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := subscriptionFromQuery(r.URL.Query().Get("events"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()
	if connected >= MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  sub,
	}

	select {
	case h.register <- client:
	case <-h.stopped:
		_ = conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()
}

// subscriptionFromQuery parses the ?events= parameter. Unknown types are
// rejected up front so a typo does not turn into a silent empty stream.
func subscriptionFromQuery(raw string) (Subscription, error) {
	if raw == "" {
		return Subscription{AllEvents: true}, nil
	}
	var types []events.Type
	for _, part := range strings.Split(raw, ",") {
		t := events.Type(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !events.Known(t) {
			return Subscription{}, fmt.Errorf("unknown event type: %s", t)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return Subscription{AllEvents: true}, nil
	}
	return Subscription{EventTypes: types}, nil
}

// readLoop consumes inbound frames. The only messages clients send are
// subscription updates; everything else keeps the connection alive.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed filter update", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writeLoop pushes queued events and keepalive pings. It exits when the hub
// closes the send channel or the connection stops accepting writes.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = c.write(websocket.CloseMessage, msg)
				return
			}
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
