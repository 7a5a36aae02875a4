package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/ledger"
)

// LedgerStats abstracts the ledger aggregates the admin surface reads.
// Implemented by *ledger.Service.
type LedgerStats interface {
	CountAccountsByStatus(ctx context.Context) (map[string]int, error)
	SumBalances(ctx context.Context) (map[string]ledger.BalanceTotals, error)
	ListAccounts(ctx context.Context, status string, limit int) ([]*ledger.Account, error)
}

// AcceptanceCounter reports acceptance counts by status. Implemented by the
// bids store.
type AcceptanceCounter interface {
	CountAcceptancesByStatus(ctx context.Context) (map[string]int, error)
}

// MilestoneCounter reports milestone payment counts by status. Implemented
// by the milestone store.
type MilestoneCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// DisputeCounter reports dispute counts by status. Implemented by the
// dispute store.
type DisputeCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// HubStats reports websocket hub statistics. Implemented by *realtime.Hub.
type HubStats interface {
	Stats() map[string]any
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	ledger      LedgerStats
	acceptances AcceptanceCounter
	milestones  MilestoneCounter
	disputes    DisputeCounter
	hub         HubStats
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithLedger sets the ledger aggregates source.
func (h *Handler) WithLedger(l LedgerStats) *Handler {
	h.ledger = l
	return h
}

// WithAcceptances sets the acceptance counts source.
func (h *Handler) WithAcceptances(c AcceptanceCounter) *Handler {
	h.acceptances = c
	return h
}

// WithMilestones sets the milestone counts source.
func (h *Handler) WithMilestones(c MilestoneCounter) *Handler {
	h.milestones = c
	return h
}

// WithDisputes sets the dispute counts source.
func (h *Handler) WithDisputes(c DisputeCounter) *Handler {
	h.disputes = c
	return h
}

// WithHub sets the websocket stats source.
func (h *Handler) WithHub(s HubStats) *Handler {
	h.hub = s
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/stats", h.platformStats)
	r.GET("/admin/frozen-accounts", h.listFrozen)
}

// platformStats returns aggregate counts and balances across subsystems.
func (h *Handler) platformStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := &PlatformStats{GeneratedAt: time.Now().UTC()}

	if h.ledger != nil {
		byStatus, err := h.ledger.CountAccountsByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": "Failed to count accounts"})
			return
		}
		balances, err := h.ledger.SumBalances(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": "Failed to sum balances"})
			return
		}
		stats.Accounts = &AccountStats{ByStatus: byStatus, Balances: balances}
	}

	if h.acceptances != nil {
		counts, err := h.acceptances.CountAcceptancesByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": "Failed to count acceptances"})
			return
		}
		stats.Acceptances = counts
	}

	if h.milestones != nil {
		counts, err := h.milestones.CountByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": "Failed to count milestone payments"})
			return
		}
		stats.Milestones = counts
	}

	if h.disputes != nil {
		counts, err := h.disputes.CountByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": "Failed to count disputes"})
			return
		}
		stats.Disputes = counts
	}

	if h.hub != nil {
		stats.WebSocket = h.hub.Stats()
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// listFrozen returns accounts frozen by invariant violations, oldest first.
func (h *Handler) listFrozen(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Ledger not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	accounts, err := h.ledger.ListAccounts(c.Request.Context(), ledger.AccountFrozen, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": "Failed to list frozen accounts"})
		return
	}
	if accounts == nil {
		accounts = []*ledger.Account{}
	}

	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}
