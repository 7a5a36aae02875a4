package inbound

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/bids"
	"github.com/nestbid/nestbid/internal/logging"
	"github.com/nestbid/nestbid/internal/milestone"
	"github.com/nestbid/nestbid/internal/processor"
)

// completionAuthorizer is recorded on releases driven by project-service
// callbacks instead of a user ID.
const completionAuthorizer = "project-system"

// maxWebhookBytes bounds the webhook body read; processor payloads are
// a few KB.
const maxWebhookBytes = 256 << 10

// MilestoneReleaser is the slice of the milestone engine that completion
// callbacks drive.
type MilestoneReleaser interface {
	GetByMilestoneID(ctx context.Context, milestoneID string) (*milestone.Payment, error)
	Release(ctx context.Context, id, authorizedBy string) (*milestone.Payment, error)
}

// BidEvents is the slice of the bid service that withdrawal callbacks and
// charge webhooks drive.
type BidEvents interface {
	WithdrawBid(ctx context.Context, bidID, contractorID string) (*bids.Bid, error)
	ApplyChargeEvent(ctx context.Context, eventKey, processorRef, reason string, succeeded bool) error
}

// WebhookParser verifies and decodes processor webhook payloads.
// Implemented by the processor gateways.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*processor.WebhookEvent, error)
}

// Handler handles callbacks from the project service and webhooks from the
// payment processor.
type Handler struct {
	milestones MilestoneReleaser
	bids       BidEvents
	parser     WebhookParser
	processed  ProcessedStore
}

// NewHandler creates an inbound-event handler.
func NewHandler(milestones MilestoneReleaser, bidEvents BidEvents, parser WebhookParser, processed ProcessedStore) *Handler {
	return &Handler{
		milestones: milestones,
		bids:       bidEvents,
		parser:     parser,
		processed:  processed,
	}
}

// RegisterRoutes registers every inbound endpoint on the given router group.
// Intended for tests; server wiring splits the two surfaces so project-service
// callbacks sit behind service auth while the processor webhook stays open and
// relies on signature verification.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	h.RegisterEventRoutes(r)
	h.RegisterWebhookRoutes(r)
}

// RegisterEventRoutes registers the project-service callback endpoints.
func (h *Handler) RegisterEventRoutes(r gin.IRoutes) {
	r.POST("/events/milestone-completion", h.MilestoneCompletion)
	r.POST("/events/bid-withdrawn", h.BidWithdrawn)
}

// RegisterWebhookRoutes registers the payment-processor webhook endpoint.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/processor", h.ProcessorWebhook)
}

// MilestoneCompletionRequest is the project-service completion callback.
type MilestoneCompletionRequest struct {
	MilestoneID string `json:"milestone_id" binding:"required"`
}

// MilestoneCompletion handles POST /v1/events/milestone-completion. The
// release is idempotent, so redelivered callbacks return the settled payment.
func (h *Handler) MilestoneCompletion(c *gin.Context) {
	var req MilestoneCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	payment, err := h.milestones.GetByMilestoneID(ctx, req.MilestoneID)
	if err != nil {
		if errors.Is(err, milestone.ErrNotFound) {
			projectEvents.WithLabelValues("milestone_completion", "rejected").Inc()
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment for this milestone",
			})
			return
		}
		projectEvents.WithLabelValues("milestone_completion", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	released, err := h.milestones.Release(ctx, payment.ID, completionAuthorizer)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		outcome := "error"
		switch {
		case errors.Is(err, milestone.ErrDisputeActive):
			status, code, outcome = http.StatusConflict, "dispute_active", "rejected"
		case errors.Is(err, milestone.ErrNotFunded):
			status, code, outcome = http.StatusConflict, "not_funded", "rejected"
		case errors.Is(err, milestone.ErrInvalidTransition), errors.Is(err, milestone.ErrStaleState):
			status, code, outcome = http.StatusConflict, "invalid_state", "rejected"
		}
		projectEvents.WithLabelValues("milestone_completion", outcome).Inc()
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	projectEvents.WithLabelValues("milestone_completion", "applied").Inc()
	c.JSON(http.StatusOK, gin.H{"payment": released})
}

// BidWithdrawnRequest is the project-service withdrawal callback.
type BidWithdrawnRequest struct {
	BidID string `json:"bid_id" binding:"required"`
}

// BidWithdrawn handles POST /v1/events/bid-withdrawn. Ownership was checked
// upstream, so the withdrawal runs without a contractor match.
func (h *Handler) BidWithdrawn(c *gin.Context) {
	var req BidWithdrawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	bid, err := h.bids.WithdrawBid(c.Request.Context(), req.BidID, "")
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		outcome := "error"
		switch {
		case errors.Is(err, bids.ErrBidNotFound):
			status, code, outcome = http.StatusNotFound, "not_found", "rejected"
		case errors.Is(err, bids.ErrBidNotActive):
			status, code, outcome = http.StatusConflict, "bid_not_active", "rejected"
		}
		projectEvents.WithLabelValues("bid_withdrawn", outcome).Inc()
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	projectEvents.WithLabelValues("bid_withdrawn", "applied").Inc()
	c.JSON(http.StatusOK, gin.H{"bid": bid})
}

// ProcessorWebhook handles POST /v1/webhooks/processor. Signature first,
// then the processed-event store: marked before the work so concurrent
// deliveries cannot both apply, unmarked on failure so the processor's
// retry gets through.
func (h *Handler) ProcessorWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable request body",
		})
		return
	}

	event, err := h.parser.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, processor.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	case errors.Is(err, processor.ErrUnknownEvent):
		// Event families this service does not consume are acknowledged
		// so the processor stops redelivering them.
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	fresh, err := h.processed.MarkProcessed(ctx, event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	if err := h.apply(ctx, event); err != nil {
		if uerr := h.processed.Unmark(ctx, event.ID); uerr != nil {
			logging.L(ctx).Error("failed to unmark webhook event for retry",
				"event", event.ID, "error", uerr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) apply(ctx context.Context, event *processor.WebhookEvent) error {
	log := logging.L(ctx).With("event", event.ID, "type", event.Type)

	switch event.Type {
	case processor.EventChargeSucceeded, processor.EventChargeFailed:
		succeeded := event.Type == processor.EventChargeSucceeded
		err := h.bids.ApplyChargeEvent(ctx, event.IdempotencyKey, event.ProcessorRef, event.FailureReason, succeeded)
		if errors.Is(err, bids.ErrPaymentNotFound) {
			// Charges created outside this service have no row to settle;
			// acknowledged so they stop retrying.
			log.Warn("charge event matches no payment", "key", event.IdempotencyKey)
			webhookEvents.WithLabelValues(event.Type, "unmatched").Inc()
			return nil
		}
		if err != nil {
			webhookEvents.WithLabelValues(event.Type, "error").Inc()
			return err
		}
		webhookEvents.WithLabelValues(event.Type, "applied").Inc()
		return nil

	case processor.EventPayoutSucceeded:
		// Releases settle in the ledger when authorized; the downstream
		// bank payout is tracked for operators, not replayed into state.
		log.Info("payout settled", "ref", event.ProcessorRef)
		webhookEvents.WithLabelValues(event.Type, "applied").Inc()
		return nil

	case processor.EventPayoutFailed:
		log.Error("payout failed at the processor",
			"ref", event.ProcessorRef, "reason", event.FailureReason)
		webhookEvents.WithLabelValues(event.Type, "failed").Inc()
		return nil

	default:
		log.Info("webhook event ignored")
		webhookEvents.WithLabelValues(event.Type, "ignored").Inc()
		return nil
	}
}
