// Package processor abstracts the card-payment gateway behind a small
// adapter surface.
//
// Flow:
//  1. Callers build a charge/refund/payout request carrying their own
//     idempotency key
//  2. The adapter forwards the call to the gateway, which deduplicates on
//     that key, so every call is safe to retry
//  3. Permanent declines map to ErrDeclined and must not be retried;
//     transient gateway failures map to ErrUnavailable and may be
//  4. Inbound gateway webhooks are signature-verified and normalized by a
//     WebhookParser before anything downstream sees them
//
// The adapter never retries internally; retry and breaker policy belong to
// the caller.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrDeclined         = errors.New("processor: payment declined")
	ErrUnavailable      = errors.New("processor: gateway unavailable")
	ErrInvalidSignature = errors.New("processor: invalid webhook signature")
	ErrUnknownEvent     = errors.New("processor: unrecognized webhook event")
)

// GatewayError wraps gateway failures with call context.
type GatewayError struct {
	Op   string // charge, refund, payout
	Ref  string // gateway object id, if one was assigned
	Code string // gateway error or decline code
	Err  error  // ErrDeclined or ErrUnavailable
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor: %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("processor: %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient. Declines are final; only
// gateway unavailability is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Adapter executes money movements against the gateway.
type Adapter interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// WebhookParser verifies and normalizes inbound gateway webhooks.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// Gateway combines the outbound and inbound halves of a processor.
type Gateway interface {
	Adapter
	WebhookParser
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Statuses reported in results. Anything else surfaces as an error.
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
)

// metadataIdempotencyKey is attached to every gateway object so webhooks can
// be correlated back to the originating operation.
const metadataIdempotencyKey = "idempotency_key"

// ChargeRequest collects a payment from a payer's stored instrument.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PayerRef       string // gateway payment-method reference
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

type ChargeResult struct {
	ProcessorRef string
	Status       string
}

// RefundRequest returns part or all of a prior charge to the payer.
type RefundRequest struct {
	ProcessorRef   string // ref of the charge being refunded
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
}

type RefundResult struct {
	ProcessorRef string
	Status       string
}

// PayoutRequest moves funds to a recipient's connected account.
type PayoutRequest struct {
	Amount         decimal.Decimal
	Currency       string
	DestinationRef string // gateway connected-account reference
	IdempotencyKey string
	Description    string
}

type PayoutResult struct {
	ProcessorRef string
	Status       string
}

// Normalized webhook event types. Gateway-specific names are mapped to these
// before anything downstream sees them.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventPayoutSucceeded = "payout.succeeded"
	EventPayoutFailed    = "payout.failed"
)

// WebhookEvent is a verified, normalized gateway notification.
type WebhookEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	ProcessorRef   string `json:"processor_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	FailureReason  string `json:"failure_reason,omitempty"`
}
