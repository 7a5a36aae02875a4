package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/nestbid/nestbid/internal/money"
)

// StripeConfig configures the live gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// Stripe implements Gateway against the Stripe API. Charges are PaymentIntents
// confirmed server-side, payouts are Transfers to connected accounts.
type Stripe struct {
	api    *client.API
	secret string
}

// Compile-time interface check
var _ Gateway = (*Stripe)(nil)

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("processor: stripe api key required")
	}
	api := &client.API{}
	api.Init(cfg.APIKey, nil)
	return &Stripe{api: api, secret: cfg.WebhookSecret}, nil
}

func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	minor, err := money.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PayerRef),
		Confirm:       stripe.Bool(true),
		// Server-side confirm only; anything needing customer action fails
		// immediately instead of parking in requires_action.
		ErrorOnRequiresAction: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metadataIdempotencyKey, req.IdempotencyKey)
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError("charge", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, &GatewayError{Op: "charge", Ref: pi.ID, Code: string(pi.Status), Err: ErrDeclined}
	}
	return &ChargeResult{ProcessorRef: pi.ID, Status: StatusSucceeded}, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	minor, err := money.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProcessorRef),
		Amount:        stripe.Int64(minor),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metadataIdempotencyKey, req.IdempotencyKey)
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}

	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError("refund", err)
	}
	if ref.Status == stripe.RefundStatusFailed {
		return nil, &GatewayError{Op: "refund", Ref: ref.ID, Code: string(ref.FailureReason), Err: ErrDeclined}
	}
	return &RefundResult{ProcessorRef: ref.ID, Status: string(ref.Status)}, nil
}

func (s *Stripe) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	minor, err := money.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(minor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metadataIdempotencyKey, req.IdempotencyKey)
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, mapStripeError("payout", err)
	}
	return &PayoutResult{ProcessorRef: tr.ID, Status: StatusSucceeded}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
		Tolerance:                webhook.DefaultTolerance,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normalizeStripeEvent(&event)
}

func normalizeStripeEvent(event *stripe.Event) (*WebhookEvent, error) {
	var obj struct {
		ID               string            `json:"id"`
		Metadata         map[string]string `json:"metadata"`
		FailureMessage   string            `json:"failure_message"`
		LastPaymentError *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if event.Data != nil {
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("processor: decode %s object: %v", event.Type, err)
		}
	}

	we := &WebhookEvent{
		ID:             event.ID,
		ProcessorRef:   obj.ID,
		IdempotencyKey: obj.Metadata[metadataIdempotencyKey],
	}
	if we.IdempotencyKey == "" && event.Request != nil {
		we.IdempotencyKey = event.Request.IdempotencyKey
	}

	switch event.Type {
	case "payment_intent.succeeded":
		we.Type = EventChargeSucceeded
	case "payment_intent.payment_failed":
		we.Type = EventChargeFailed
		if obj.LastPaymentError != nil {
			we.FailureReason = obj.LastPaymentError.Message
		}
	case "transfer.created", "payout.paid":
		we.Type = EventPayoutSucceeded
	case "payout.failed":
		we.Type = EventPayoutFailed
		we.FailureReason = obj.FailureMessage
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event.Type)
	}
	return we, nil
}

// mapStripeError translates a Stripe API failure into the adapter's taxonomy.
// Card errors and other 4xx responses are permanent; 429s, 5xx responses and
// transport failures are transient.
func mapStripeError(op string, err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		// Never got a gateway response.
		return &GatewayError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	ge := &GatewayError{Op: op, Code: string(sErr.Code)}
	if sErr.DeclineCode != "" {
		ge.Code = string(sErr.DeclineCode)
	}
	if sErr.PaymentIntent != nil {
		ge.Ref = sErr.PaymentIntent.ID
	}

	switch {
	case sErr.Type == stripe.ErrorTypeCard:
		ge.Err = ErrDeclined
	case sErr.HTTPStatusCode == http.StatusTooManyRequests || sErr.HTTPStatusCode >= http.StatusInternalServerError:
		ge.Err = ErrUnavailable
	case sErr.Type == stripe.ErrorTypeAPI:
		ge.Err = ErrUnavailable
	default:
		// invalid_request and idempotency errors will not succeed on retry.
		ge.Err = ErrDeclined
	}
	return ge
}
