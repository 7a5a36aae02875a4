package bids

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nestbid/nestbid/internal/circuitbreaker"
	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/idgen"
	"github.com/nestbid/nestbid/internal/logging"
	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/processor"
	"github.com/nestbid/nestbid/internal/retry"
	"github.com/nestbid/nestbid/internal/syncutil"
	"github.com/nestbid/nestbid/internal/traces"
)

const (
	chargeAttempts = 3
	chargeBackoff  = 200 * time.Millisecond

	// BreakerKey names the circuit that guards processor charge calls.
	BreakerKey = "processor.charge"

	// fallbackCandidates bounds the ranking read during promotion.
	fallbackCandidates = 5
)

// Service implements the bid-acceptance coordinator.
type Service struct {
	store    Store
	ledger   PlatformLedger
	gateway  Gateway
	fees     FeePolicy
	capacity CapacityPolicy
	emitter  events.Emitter
	breaker  *circuitbreaker.Breaker

	window        time.Duration
	procTimeout   time.Duration
	contactFields []string
	now           func() time.Time

	cardLocks       syncutil.ShardedMutex
	acceptanceLocks syncutil.ShardedMutex
}

// NewService creates a bid-acceptance coordinator with a flat default fee
// and unlimited card capacity. Use the With* builders to configure policy.
func NewService(store Store, ledger PlatformLedger, gateway Gateway) *Service {
	return &Service{
		store:         store,
		ledger:        ledger,
		gateway:       gateway,
		fees:          FlatFee{Amount: DefaultConnectionFee},
		capacity:      UnlimitedCapacity{},
		window:        DefaultAcceptanceWindow,
		procTimeout:   DefaultProcessorTimeout,
		contactFields: DefaultContactFields,
		now:           time.Now,
	}
}

// WithFeePolicy sets the connection fee policy.
func (s *Service) WithFeePolicy(p FeePolicy) *Service {
	if p != nil {
		s.fees = p
	}
	return s
}

// WithCapacityPolicy sets the per-card bid capacity policy.
func (s *Service) WithCapacityPolicy(p CapacityPolicy) *Service {
	if p != nil {
		s.capacity = p
	}
	return s
}

// WithEmitter adds a lifecycle event emitter.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithBreaker guards processor charges with a circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithAcceptanceWindow sets how long contractors have to pay.
func (s *Service) WithAcceptanceWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithProcessorTimeout bounds a single charge attempt.
func (s *Service) WithProcessorTimeout(d time.Duration) *Service {
	if d > 0 {
		s.procTimeout = d
	}
	return s
}

// WithContactFields sets the contact detail set released on payment.
func (s *Service) WithContactFields(fields []string) *Service {
	if len(fields) > 0 {
		s.contactFields = fields
	}
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// SubmitBid records a contractor's bid on a bid card for ranking and
// acceptance.
func (s *Service) SubmitBid(ctx context.Context, bidCardID, contractorID string, amount decimal.Decimal, currency string) (*Bid, error) {
	if bidCardID == "" || contractorID == "" {
		return nil, errors.New("bid card and contractor are required")
	}
	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	amount, err = money.Validate(amount, cur)
	if err != nil {
		return nil, err
	}

	unlock := s.cardLocks.Lock(bidCardID)
	defer unlock()

	count, err := s.store.CountActiveBids(ctx, bidCardID)
	if err != nil {
		return nil, err
	}
	if err := s.capacity.Admit(ctx, bidCardID, count); err != nil {
		return nil, err
	}

	bid := &Bid{
		ID:           idgen.WithPrefix("bid_"),
		BidCardID:    bidCardID,
		ContractorID: contractorID,
		Amount:       amount,
		Currency:     cur,
		Status:       BidActive,
		SubmittedAt:  s.now().UTC(),
	}
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	bidsSubmitted.Inc()
	return bid, nil
}

// WithdrawBid pulls a contractor's bid from the pool. Withdrawing an
// accepted bid cancels its open acceptance first; a settled acceptance is
// left untouched. Idempotent on already-withdrawn bids. An empty
// contractorID skips the ownership check (event-driven path).
func (s *Service) WithdrawBid(ctx context.Context, bidID, contractorID string) (*Bid, error) {
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if contractorID != "" && bid.ContractorID != contractorID {
		return nil, ErrNotBidOwner
	}

	unlock := s.cardLocks.Lock(bid.BidCardID)
	bid, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		unlock()
		return nil, err
	}

	var openID string
	switch bid.Status {
	case BidWithdrawn:
		unlock()
		return bid, nil
	case BidPromoted:
		unlock()
		return nil, ErrBidNotActive
	case BidAccepted:
		open, oerr := s.store.GetOpenAcceptanceByCard(ctx, bid.BidCardID)
		if oerr == nil && open.BidID == bid.ID {
			openID = open.ID
		} else if oerr != nil && !errors.Is(oerr, ErrAcceptanceNotFound) {
			unlock()
			return nil, oerr
		}
	}

	if openID == "" {
		// Active, or accepted with the acceptance already settled.
		bid.Status = BidWithdrawn
		uerr := s.store.UpdateBid(ctx, bid)
		unlock()
		if uerr != nil {
			return nil, uerr
		}
		return bid, nil
	}

	// Cancel takes the acceptance lock; never nest it under the card lock.
	unlock()
	if _, cerr := s.Cancel(ctx, openID, bid.ContractorID); cerr != nil && !errors.Is(cerr, ErrNotPendingPayment) {
		return nil, cerr
	}

	bid, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status == BidAccepted {
		// The acceptance settled before the cancel landed; retire the bid.
		bid.Status = BidWithdrawn
		if err := s.store.UpdateBid(ctx, bid); err != nil {
			return nil, err
		}
	}
	return bid, nil
}

// Accept opens a payment-window acceptance for an active bid on behalf of
// the homeowner. At most one open acceptance may exist per bid card, and a
// bid is accepted at most once; the fee owed comes from the configured
// FeePolicy.
func (s *Service) Accept(ctx context.Context, bidID, acceptedBy string) (_ *Acceptance, retErr error) {
	ctx, span := traces.StartSpan(ctx, "bids.Accept",
		attribute.String("bid.id", bidID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if bidID == "" || acceptedBy == "" {
		return nil, errors.New("bid id and accepting user are required")
	}

	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}

	unlock := s.cardLocks.Lock(bid.BidCardID)
	defer unlock()

	// Re-read under the card lock; the bid may have been withdrawn or
	// accepted while we waited.
	bid, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	switch bid.Status {
	case BidActive:
	case BidAccepted:
		return nil, ErrBidAlreadyAccepted
	default:
		return nil, ErrBidNotActive
	}

	if _, err := s.store.GetOpenAcceptanceByCard(ctx, bid.BidCardID); err == nil {
		return nil, ErrAcceptanceConflict
	} else if !errors.Is(err, ErrAcceptanceNotFound) {
		return nil, err
	}

	count, err := s.store.CountActiveBids(ctx, bid.BidCardID)
	if err != nil {
		return nil, err
	}
	if err := s.capacity.Admit(ctx, bid.BidCardID, count); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acceptance := &Acceptance{
		ID:            idgen.WithPrefix("acp_"),
		BidID:         bid.ID,
		BidCardID:     bid.BidCardID,
		AcceptedBy:    acceptedBy,
		FeeAmount:     s.fees.Fee(bid),
		FeeCalcMethod: s.fees.Method(),
		Currency:      bid.Currency,
		Status:        AcceptancePendingPayment,
		AcceptedAt:    now,
		ExpiresAt:     now.Add(s.window),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAcceptance(ctx, acceptance); err != nil {
		return nil, err
	}

	bid.Status = BidAccepted
	if err := s.store.UpdateBid(ctx, bid); err != nil {
		// Roll the acceptance back so the card is not blocked by a
		// half-created acceptance.
		if _, cerr := s.store.UpdateAcceptanceStatusIf(ctx, acceptance.ID, AcceptancePendingPayment, AcceptanceCancelled); cerr != nil {
			log.Printf("CRITICAL: acceptance %s created but bid %s update and rollback both failed: %v / %v",
				acceptance.ID, bid.ID, err, cerr)
		}
		return nil, err
	}

	acceptancesCreated.Inc()
	s.emit(ctx, events.New(events.TypeBidAccepted, map[string]any{
		"acceptance_id": acceptance.ID,
		"bid_id":        bid.ID,
		"bid_card_id":   bid.BidCardID,
		"contractor_id": bid.ContractorID,
		"accepted_by":   acceptedBy,
		"fee_amount":    money.Format(acceptance.FeeAmount, acceptance.Currency),
		"currency":      acceptance.Currency,
		"expires_at":    acceptance.ExpiresAt.Format(time.RFC3339),
	}))
	return acceptance, nil
}

// Pay charges the connection fee for an acceptance. The idempotency key
// makes retries safe: replaying a completed payment with the same key
// returns the recorded result without a second charge, and a different key
// against a paid acceptance is rejected.
func (s *Service) Pay(ctx context.Context, acceptanceID, payerRef, idempotencyKey string) (_ *ConnectionPayment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "bids.Pay",
		attribute.String("acceptance.id", acceptanceID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if acceptanceID == "" || payerRef == "" {
		return nil, errors.New("acceptance id and payer reference are required")
	}
	if idempotencyKey == "" {
		return nil, ErrIdempotencyRequired
	}

	unlock := s.acceptanceLocks.Lock(acceptanceID)
	defer unlock()

	acceptance, err := s.store.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return nil, err
	}

	switch acceptance.Status {
	case AcceptancePendingPayment:
	case AcceptancePaid:
		return s.replayCompleted(ctx, acceptance, idempotencyKey)
	case AcceptanceExpired:
		return nil, ErrWindowExpired
	default:
		return nil, ErrNotPendingPayment
	}

	// The sweep owns the expired flip; reject here so nobody pays into a
	// lapsed window.
	if !s.now().Before(acceptance.ExpiresAt) {
		return nil, ErrWindowExpired
	}

	bid, err := s.store.GetBid(ctx, acceptance.BidID)
	if err != nil {
		return nil, err
	}

	payment, err := s.store.GetPaymentByAcceptance(ctx, acceptanceID)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		now := s.now().UTC()
		payment = &ConnectionPayment{
			ID:             idgen.WithPrefix("cpay_"),
			AcceptanceID:   acceptance.ID,
			ContractorID:   bid.ContractorID,
			Amount:         acceptance.FeeAmount,
			Currency:       acceptance.Currency,
			IdempotencyKey: idempotencyKey,
			Status:         PaymentPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		switch payment.Status {
		case PaymentCompleted:
			// Charged and deposited but the paid flip never landed
			// (crash window, or a concurrent instance finishing up).
			// Fall through to the flip without recharging.
		case PaymentProcessing:
			if payment.IdempotencyKey != idempotencyKey {
				return nil, ErrPaymentInFlight
			}
			// Same key: a previous attempt died mid-charge. The
			// processor dedupes on the key, so re-driving is safe.
		default: // pending or failed: fresh attempt
			payment.IdempotencyKey = idempotencyKey
			payment.FailureReason = ""
		}
	}

	charged := false
	if payment.Status != PaymentCompleted {
		payment.Status = PaymentProcessing
		payment.UpdatedAt = s.now().UTC()
		if err := s.store.UpdatePayment(ctx, payment); err != nil {
			return nil, err
		}

		res, err := s.charge(ctx, processor.ChargeRequest{
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			PayerRef:       payerRef,
			IdempotencyKey: payment.IdempotencyKey,
			Description:    "connection fee for bid card " + acceptance.BidCardID,
			Metadata: map[string]string{
				"acceptance_id": acceptance.ID,
				"bid_card_id":   acceptance.BidCardID,
			},
		})
		if err != nil {
			payment.Status = PaymentFailed
			payment.FailureReason = failureReason(err)
			payment.UpdatedAt = s.now().UTC()
			if uerr := s.store.UpdatePayment(ctx, payment); uerr != nil {
				logging.L(ctx).Warn("failed payment row update failed",
					"payment", payment.ID, "error", uerr)
			}
			connectionPayments.WithLabelValues("failed").Inc()
			return nil, err
		}
		payment.ProcessorRef = res.ProcessorRef
		charged = true

		// Revenue entry keyed by the payment ID: crash-replays dedupe at
		// the ledger, not with a second charge.
		if err := s.ledger.RecordConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err != nil {
			if err2 := s.ledger.RecordConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err2 != nil {
				log.Printf("CRITICAL: connection fee %s charged (%s) but ledger deposit failed: %v",
					payment.ID, payment.ProcessorRef, err2)
			}
		}
	}

	won, err := s.store.UpdateAcceptanceStatusIf(ctx, acceptanceID, AcceptancePendingPayment, AcceptancePaid)
	if err != nil {
		return nil, err
	}
	if !won {
		return s.losePayRace(ctx, acceptanceID, payment, charged, idempotencyKey)
	}

	payment.Status = PaymentCompleted
	payment.UpdatedAt = s.now().UTC()
	// The charge cleared and the acceptance is paid; the payment row must
	// say so or a replay would refuse the recorded key.
	if err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return s.store.UpdatePayment(ctx, payment)
	}); err != nil {
		log.Printf("CRITICAL: acceptance %s paid but payment %s not marked completed: %v",
			acceptanceID, payment.ID, err)
	}

	s.releaseContact(ctx, acceptance, bid)

	connectionPayments.WithLabelValues("completed").Inc()
	fee, _ := payment.Amount.Float64()
	connectionFeeAmount.Observe(fee)
	acceptancesClosed.WithLabelValues(string(AcceptancePaid)).Inc()

	s.emit(ctx, events.New(events.TypeConnectionPaymentCompleted, map[string]any{
		"acceptance_id": acceptance.ID,
		"payment_id":    payment.ID,
		"bid_card_id":   acceptance.BidCardID,
		"contractor_id": bid.ContractorID,
		"homeowner_id":  acceptance.AcceptedBy,
		"amount":        money.Format(payment.Amount, payment.Currency),
		"currency":      payment.Currency,
		"processor_ref": payment.ProcessorRef,
	}))

	if payment.IdempotencyKey != idempotencyKey {
		// The fee settled under an earlier attempt's key; this request only
		// finished the bookkeeping and is itself a duplicate.
		return nil, ErrAlreadyPaid
	}
	return payment, nil
}

// Expire lapses an unpaid acceptance and promotes the next-ranked active
// bid on the card, if any. Driven by the sweep timer; terminal acceptances
// are a no-op so overlapping sweeps are safe.
func (s *Service) Expire(ctx context.Context, acceptanceID string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "bids.Expire",
		attribute.String("acceptance.id", acceptanceID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.acceptanceLocks.Lock(acceptanceID)
	defer unlock()

	acceptance, err := s.store.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return err
	}
	if acceptance.Status.IsTerminal() {
		return nil
	}
	if s.now().Before(acceptance.ExpiresAt) {
		return ErrNotExpired
	}

	won, err := s.store.UpdateAcceptanceStatusIf(ctx, acceptanceID, AcceptancePendingPayment, AcceptanceExpired)
	if err != nil {
		return err
	}
	if !won {
		// A payment landed between the read and the flip.
		return nil
	}
	acceptancesClosed.WithLabelValues(string(AcceptanceExpired)).Inc()

	// The lapsed bid is history; it never re-enters the ranking.
	if bid, berr := s.store.GetBid(ctx, acceptance.BidID); berr == nil {
		bid.Status = BidPromoted
		if uerr := s.store.UpdateBid(ctx, bid); uerr != nil {
			logging.L(ctx).Warn("lapsed bid status update failed", "bid", bid.ID, "error", uerr)
		}
	}

	// Close out a payment row that never got a charge.
	if p, perr := s.store.GetPaymentByAcceptance(ctx, acceptanceID); perr == nil && p.Status == PaymentPending {
		p.Status = PaymentFailed
		p.FailureReason = "payment window expired"
		p.UpdatedAt = s.now().UTC()
		if uerr := s.store.UpdatePayment(ctx, p); uerr != nil {
			logging.L(ctx).Warn("expired payment row update failed", "payment", p.ID, "error", uerr)
		}
	}

	fallbackID := s.promoteFallback(ctx, acceptance)

	data := map[string]any{
		"acceptance_id": acceptance.ID,
		"bid_id":        acceptance.BidID,
		"bid_card_id":   acceptance.BidCardID,
	}
	if fallbackID != "" {
		data["fallback_bid_id"] = fallbackID
	}
	s.emit(ctx, events.New(events.TypeBidExpired, data))
	return nil
}

// Cancel abandons an open acceptance without fallback. Legal only while the
// payment window is open; driven by the homeowner, the bid's contractor, or
// a withdrawal event (empty cancelledBy skips the party check). Idempotent
// on already-cancelled acceptances.
func (s *Service) Cancel(ctx context.Context, acceptanceID, cancelledBy string) (_ *Acceptance, retErr error) {
	ctx, span := traces.StartSpan(ctx, "bids.Cancel",
		attribute.String("acceptance.id", acceptanceID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.acceptanceLocks.Lock(acceptanceID)
	defer unlock()

	acceptance, err := s.store.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return nil, err
	}
	switch acceptance.Status {
	case AcceptanceCancelled:
		return acceptance, nil
	case AcceptancePendingPayment:
	default:
		return nil, ErrNotPendingPayment
	}

	bid, err := s.store.GetBid(ctx, acceptance.BidID)
	if err != nil {
		return nil, err
	}
	if cancelledBy != "" && cancelledBy != acceptance.AcceptedBy && cancelledBy != bid.ContractorID {
		return nil, ErrNotAuthorized
	}

	won, err := s.store.UpdateAcceptanceStatusIf(ctx, acceptanceID, AcceptancePendingPayment, AcceptanceCancelled)
	if err != nil {
		return nil, err
	}
	if !won {
		fresh, ferr := s.store.GetAcceptance(ctx, acceptanceID)
		if ferr != nil {
			return nil, ferr
		}
		if fresh.Status == AcceptanceCancelled {
			return fresh, nil
		}
		return nil, ErrNotPendingPayment
	}

	// One acceptance per bid: a cancelled bid leaves the pool rather than
	// returning to the ranking.
	bid.Status = BidWithdrawn
	if uerr := s.store.UpdateBid(ctx, bid); uerr != nil {
		logging.L(ctx).Warn("cancelled bid status update failed", "bid", bid.ID, "error", uerr)
	}

	acceptancesClosed.WithLabelValues(string(AcceptanceCancelled)).Inc()
	return s.store.GetAcceptance(ctx, acceptanceID)
}

// Get returns an acceptance by ID.
func (s *Service) Get(ctx context.Context, acceptanceID string) (*Acceptance, error) {
	return s.store.GetAcceptance(ctx, acceptanceID)
}

// OpenForCard returns the card's current non-terminal acceptance.
func (s *Service) OpenForCard(ctx context.Context, bidCardID string) (*Acceptance, error) {
	return s.store.GetOpenAcceptanceByCard(ctx, bidCardID)
}

// GetBid returns a bid by ID.
func (s *Service) GetBid(ctx context.Context, bidID string) (*Bid, error) {
	return s.store.GetBid(ctx, bidID)
}

// ListBids returns a card's bids, oldest first.
func (s *Service) ListBids(ctx context.Context, bidCardID string, limit int) ([]*Bid, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListBidsByCard(ctx, bidCardID, limit)
}

// AcceptanceDetail bundles an acceptance with its payment and contact
// release, when present.
type AcceptanceDetail struct {
	Acceptance     *Acceptance        `json:"acceptance"`
	Payment        *ConnectionPayment `json:"payment,omitempty"`
	ContactRelease *ContactRelease    `json:"contact_release,omitempty"`
}

// Detail returns the full view of an acceptance.
func (s *Service) Detail(ctx context.Context, acceptanceID string) (*AcceptanceDetail, error) {
	a, err := s.store.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return nil, err
	}
	d := &AcceptanceDetail{Acceptance: a}
	if p, err := s.store.GetPaymentByAcceptance(ctx, acceptanceID); err == nil {
		d.Payment = p
	}
	if r, err := s.store.GetContactRelease(ctx, acceptanceID); err == nil {
		d.ContactRelease = r
	}
	return d, nil
}

// ListExpiring returns unpaid acceptances whose payment window closes within
// the given duration, soonest first. Windows already past but not yet swept
// by the expiry timer are included.
func (s *Service) ListExpiring(ctx context.Context, within time.Duration, limit int) ([]*Acceptance, error) {
	if within <= 0 {
		within = time.Hour
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListExpiredAcceptances(ctx, s.now().Add(within), limit)
}

// charge drives one gateway charge through the breaker and retry policy.
// Declines are permanent; only transient gateway failures are retried.
func (s *Service) charge(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	var res *processor.ChargeResult
	err := retry.Do(ctx, chargeAttempts, chargeBackoff, func() error {
		if s.breaker != nil && !s.breaker.Allow(BreakerKey) {
			return processor.ErrUnavailable
		}
		cctx, cancel := context.WithTimeout(ctx, s.procTimeout)
		defer cancel()
		r, err := s.gateway.Charge(cctx, req)
		if err != nil {
			if !processor.Retryable(err) {
				return retry.Permanent(err)
			}
			if s.breaker != nil {
				s.breaker.RecordFailure(BreakerKey)
			}
			return err
		}
		if s.breaker != nil {
			s.breaker.RecordSuccess(BreakerKey)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// losePayRace cleans up after losing the pending_payment->paid flip. The
// acceptance settled some other way while our charge was in flight; undo
// whatever this attempt moved.
func (s *Service) losePayRace(ctx context.Context, acceptanceID string, payment *ConnectionPayment, charged bool, idempotencyKey string) (*ConnectionPayment, error) {
	fresh, err := s.store.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return nil, err
	}

	if fresh.Status == AcceptancePaid {
		recorded, rerr := s.store.GetPaymentByAcceptance(ctx, acceptanceID)
		if rerr == nil && recorded.Status == PaymentCompleted && recorded.IdempotencyKey == idempotencyKey {
			// A concurrent instance completed the same attempt; the
			// processor deduped the key so only one charge exists.
			return recorded, nil
		}
		if charged {
			// Two distinct charges raced and the recorded one won. The
			// ledger deposit is keyed by the shared payment ID, so only
			// this attempt's charge is surplus.
			s.refundCharge(ctx, payment, "duplicate connection fee charge")
		}
		return nil, ErrStaleState
	}

	// Expired or cancelled under us: undo both sides.
	if charged {
		s.refundCharge(ctx, payment, "acceptance "+string(fresh.Status)+" during payment")
		s.reverseDeposit(ctx, payment)
	}
	payment.Status = PaymentFailed
	payment.FailureReason = "acceptance " + string(fresh.Status) + " during payment"
	payment.UpdatedAt = s.now().UTC()
	if uerr := s.store.UpdatePayment(ctx, payment); uerr != nil {
		logging.L(ctx).Warn("stale payment row update failed", "payment", payment.ID, "error", uerr)
	}
	connectionPayments.WithLabelValues("failed").Inc()
	return nil, ErrStaleState
}

// refundCharge reverses a captured charge that must not stand. Best-effort
// with one retry; an unrecoverable failure is flagged for manual follow-up.
func (s *Service) refundCharge(ctx context.Context, payment *ConnectionPayment, reason string) {
	req := processor.RefundRequest{
		ProcessorRef:   payment.ProcessorRef,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: payment.IdempotencyKey + ":reversal",
		Reason:         reason,
	}
	if _, err := s.gateway.Refund(ctx, req); err != nil {
		if _, err2 := s.gateway.Refund(ctx, req); err2 != nil {
			log.Printf("CRITICAL: charge %s needs manual refund (%s): %v",
				payment.ProcessorRef, reason, err2)
		}
	}
}

// reverseDeposit backs out the platform revenue entry for a refunded charge.
func (s *Service) reverseDeposit(ctx context.Context, payment *ConnectionPayment) {
	if err := s.ledger.ReverseConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err != nil {
		log.Printf("CRITICAL: ledger deposit for payment %s needs manual reversal: %v",
			payment.ID, err)
	}
}

// replayCompleted serves Pay on an already-paid acceptance: the recorded
// result for the matching key, ErrAlreadyPaid for anything else. A row the
// winner never finished marking (crash after the flip) is completed here.
func (s *Service) replayCompleted(ctx context.Context, acceptance *Acceptance, idempotencyKey string) (*ConnectionPayment, error) {
	payment, err := s.store.GetPaymentByAcceptance(ctx, acceptance.ID)
	if err != nil {
		return nil, ErrAlreadyPaid
	}
	if payment.IdempotencyKey != idempotencyKey {
		return nil, ErrAlreadyPaid
	}
	if payment.Status != PaymentCompleted {
		payment.Status = PaymentCompleted
		payment.UpdatedAt = s.now().UTC()
		if uerr := s.store.UpdatePayment(ctx, payment); uerr != nil {
			logging.L(ctx).Warn("completed payment row update failed", "payment", payment.ID, "error", uerr)
		}
		if bid, berr := s.store.GetBid(ctx, acceptance.BidID); berr == nil {
			s.releaseContact(ctx, acceptance, bid)
		}
	}
	return payment, nil
}

// ApplyChargeEvent settles a connection payment from a gateway charge
// notification. The synchronous Pay path normally finishes first, making the
// notification a duplicate; the cases that matter are the crash windows
// where the charge landed but the bookkeeping never did, and timeouts the
// gateway later resolved. Safe under at-least-once delivery: every effect
// dedupes on the payment's key.
func (s *Service) ApplyChargeEvent(ctx context.Context, eventKey, processorRef, reason string, succeeded bool) error {
	if eventKey == "" {
		return ErrPaymentNotFound
	}
	payment, err := s.store.GetPaymentByKey(ctx, eventKey)
	if err != nil {
		return err
	}

	unlock := s.acceptanceLocks.Lock(payment.AcceptanceID)
	defer unlock()

	// Re-read under the lock; a concurrent Pay may have settled the row.
	payment, err = s.store.GetPaymentByAcceptance(ctx, payment.AcceptanceID)
	if err != nil {
		return err
	}

	if payment.IdempotencyKey != eventKey {
		// A later attempt re-keyed the row, so this notification is for a
		// superseded charge. One that settled remotely must not stand.
		if succeeded && processorRef != "" {
			orphan := *payment
			orphan.ProcessorRef = processorRef
			orphan.IdempotencyKey = eventKey
			s.refundCharge(ctx, &orphan, "superseded connection fee charge")
		}
		return nil
	}

	if !succeeded {
		switch payment.Status {
		case PaymentCompleted:
			logging.L(ctx).Warn("charge failure reported for a completed payment",
				"payment", payment.ID, "reason", reason)
		case PaymentFailed:
			// Already settled as failed.
		default:
			payment.Status = PaymentFailed
			payment.FailureReason = reason
			if payment.FailureReason == "" {
				payment.FailureReason = "charge failed"
			}
			payment.UpdatedAt = s.now().UTC()
			if err := s.store.UpdatePayment(ctx, payment); err != nil {
				return err
			}
			connectionPayments.WithLabelValues("failed").Inc()
		}
		return nil
	}

	if payment.Status == PaymentCompleted {
		return nil
	}
	if processorRef != "" {
		payment.ProcessorRef = processorRef
	}

	acceptance, err := s.store.GetAcceptance(ctx, payment.AcceptanceID)
	if err != nil {
		return err
	}
	bid, err := s.store.GetBid(ctx, acceptance.BidID)
	if err != nil {
		return err
	}

	switch acceptance.Status {
	case AcceptancePaid:
		// The flip landed but the row was never marked; finish the
		// bookkeeping the way a Pay replay would.
		payment.Status = PaymentCompleted
		payment.UpdatedAt = s.now().UTC()
		if err := s.store.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		s.releaseContact(ctx, acceptance, bid)
		return nil

	case AcceptancePendingPayment:
		// Charge landed but the synchronous path never finished. The fee
		// deposit is keyed by the payment ID, so a replay records it once.
		if err := s.ledger.RecordConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err != nil {
			if err2 := s.ledger.RecordConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err2 != nil {
				log.Printf("CRITICAL: connection fee %s charged (%s) but ledger deposit failed: %v",
					payment.ID, payment.ProcessorRef, err2)
			}
		}
		won, err := s.store.UpdateAcceptanceStatusIf(ctx, acceptance.ID, AcceptancePendingPayment, AcceptancePaid)
		if err != nil {
			return err
		}
		if !won {
			_, err := s.losePayRace(ctx, acceptance.ID, payment, true, eventKey)
			if errors.Is(err, ErrStaleState) {
				return nil
			}
			return err
		}

		payment.Status = PaymentCompleted
		payment.UpdatedAt = s.now().UTC()
		if err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
			return s.store.UpdatePayment(ctx, payment)
		}); err != nil {
			log.Printf("CRITICAL: acceptance %s paid but payment %s not marked completed: %v",
				acceptance.ID, payment.ID, err)
		}
		s.releaseContact(ctx, acceptance, bid)

		connectionPayments.WithLabelValues("completed").Inc()
		fee, _ := payment.Amount.Float64()
		connectionFeeAmount.Observe(fee)
		acceptancesClosed.WithLabelValues(string(AcceptancePaid)).Inc()

		s.emit(ctx, events.New(events.TypeConnectionPaymentCompleted, map[string]any{
			"acceptance_id": acceptance.ID,
			"payment_id":    payment.ID,
			"bid_card_id":   acceptance.BidCardID,
			"contractor_id": bid.ContractorID,
			"homeowner_id":  acceptance.AcceptedBy,
			"amount":        money.Format(payment.Amount, payment.Currency),
			"currency":      payment.Currency,
			"processor_ref": payment.ProcessorRef,
		}))
		return nil

	default:
		// Expired or cancelled while the charge was in flight; the money
		// goes back. Recording the fee first makes the reversal legal even
		// when the original deposit never landed.
		if err := s.ledger.RecordConnectionFee(ctx, payment.ID, payment.Amount, payment.Currency); err == nil {
			s.reverseDeposit(ctx, payment)
		}
		s.refundCharge(ctx, payment, "acceptance "+string(acceptance.Status)+" before charge settled")
		payment.Status = PaymentFailed
		payment.FailureReason = "acceptance " + string(acceptance.Status) + " before charge settled"
		payment.UpdatedAt = s.now().UTC()
		if uerr := s.store.UpdatePayment(ctx, payment); uerr != nil {
			logging.L(ctx).Warn("stale payment row update failed", "payment", payment.ID, "error", uerr)
		}
		connectionPayments.WithLabelValues("failed").Inc()
		return nil
	}
}

// promoteFallback accepts the next-ranked active bid on the card, recording
// it on the expired acceptance. Ranking: highest amount, ties by earliest
// submission. Returns the promoted bid ID, or "" when no candidate exists.
func (s *Service) promoteFallback(ctx context.Context, expired *Acceptance) string {
	candidates, err := s.store.RankActiveBids(ctx, expired.BidCardID, fallbackCandidates)
	if err != nil {
		logging.L(ctx).Warn("fallback ranking failed", "bid_card", expired.BidCardID, "error", err)
		return ""
	}
	var fallback *Bid
	for _, c := range candidates {
		if c.ID != expired.BidID {
			fallback = c
			break
		}
	}
	if fallback == nil {
		return ""
	}

	if _, err := s.Accept(ctx, fallback.ID, expired.AcceptedBy); err != nil {
		// A manual accept can land first; that choice stands.
		logging.L(ctx).Warn("fallback promotion failed", "bid", fallback.ID, "error", err)
		return ""
	}
	fallbackPromotions.Inc()

	fresh, err := s.store.GetAcceptance(ctx, expired.ID)
	if err != nil {
		return fallback.ID
	}
	fresh.FallbackBidID = fallback.ID
	fresh.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAcceptance(ctx, fresh); err != nil {
		logging.L(ctx).Warn("fallback record failed", "acceptance", expired.ID, "error", err)
	}
	return fallback.ID
}

// releaseContact writes the one-time contact release. Idempotent: a prior
// release, including one written by a concurrent instance, is left as-is.
func (s *Service) releaseContact(ctx context.Context, acceptance *Acceptance, bid *Bid) {
	if _, err := s.store.GetContactRelease(ctx, acceptance.ID); err == nil {
		return
	}
	rel := &ContactRelease{
		ID:           idgen.WithPrefix("rel_"),
		AcceptanceID: acceptance.ID,
		BidCardID:    acceptance.BidCardID,
		ContractorID: bid.ContractorID,
		HomeownerID:  acceptance.AcceptedBy,
		Fields:       append([]string(nil), s.contactFields...),
		ReleasedAt:   s.now().UTC(),
	}
	if err := s.store.CreateContactRelease(ctx, rel); err != nil && !errors.Is(err, ErrContactAlreadyReleased) {
		log.Printf("CRITICAL: payment for acceptance %s completed but contact release failed: %v",
			acceptance.ID, err)
	}
}

func (s *Service) emit(ctx context.Context, evt *events.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, evt)
}

// failureReason extracts the processor's decline code when present.
func failureReason(err error) string {
	var gerr *processor.GatewayError
	if errors.As(err, &gerr) && gerr.Code != "" {
		return gerr.Code
	}
	return err.Error()
}
