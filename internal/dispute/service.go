package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/idgen"
	"github.com/nestbid/nestbid/internal/logging"
	"github.com/nestbid/nestbid/internal/milestone"
	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/syncutil"
	"github.com/nestbid/nestbid/internal/traces"
)

// Service runs the dispute lifecycle. Mutations serialize on the disputed
// payment's ID so an open, a resolution and a cancellation of the same
// payment can never interleave; cross-instance races are decided by the
// store's conditional status flips.
type Service struct {
	store   Store
	engine  Engine
	emitter events.Emitter

	now   func() time.Time
	locks syncutil.ShardedMutex
}

// NewService creates a dispute service on top of the milestone engine.
func NewService(store Store, engine Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		now:    time.Now,
	}
}

// WithEmitter adds a lifecycle event emitter.
func (s *Service) WithEmitter(em events.Emitter) *Service {
	s.emitter = em
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

var (
	_ milestone.DisputeChecker = (*Service)(nil)
	_ Engine                   = (*milestone.Engine)(nil)
)

// Open files a dispute against a funded payment and freezes it. A payment
// carries one open dispute at a time: opening against an already disputed
// payment returns the existing dispute.
func (s *Service) Open(ctx context.Context, milestonePaymentID, openedBy, reason string) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		attribute.String("payment.id", milestonePaymentID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if openedBy == "" || reason == "" {
		return nil, errors.New("opener and reason are required")
	}

	unlock := s.locks.Lock(milestonePaymentID)
	defer unlock()

	existing, err := s.store.GetOpenByPayment(ctx, milestonePaymentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p, err := s.engine.MarkDisputed(ctx, milestonePaymentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:                 idgen.WithPrefix("dsp_"),
		MilestonePaymentID: milestonePaymentID,
		OpenedBy:           openedBy,
		Reason:             reason,
		Status:             StatusOpened,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		if errors.Is(err, ErrDisputeExists) {
			// Another instance filed first; theirs froze the payment.
			return s.store.GetOpenByPayment(ctx, milestonePaymentID)
		}
		// Don't leave the payment frozen with no dispute on file.
		if _, cerr := s.engine.ClearDispute(ctx, milestonePaymentID); cerr != nil {
			log.Printf("CRITICAL: payment %s frozen but dispute was not recorded and would not thaw: %v", milestonePaymentID, cerr)
		}
		return nil, err
	}

	disputesOpened.Inc()
	s.emit(ctx, events.New(events.TypePaymentDisputed, map[string]any{
		"dispute_id":           d.ID,
		"milestone_payment_id": p.ID,
		"milestone_id":         p.MilestoneID,
		"project_id":           p.ProjectID,
		"opened_by":            openedBy,
		"reason":               reason,
	}))
	return d, nil
}

// Review moves an opened dispute under review. Reviewing a dispute already
// under review converges without error.
func (s *Service) Review(ctx context.Context, id, reviewer string) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Review",
		attribute.String("dispute.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if reviewer == "" {
		return nil, errors.New("reviewer is required")
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(d.MilestonePaymentID)
	defer unlock()
	if d, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}

	if d.Status == StatusUnderReview {
		return d, nil
	}
	if d.Status != StatusOpened {
		return nil, ErrAlreadyResolved
	}

	flipped, err := s.store.UpdateStatusIf(ctx, id, StatusOpened, StatusUnderReview)
	if err != nil {
		return nil, err
	}
	if !flipped {
		fresh, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == StatusUnderReview {
			return fresh, nil
		}
		return nil, ErrAlreadyResolved
	}

	d.Status = StatusUnderReview
	d.ReviewedBy = reviewer
	d.UpdatedAt = s.now().UTC()
	if uerr := s.store.Update(ctx, d); uerr != nil {
		logging.L(ctx).Warn("dispute review bookkeeping failed", "dispute", d.ID, "error", uerr)
	}
	return d, nil
}

// Resolve settles an open dispute. The dispute row is marked settled first,
// which opens the engine's dispute gate, then the funds follow the outcome:
// payer refunds the hold, payee releases it, partial splits it at amount. If
// the engine refuses, the row reopens under review. Re-invoking a resolution
// that already holds re-drives the settlement (the engine converges if the
// money already moved) and returns the dispute.
func (s *Service) Resolve(ctx context.Context, id string, outcome Outcome, amount decimal.Decimal, resolvedBy, notes string) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		attribute.String("dispute.id", id),
		attribute.String("dispute.outcome", string(outcome)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if resolvedBy == "" {
		return nil, errors.New("resolving party is required")
	}
	switch outcome {
	case OutcomePayer, OutcomePayee, OutcomePartial:
	default:
		return nil, ErrInvalidOutcome
	}
	target := statusFor(outcome)

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(d.MilestonePaymentID)
	defer unlock()
	if d, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}

	if d.Status == target {
		// A crashed attempt may have settled the row before the funds
		// moved; re-driving the engine heals that and no-ops otherwise.
		amt := decimal.Zero
		if d.ResolutionAmount != nil {
			amt = *d.ResolutionAmount
		}
		by := d.ResolvedBy
		if by == "" {
			by = resolvedBy
		}
		if serr := s.settle(ctx, d, outcome, amt, by); serr != nil {
			return nil, fmt.Errorf("dispute settlement failed: %w", serr)
		}
		return d, nil
	}
	if d.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	p, err := s.engine.Get(ctx, d.MilestonePaymentID)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomePartial {
		if !amount.IsPositive() || amount.GreaterThanOrEqual(p.Amount) {
			return nil, ErrInvalidAmount
		}
	}

	// Settle the row first: the engine's payout gate stays shut while a
	// dispute is on file as open.
	flipped, err := s.store.UpdateStatusIf(ctx, id, d.Status, target)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, ErrAlreadyResolved
	}

	now := s.now().UTC()
	d.Status = target
	d.ResolvedBy = resolvedBy
	d.Notes = notes
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if outcome == OutcomePartial {
		amt := amount
		d.ResolutionAmount = &amt
	}
	if uerr := s.store.Update(ctx, d); uerr != nil {
		logging.L(ctx).Warn("dispute resolution bookkeeping failed", "dispute", d.ID, "error", uerr)
	}

	if serr := s.settle(ctx, d, outcome, amount, resolvedBy); serr != nil {
		s.reopen(ctx, d, target)
		return nil, fmt.Errorf("dispute settlement failed: %w", serr)
	}

	disputesSettled.WithLabelValues(string(outcome)).Inc()
	data := map[string]any{
		"dispute_id":           d.ID,
		"milestone_payment_id": d.MilestonePaymentID,
		"outcome":              string(outcome),
		"resolved_by":          resolvedBy,
	}
	if outcome == OutcomePartial {
		data["resolution_amount"] = money.Format(amount, p.Currency)
	}
	s.emit(ctx, events.New(events.TypeDisputeResolved, data))
	return d, nil
}

// Cancel withdraws a dispute and thaws its payment back to funded. Only the
// opener may withdraw. Cancelling an already cancelled dispute converges
// without error.
func (s *Service) Cancel(ctx context.Context, id, by string) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Cancel",
		attribute.String("dispute.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(d.MilestonePaymentID)
	defer unlock()
	if d, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}

	if d.Status == StatusCancelled {
		return d, nil
	}
	if d.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if by != d.OpenedBy {
		return nil, ErrUnauthorized
	}

	// Thaw the payment first. If the row flip below fails the dispute is
	// still open and keeps blocking payouts, so a retry converges.
	if _, err := s.engine.ClearDispute(ctx, d.MilestonePaymentID); err != nil {
		return nil, err
	}

	flipped, err := s.store.UpdateStatusIf(ctx, id, d.Status, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !flipped {
		fresh, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == StatusCancelled {
			return fresh, nil
		}
		return nil, ErrAlreadyResolved
	}

	now := s.now().UTC()
	d.Status = StatusCancelled
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if uerr := s.store.Update(ctx, d); uerr != nil {
		logging.L(ctx).Warn("cancelled dispute bookkeeping failed", "dispute", d.ID, "error", uerr)
	}

	disputesSettled.WithLabelValues("cancelled").Inc()
	return d, nil
}

// Get returns one dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByPayment returns a payment's newest dispute, open or settled.
func (s *Service) GetByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	return s.store.GetByPayment(ctx, paymentID)
}

// OpenDisputeExists reports whether an open dispute blocks the payment. This
// is the milestone engine's payout gate.
func (s *Service) OpenDisputeExists(ctx context.Context, paymentID string) (bool, error) {
	_, err := s.store.GetOpenByPayment(ctx, paymentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// settle moves the frozen funds per the outcome through the engine.
func (s *Service) settle(ctx context.Context, d *Dispute, outcome Outcome, amount decimal.Decimal, resolvedBy string) error {
	var err error
	switch outcome {
	case OutcomePayer:
		_, err = s.engine.RefundPayment(ctx, d.MilestonePaymentID, "dispute "+d.ID+" resolved for the payer")
	case OutcomePayee:
		_, err = s.engine.Release(ctx, d.MilestonePaymentID, resolvedBy)
	case OutcomePartial:
		_, err = s.engine.ResolveSplit(ctx, d.MilestonePaymentID, amount, resolvedBy)
	}
	return err
}

// reopen returns a settled dispute row to review after the engine refused
// the settlement, clearing the resolution fields that did not take effect.
func (s *Service) reopen(ctx context.Context, d *Dispute, from Status) {
	flipped, err := s.store.UpdateStatusIf(ctx, d.ID, from, StatusUnderReview)
	if err != nil || !flipped {
		log.Printf("CRITICAL: dispute %s recorded %s but its settlement failed and the row would not reopen: %v", d.ID, from, err)
		return
	}
	d.Status = StatusUnderReview
	d.ResolvedBy = ""
	d.ResolvedAt = nil
	d.ResolutionAmount = nil
	d.UpdatedAt = s.now().UTC()
	if uerr := s.store.Update(ctx, d); uerr != nil {
		logging.L(ctx).Warn("reopened dispute bookkeeping failed", "dispute", d.ID, "error", uerr)
	}
}

func statusFor(o Outcome) Status {
	switch o {
	case OutcomePayer:
		return StatusResolvedPayer
	case OutcomePayee:
		return StatusResolvedPayee
	default:
		return StatusPartial
	}
}

func (s *Service) emit(ctx context.Context, evt *events.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, evt)
}
