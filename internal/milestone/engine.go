package milestone

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
	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/retry"
	"github.com/nestbid/nestbid/internal/syncutil"
	"github.com/nestbid/nestbid/internal/traces"
)

// Engine owns every mutation of milestone payment state. Operations on one
// payment are serialized through a sharded per-payment lock; conditional
// status flips arbitrate races with other instances.
type Engine struct {
	store    Store
	ledger   EscrowLedger
	disputes DisputeChecker
	emitter  events.Emitter

	now   func() time.Time
	locks syncutil.ShardedMutex
}

// NewEngine creates a milestone payment engine.
func NewEngine(store Store, ledger EscrowLedger) *Engine {
	return &Engine{
		store:  store,
		ledger: ledger,
		now:    time.Now,
	}
}

// WithDisputeChecker wires the dispute overlay's payout gate.
func (e *Engine) WithDisputeChecker(d DisputeChecker) *Engine {
	e.disputes = d
	return e
}

// WithEmitter adds a lifecycle event emitter.
func (e *Engine) WithEmitter(em events.Emitter) *Engine {
	e.emitter = em
	return e
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Create opens a pending payment for one project milestone. Each milestone
// carries at most one payment for its project.
func (e *Engine) Create(ctx context.Context, projectID, milestoneID, payerID, payeeID string, amount decimal.Decimal, currency string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Create",
		attribute.String("project.id", projectID),
		attribute.String("milestone.id", milestoneID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if projectID == "" || milestoneID == "" || payerID == "" || payeeID == "" {
		return nil, errors.New("project, milestone, payer and payee are required")
	}
	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	amt, err := money.Validate(amount, cur)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	p := &Payment{
		ID:          idgen.WithPrefix("mst_"),
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		PayerID:     payerID,
		PayeeID:     payeeID,
		Amount:      amt,
		Currency:    cur,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(ctx, p); err != nil {
		return nil, err
	}

	milestonePaymentsCreated.Inc()
	return p, nil
}

// Fund places the escrow hold on the payer's account and flips the payment
// to funded. Funding is once per milestone: a second call returns
// ErrAlreadyFunded rather than replaying. The idempotency key keeps a
// retried hold from double-debiting; retries must reuse it. When the caller
// supplies none the key is derived from the payment, so a crashed attempt
// heals itself on the next call.
func (e *Engine) Fund(ctx context.Context, id, idempotencyKey string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Fund",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusPending:
	case StatusCancelled:
		return nil, fmt.Errorf("%w: payment is cancelled", ErrInvalidTransition)
	default:
		return nil, ErrAlreadyFunded
	}

	key := idempotencyKey
	if key == "" {
		key = "milestone:" + p.ID + ":fund"
	}
	entryID, err := e.ledger.Hold(ctx, p.PayerID, payerOwnerType, p.Amount, p.Currency,
		key, "escrow hold for milestone "+p.MilestoneID)
	if err != nil {
		return nil, fmt.Errorf("escrow hold failed: %w", err)
	}

	flipped, err := e.store.UpdateStatusIf(ctx, id, StatusPending, StatusFunded)
	if err != nil {
		return nil, err
	}
	if !flipped {
		// Another instance funded it first; our hold doubled theirs.
		if _, rerr := e.ledger.Refund(ctx, p.PayerID, p.Amount, p.Currency,
			key+":reversal", "duplicate escrow hold for milestone "+p.MilestoneID); rerr != nil {
			log.Printf("CRITICAL: duplicate hold for milestone payment %s needs manual refund: %v", p.ID, rerr)
		}
		return nil, ErrAlreadyFunded
	}

	now := e.now().UTC()
	p.Status = StatusFunded
	p.EscrowEntryIDs = append(p.EscrowEntryIDs, entryID)
	p.FundedAt = &now
	p.UpdatedAt = now
	if uerr := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return e.store.Update(ctx, p)
	}); uerr != nil {
		log.Printf("CRITICAL: milestone payment %s funded but entry bookkeeping failed: %v", p.ID, uerr)
	}

	milestonesFunded.Inc()
	fundedAmount.Observe(p.Amount.InexactFloat64())
	e.emit(ctx, events.New(events.TypeMilestoneFunded, map[string]any{
		"milestone_payment_id": p.ID,
		"milestone_id":         p.MilestoneID,
		"project_id":           p.ProjectID,
		"amount":               money.Format(p.Amount, p.Currency),
		"currency":             p.Currency,
	}))
	return p, nil
}

// Release pays the milestone out: the payer's hold is drawn down and the
// payee credited. It is the single entry point for both the verified
// completion event and manual authorization. A failed payee credit is
// compensated by restoring the payer's hold, so the payment is never left
// half-applied. Releasing an already released payment is a no-op.
func (e *Engine) Release(ctx context.Context, id, authorizedBy string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Release",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if authorizedBy == "" {
		return nil, errors.New("authorizing party is required")
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusReleased {
		return p, nil
	}
	if !canTransition(p.Status, StatusReleased) {
		if p.Status == StatusPending {
			return nil, ErrNotFunded
		}
		return nil, fmt.Errorf("%w: %s payment cannot be released", ErrInvalidTransition, p.Status)
	}
	if err := e.checkDispute(ctx, p); err != nil {
		return nil, err
	}

	entries, err := e.move(ctx, p, p.Amount, "release", authorizedBy)
	if err != nil {
		return nil, err
	}
	if err := e.close(ctx, p, StatusReleased, entries); err != nil {
		return nil, err
	}

	e.emit(ctx, events.New(events.TypeMilestoneReleased, map[string]any{
		"milestone_payment_id": p.ID,
		"milestone_id":         p.MilestoneID,
		"project_id":           p.ProjectID,
		"payee_id":             p.PayeeID,
		"amount":               money.Format(p.Amount, p.Currency),
		"currency":             p.Currency,
		"authorized_by":        authorizedBy,
	}))
	return p, nil
}

// RefundPayment returns the held amount to the payer, for projects
// cancelled before completion or disputes resolved in the payer's favor.
// Refunding an already refunded payment is a no-op.
func (e *Engine) RefundPayment(ctx context.Context, id, reason string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Refund",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRefunded {
		return p, nil
	}
	if !canTransition(p.Status, StatusRefunded) {
		if p.Status == StatusPending {
			return nil, ErrNotFunded
		}
		return nil, fmt.Errorf("%w: %s payment cannot be refunded", ErrInvalidTransition, p.Status)
	}
	if err := e.checkDispute(ctx, p); err != nil {
		return nil, err
	}

	desc := "milestone " + p.MilestoneID + " refund"
	if reason != "" {
		desc += ": " + reason
	}
	entryID, err := e.ledger.Refund(ctx, p.PayerID, p.Amount, p.Currency,
		"milestone:"+p.ID+":refund", desc)
	if err != nil {
		return nil, fmt.Errorf("escrow refund failed: %w", err)
	}
	if err := e.close(ctx, p, StatusRefunded, []string{entryID}); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveSplit applies a dispute resolution that divides the funded amount:
// payeeAmount is paid out and the remainder refunded to the payer. A zero
// payeeAmount degenerates to a full refund and the payment ends refunded;
// anything else ends released. Only the dispute overlay calls this.
func (e *Engine) ResolveSplit(ctx context.Context, id string, payeeAmount decimal.Decimal, authorizedBy string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.ResolveSplit",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if authorizedBy == "" {
		return nil, errors.New("authorizing party is required")
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payeeAmount.IsNegative() || payeeAmount.GreaterThan(p.Amount) {
		return nil, ErrInvalidSplit
	}

	target := StatusReleased
	if payeeAmount.IsZero() {
		target = StatusRefunded
	}
	switch p.Status {
	case StatusReleased, StatusRefunded:
		return p, nil
	}
	if !canTransition(p.Status, target) {
		if p.Status == StatusPending {
			return nil, ErrNotFunded
		}
		return nil, fmt.Errorf("%w: %s payment cannot be split", ErrInvalidTransition, p.Status)
	}
	if err := e.checkDispute(ctx, p); err != nil {
		return nil, err
	}

	var entries []string
	if payeeAmount.Sign() > 0 {
		moved, err := e.move(ctx, p, payeeAmount, "split", authorizedBy)
		if err != nil {
			return nil, err
		}
		entries = moved
	}

	if payerPortion := p.Amount.Sub(payeeAmount); payerPortion.Sign() > 0 {
		var entryID string
		rerr := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
			var err error
			entryID, err = e.ledger.Refund(ctx, p.PayerID, payerPortion, p.Currency,
				"milestone:"+p.ID+":split:refund",
				fmt.Sprintf("milestone %s split remainder refund", p.MilestoneID))
			return err
		})
		switch {
		case rerr == nil:
			entries = append(entries, entryID)
		case payeeAmount.Sign() > 0:
			// The payee's share is already out; finish the split and leave
			// the stranded remainder to the operator.
			log.Printf("CRITICAL: milestone payment %s split remainder %s not refunded: %v",
				p.ID, money.Format(payerPortion, p.Currency), rerr)
		default:
			return nil, fmt.Errorf("escrow refund failed: %w", rerr)
		}
	}

	if err := e.close(ctx, p, target, entries); err != nil {
		return nil, err
	}

	if target == StatusReleased {
		e.emit(ctx, events.New(events.TypeMilestoneReleased, map[string]any{
			"milestone_payment_id": p.ID,
			"milestone_id":         p.MilestoneID,
			"project_id":           p.ProjectID,
			"payee_id":             p.PayeeID,
			"amount":               money.Format(payeeAmount, p.Currency),
			"currency":             p.Currency,
			"authorized_by":        authorizedBy,
		}))
	}
	return p, nil
}

// Cancel abandons a payment that never funded. Idempotent on a payment
// already cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Cancel",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCancelled {
		return p, nil
	}
	if !canTransition(p.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: only a pending payment can be cancelled", ErrInvalidTransition)
	}

	flipped, err := e.store.UpdateStatusIf(ctx, id, StatusPending, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, ErrStaleState
	}

	now := e.now().UTC()
	p.Status = StatusCancelled
	p.ClosedAt = &now
	p.UpdatedAt = now
	if uerr := e.store.Update(ctx, p); uerr != nil {
		logging.L(ctx).Warn("cancelled payment bookkeeping failed", "payment", p.ID, "error", uerr)
	}

	milestonesClosed.WithLabelValues(string(StatusCancelled)).Inc()
	return p, nil
}

// MarkDisputed freezes a funded payment under a newly opened dispute. A
// payment already frozen is returned as-is so a concurrent second open
// converges on the same state.
func (e *Engine) MarkDisputed(ctx context.Context, id string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.MarkDisputed",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusDisputed:
		return p, nil
	case StatusFunded:
	case StatusPending:
		return nil, ErrNotFunded
	default:
		return nil, fmt.Errorf("%w: %s payment cannot be disputed", ErrInvalidTransition, p.Status)
	}

	flipped, err := e.store.UpdateStatusIf(ctx, id, StatusFunded, StatusDisputed)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, ErrStaleState
	}
	p.Status = StatusDisputed
	p.UpdatedAt = e.now().UTC()
	return p, nil
}

// ClearDispute thaws a payment whose dispute was withdrawn, returning it to
// funded. A payment already funded is returned as-is.
func (e *Engine) ClearDispute(ctx context.Context, id string) (_ *Payment, retErr error) {
	ctx, span := traces.StartSpan(ctx, "milestone.ClearDispute",
		attribute.String("payment.id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusFunded:
		return p, nil
	case StatusDisputed:
	default:
		return nil, fmt.Errorf("%w: %s payment has no dispute to clear", ErrInvalidTransition, p.Status)
	}

	flipped, err := e.store.UpdateStatusIf(ctx, id, StatusDisputed, StatusFunded)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, ErrStaleState
	}
	p.Status = StatusFunded
	p.UpdatedAt = e.now().UTC()
	return p, nil
}

// Get returns one payment by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Payment, error) {
	return e.store.Get(ctx, id)
}

// GetByMilestoneID resolves the payment for an externally issued milestone
// ID. The project system issues globally unique milestone IDs; the store's
// per-project uniqueness constraint guards against duplicates.
func (e *Engine) GetByMilestoneID(ctx context.Context, milestoneID string) (*Payment, error) {
	return e.store.GetByMilestoneID(ctx, milestoneID)
}

// ListByProject returns a project's payments, newest first.
func (e *Engine) ListByProject(ctx context.Context, projectID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return e.store.ListByProject(ctx, projectID, limit)
}

// checkDispute blocks payout while the overlay reports an open dispute. A
// disputed payment with no checker wired stays frozen.
func (e *Engine) checkDispute(ctx context.Context, p *Payment) error {
	if e.disputes == nil {
		if p.Status == StatusDisputed {
			return ErrDisputeActive
		}
		return nil
	}
	open, err := e.disputes.OpenDisputeExists(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("dispute check failed: %w", err)
	}
	if open {
		return ErrDisputeActive
	}
	return nil
}

// move draws amount down from the payer's hold and credits the payee. Keys
// are attempt-scoped: a compensated attempt must not come back as an
// idempotent replay when the caller retries.
func (e *Engine) move(ctx context.Context, p *Payment, amount decimal.Decimal, kind, authorizedBy string) ([]string, error) {
	debitKey := fmt.Sprintf("milestone:%s:%s:%s", p.ID, kind, idgen.Hex(4))

	debitID, err := e.ledger.Release(ctx, p.PayerID, amount, p.Currency, debitKey,
		fmt.Sprintf("milestone %s %s authorized by %s", p.MilestoneID, kind, authorizedBy))
	if err != nil {
		return nil, fmt.Errorf("escrow drawdown failed: %w", err)
	}
	creditID, err := e.ledger.Deposit(ctx, p.PayeeID, payeeOwnerType, amount, p.Currency,
		debitKey+":payout", fmt.Sprintf("milestone %s payout", p.MilestoneID))
	if err != nil {
		e.restoreHold(ctx, p, amount, debitKey)
		return nil, fmt.Errorf("payee credit failed: %w", err)
	}
	return []string{debitID, creditID}, nil
}

// restoreHold re-establishes the payer's hold after a failed payee credit:
// the drawn amount goes back into the account and is held again. A failure
// here leaves money out of escrow and needs an operator.
func (e *Engine) restoreHold(ctx context.Context, p *Payment, amount decimal.Decimal, debitKey string) {
	escrowCompensations.Inc()
	if _, err := e.ledger.Deposit(ctx, p.PayerID, payerOwnerType, amount, p.Currency,
		debitKey+":restore", "reversal of milestone "+p.MilestoneID+" drawdown"); err != nil {
		log.Printf("CRITICAL: milestone payment %s drawdown %s needs manual reversal: %v", p.ID, debitKey, err)
		return
	}
	if _, err := e.ledger.Hold(ctx, p.PayerID, payerOwnerType, amount, p.Currency,
		debitKey+":rehold", "restored escrow hold for milestone "+p.MilestoneID); err != nil {
		log.Printf("CRITICAL: milestone payment %s hold not restored after reversal: %v", p.ID, err)
	}
}

// close flips the payment into its terminal status and records the ledger
// entries that got it there. The flip is conditional on the status read
// under the lock; losing it after funds moved is an operator problem.
func (e *Engine) close(ctx context.Context, p *Payment, to Status, entryIDs []string) error {
	flipped, err := e.store.UpdateStatusIf(ctx, p.ID, p.Status, to)
	if err != nil {
		return err
	}
	if !flipped {
		log.Printf("CRITICAL: milestone payment %s moved funds toward %s but its status changed underneath", p.ID, to)
		return ErrStaleState
	}

	now := e.now().UTC()
	p.Status = to
	p.EscrowEntryIDs = append(p.EscrowEntryIDs, entryIDs...)
	p.ClosedAt = &now
	p.UpdatedAt = now
	if uerr := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return e.store.Update(ctx, p)
	}); uerr != nil {
		log.Printf("CRITICAL: milestone payment %s closed but entry bookkeeping failed: %v", p.ID, uerr)
	}

	milestonesClosed.WithLabelValues(string(to)).Inc()
	return nil
}

func (e *Engine) emit(ctx context.Context, evt *events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ctx, evt)
}
