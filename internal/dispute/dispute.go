// Package dispute overlays dispute handling on milestone payments. A dispute
// freezes its payment; resolution settles the frozen funds toward the payer,
// the payee, or a split between them.
//
// The overlay never moves money itself. Every funds decision goes through
// the milestone engine, which keeps the payment row the single writer for
// money state. The dispute row records who opened, who resolved, and how.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/milestone"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrDisputeExists   = errors.New("payment already has an open dispute")
	ErrAlreadyResolved = errors.New("dispute already settled")
	ErrInvalidOutcome  = errors.New("resolution outcome must be payer, payee or partial")
	ErrInvalidAmount   = errors.New("partial resolution amount must be strictly between zero and the funded amount")
	ErrUnauthorized    = errors.New("caller may not act on this dispute")
)

// Status tracks a dispute from opening to settlement.
type Status string

const (
	StatusOpened        Status = "opened"         // Filed, payment frozen
	StatusUnderReview   Status = "under_review"   // A reviewer picked it up
	StatusResolvedPayer Status = "resolved_payer" // Funds returned to the payer
	StatusResolvedPayee Status = "resolved_payee" // Funds released to the payee
	StatusPartial       Status = "partial"        // Funds split per ResolutionAmount
	StatusCancelled     Status = "cancelled"      // Withdrawn, payment thawed
)

// IsOpen reports whether the dispute still blocks its payment.
func (s Status) IsOpen() bool {
	return s == StatusOpened || s == StatusUnderReview
}

// IsTerminal reports whether the dispute reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusResolvedPayer || s == StatusResolvedPayee ||
		s == StatusPartial || s == StatusCancelled
}

// Outcome names the direction a resolution settles the frozen funds.
type Outcome string

const (
	OutcomePayer   Outcome = "payer"
	OutcomePayee   Outcome = "payee"
	OutcomePartial Outcome = "partial"
)

// Dispute is one party's challenge against a funded milestone payment.
// ResolutionAmount is set only for partial outcomes and records the payee's
// share; the remainder went back to the payer.
type Dispute struct {
	ID                 string           `json:"id"`
	MilestonePaymentID string           `json:"milestone_payment_id"`
	OpenedBy           string           `json:"opened_by"`
	Reason             string           `json:"reason"`
	Status             Status           `json:"status"`
	ResolutionAmount   *decimal.Decimal `json:"resolution_amount,omitempty"`
	ReviewedBy         string           `json:"reviewed_by,omitempty"`
	ResolvedBy         string           `json:"resolved_by,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
}

// Store persists disputes. A payment carries at most one open dispute at a
// time but can accumulate settled ones (open, cancel, open again), so
// GetByPayment returns the newest. Create returns ErrDisputeExists when an
// open dispute is already on file for the payment.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error)
	GetByPayment(ctx context.Context, paymentID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Engine is the milestone payment surface the overlay drives: freeze and
// thaw around the dispute's lifetime, settlement on resolution. Implemented
// by *milestone.Engine.
type Engine interface {
	Get(ctx context.Context, id string) (*milestone.Payment, error)
	MarkDisputed(ctx context.Context, id string) (*milestone.Payment, error)
	ClearDispute(ctx context.Context, id string) (*milestone.Payment, error)
	Release(ctx context.Context, id, authorizedBy string) (*milestone.Payment, error)
	RefundPayment(ctx context.Context, id, reason string) (*milestone.Payment, error)
	ResolveSplit(ctx context.Context, id string, payeeAmount decimal.Decimal, authorizedBy string) (*milestone.Payment, error)
}
