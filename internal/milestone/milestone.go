// Package milestone holds homeowner funds in escrow against project
// milestones and pays contractors on verified completion.
//
// Flow:
//  1. Project system creates a payment per milestone → status pending
//  2. Homeowner funds it → ledger hold on their account, status funded
//  3. Completion verified (event or admin) → hold released, payee credited
//  4. Project cancelled before completion → hold refunded to the homeowner
//  5. Dispute opened → payment frozen until the overlay resolves it
//
// The payment row is the single writer for milestone money state: the
// dispute overlay and event consumers mutate it only through Engine methods.
package milestone

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("milestone payment not found")
	ErrDuplicateMilestone = errors.New("milestone already has a payment for this project")
	ErrAlreadyFunded      = errors.New("milestone payment already funded")
	ErrNotFunded          = errors.New("milestone payment is not funded")
	ErrDisputeActive      = errors.New("an open dispute blocks this payment")
	ErrInvalidTransition  = errors.New("illegal milestone payment status transition")
	ErrInvalidSplit       = errors.New("split amount must be between zero and the funded amount")
	ErrStaleState         = errors.New("milestone payment changed during the operation")

	// ErrInsufficientFunds is returned by EscrowLedger implementations when
	// the payer's balance cannot cover a hold or drawdown.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Status tracks a milestone payment through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"   // Created, no money moved
	StatusFunded    Status = "funded"    // Payer's funds held in escrow
	StatusReleased  Status = "released"  // Payee credited (fully or by split)
	StatusRefunded  Status = "refunded"  // Hold returned to the payer
	StatusDisputed  Status = "disputed"  // Frozen by an open dispute
	StatusCancelled Status = "cancelled" // Abandoned before funding
)

// IsTerminal returns true if the payment is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

// canTransition encodes the monotonic payment state machine. Disputed is the
// only status that can step back (to funded, when a dispute is withdrawn).
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusFunded || to == StatusCancelled
	case StatusFunded:
		return to == StatusReleased || to == StatusRefunded || to == StatusDisputed
	case StatusDisputed:
		return to == StatusReleased || to == StatusRefunded || to == StatusFunded
	}
	return false
}

// Party owner types passed through to the escrow ledger when an account has
// to be created on first use.
const (
	payerOwnerType = "homeowner"
	payeeOwnerType = "contractor"
)

// Payment escrows one milestone's amount from payer to payee.
// EscrowEntryIDs records the ledger entries that built the final state, in
// the order they were applied.
type Payment struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	MilestoneID    string          `json:"milestone_id"`
	PayerID        string          `json:"payer_id"`
	PayeeID        string          `json:"payee_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	EscrowEntryIDs []string        `json:"escrow_entry_ids,omitempty"`
	FundedAt       *time.Time      `json:"funded_at,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store persists milestone payments. Create enforces one payment per
// (project, milestone) pair; UpdateStatusIf is the conditional flip that
// arbitrates cross-instance races.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByMilestoneID(ctx context.Context, milestoneID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*Payment, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// EscrowLedger abstracts ledger operations so milestone doesn't import
// ledger. Owner IDs are resolved to per-currency accounts; Hold and Deposit
// create the account on first use. Each call returns the recorded entry ID.
// Implementations return ErrInsufficientFunds when the balance cannot cover
// the move, and replay idempotently when a key is reused with the same
// parameters.
type EscrowLedger interface {
	Hold(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error)
	Release(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error)
	Refund(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error)
	Deposit(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error)
}

// DisputeChecker is the engine's view of the dispute overlay: whether an
// open dispute currently blocks payout of a payment.
type DisputeChecker interface {
	OpenDisputeExists(ctx context.Context, paymentID string) (bool, error)
}
