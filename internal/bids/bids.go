// Package bids coordinates the bid-acceptance lifecycle: a homeowner accepts
// a contractor's bid, the contractor pays a connection fee inside a payment
// window, and the homeowner's contact details are released on completion.
//
// Flow:
//  1. Contractor submits a bid -> ranked on the bid card
//  2. Homeowner accepts a bid -> acceptance opens with a payment window
//  3. Contractor pays the connection fee -> processor charge, ledger deposit,
//     acceptance paid, contact details released exactly once
//  4. Unpaid windows lapse via the sweep timer -> acceptance expired and the
//     next-ranked active bid on the card is promoted as fallback
package bids

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/processor"
)

var (
	ErrBidNotFound            = errors.New("bid not found")
	ErrBidNotActive           = errors.New("bid is not active")
	ErrBidAlreadyAccepted     = errors.New("bid already has an acceptance")
	ErrNotBidOwner            = errors.New("bid belongs to another contractor")
	ErrAcceptanceNotFound     = errors.New("acceptance not found")
	ErrAcceptanceConflict     = errors.New("bid card already has an open acceptance")
	ErrNotPendingPayment      = errors.New("acceptance is not awaiting payment")
	ErrWindowExpired          = errors.New("payment window has expired")
	ErrNotExpired             = errors.New("payment window has not lapsed")
	ErrAlreadyPaid            = errors.New("connection fee already paid")
	ErrPaymentInFlight        = errors.New("a payment attempt is already in progress")
	ErrPaymentNotFound        = errors.New("connection payment not found")
	ErrStaleState             = errors.New("acceptance changed state during payment")
	ErrContactAlreadyReleased = errors.New("contact details already released")
	ErrReleaseNotFound        = errors.New("contact release not found")
	ErrNotAuthorized          = errors.New("caller is not a party to this acceptance")
	ErrIdempotencyRequired    = errors.New("idempotency key is required")
)

// BidStatus tracks a bid through the card's lifecycle.
type BidStatus string

const (
	BidActive    BidStatus = "active"    // In the ranking, eligible for acceptance
	BidAccepted  BidStatus = "accepted"  // Under an acceptance (open or paid)
	BidWithdrawn BidStatus = "withdrawn" // Pulled by the contractor or retired by a cancel
	BidPromoted  BidStatus = "promoted"  // Its payment window lapsed and the card moved on
)

// AcceptanceStatus tracks the payment window on an accepted bid.
type AcceptanceStatus string

const (
	AcceptancePendingPayment AcceptanceStatus = "pending_payment" // Window open, fee unpaid
	AcceptancePaid           AcceptanceStatus = "paid"            // Fee captured, contact released
	AcceptanceExpired        AcceptanceStatus = "expired"         // Window lapsed unpaid
	AcceptanceCancelled      AcceptanceStatus = "cancelled"       // Abandoned before payment
)

// IsTerminal returns true if the acceptance is in a final state.
func (s AcceptanceStatus) IsTerminal() bool {
	return s == AcceptancePaid || s == AcceptanceExpired || s == AcceptanceCancelled
}

// PaymentStatus tracks a connection-fee charge attempt.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"    // Row created, no charge attempted
	PaymentProcessing PaymentStatus = "processing" // Charge in flight at the processor
	PaymentCompleted  PaymentStatus = "completed"  // Charge captured and recorded
	PaymentFailed     PaymentStatus = "failed"     // Declined or reversed; retryable until expiry
)

// Bid is the coordinator's read/rank source: one contractor's offer on a
// bid card. Kept current by withdrawal events from the bid system.
type Bid struct {
	ID           string          `json:"id"`
	BidCardID    string          `json:"bid_card_id"`
	ContractorID string          `json:"contractor_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       BidStatus       `json:"status"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// Acceptance is a homeowner's commitment to one bid, opening the payment
// window during which the contractor owes the connection fee. At most one
// non-terminal acceptance exists per bid card, and each bid is accepted at
// most once.
type Acceptance struct {
	ID            string           `json:"id"`
	BidID         string           `json:"bid_id"`
	BidCardID     string           `json:"bid_card_id"`
	AcceptedBy    string           `json:"accepted_by"`
	FeeAmount     decimal.Decimal  `json:"fee_amount"`
	FeeCalcMethod string           `json:"fee_calc_method"`
	Currency      string           `json:"currency"`
	Status        AcceptanceStatus `json:"status"`
	FallbackBidID string           `json:"fallback_bid_id,omitempty"`
	AcceptedAt    time.Time        `json:"accepted_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ConnectionPayment is the one-to-one charge record for an acceptance.
type ConnectionPayment struct {
	ID             string          `json:"id"`
	AcceptanceID   string          `json:"acceptance_id"`
	ContractorID   string          `json:"contractor_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ProcessorRef   string          `json:"processor_ref,omitempty"`
	IdempotencyKey string          `json:"-"`
	Status         PaymentStatus   `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ContactRelease records the one-time release of homeowner contact details
// to the paying contractor. Written exactly once per acceptance; immutable.
type ContactRelease struct {
	ID           string    `json:"id"`
	AcceptanceID string    `json:"acceptance_id"`
	BidCardID    string    `json:"bid_card_id"`
	ContractorID string    `json:"contractor_id"`
	HomeownerID  string    `json:"homeowner_id"`
	Fields       []string  `json:"fields"`
	ReleasedAt   time.Time `json:"released_at"`
}

// Store persists bids, acceptances, connection payments and contact releases.
//
// CreateAcceptance enforces both uniqueness rules: one acceptance per bid
// (ErrBidAlreadyAccepted) and one open acceptance per card
// (ErrAcceptanceConflict). UpdateAcceptanceStatusIf is the conditional
// transition used to resolve pay/expire races: it flips status only when the
// row is still in the expected state and reports whether this caller won.
type Store interface {
	CreateBid(ctx context.Context, bid *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	UpdateBid(ctx context.Context, bid *Bid) error
	ListBidsByCard(ctx context.Context, bidCardID string, limit int) ([]*Bid, error)
	RankActiveBids(ctx context.Context, bidCardID string, limit int) ([]*Bid, error)
	CountActiveBids(ctx context.Context, bidCardID string) (int, error)

	CreateAcceptance(ctx context.Context, a *Acceptance) error
	GetAcceptance(ctx context.Context, id string) (*Acceptance, error)
	GetOpenAcceptanceByCard(ctx context.Context, bidCardID string) (*Acceptance, error)
	UpdateAcceptance(ctx context.Context, a *Acceptance) error
	UpdateAcceptanceStatusIf(ctx context.Context, id string, from, to AcceptanceStatus) (bool, error)
	ListExpiredAcceptances(ctx context.Context, before time.Time, limit int) ([]*Acceptance, error)
	CountAcceptancesByStatus(ctx context.Context) (map[string]int, error)

	CreatePayment(ctx context.Context, p *ConnectionPayment) error
	GetPaymentByAcceptance(ctx context.Context, acceptanceID string) (*ConnectionPayment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*ConnectionPayment, error)
	UpdatePayment(ctx context.Context, p *ConnectionPayment) error

	CreateContactRelease(ctx context.Context, r *ContactRelease) error
	GetContactRelease(ctx context.Context, acceptanceID string) (*ContactRelease, error)
}

// PlatformLedger records captured connection fees as platform revenue.
// Implemented by the ledger service through a small adapter in server wiring
// so this package does not depend on the ledger directly. Both operations
// must be idempotent on paymentID: a crash-replay deposits at most once.
type PlatformLedger interface {
	RecordConnectionFee(ctx context.Context, paymentID string, amount decimal.Decimal, currency string) error
	ReverseConnectionFee(ctx context.Context, paymentID string, amount decimal.Decimal, currency string) error
}

// Gateway is the slice of the payment processor this package needs: charging
// connection fees and reversing them when a charge loses a state race.
type Gateway interface {
	Charge(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error)
	Refund(ctx context.Context, req processor.RefundRequest) (*processor.RefundResult, error)
}

const (
	// DefaultAcceptanceWindow is how long a contractor has to pay the
	// connection fee after acceptance.
	DefaultAcceptanceWindow = 24 * time.Hour

	// DefaultProcessorTimeout bounds a single charge attempt.
	DefaultProcessorTimeout = 15 * time.Second
)

// DefaultContactFields is the contact detail set released on payment.
var DefaultContactFields = []string{"full_name", "email", "phone"}
