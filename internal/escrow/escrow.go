// Package escrow implements the trust-transaction engine between buyers
// and sellers.
//
// Lifecycle:
//  1. Buyer and seller agree on an item → transaction created (pending)
//  2. Buyer pays → funds held in escrow (funded)
//  3. Seller ships with tracking info (shipped)
//  4. Buyer (or a carrier signal) confirms receipt (delivered), which
//     starts the inspection period
//  5. Inspection period passes quietly → payout to seller (completed)
//  6. Either party disputes before the window closes (disputed) →
//     arbitration resolves to completed or refunded
//
// Transitions are serialized per transaction through the Store's
// compare-and-set write: concurrent callers race on the stored status and
// the loser's guard fails with ErrStateConflict. No other locking is used.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/safedeal/core/internal/fees"
)

var (
	ErrNotFound         = errors.New("escrow: transaction not found")
	ErrDisputeNotFound  = errors.New("escrow: dispute not found")
	ErrInvalidInput     = errors.New("escrow: invalid input")
	ErrStateConflict    = errors.New("escrow: operation not allowed in current state")
	ErrUnauthorized     = errors.New("escrow: caller is not a party to this operation")
	ErrLimitExceeded    = errors.New("escrow: amount exceeds seller's transaction limit")
	ErrProcessorFailure = errors.New("escrow: payment processor failure")

	// ErrConflict is returned by stores when a compare-and-set write
	// observes a status that no longer matches the caller's read.
	ErrConflict = errors.New("escrow: concurrent update conflict")
)

// Party identifies one side of a transaction.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Status represents the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"   // created, awaiting buyer payment
	StatusFunded    Status = "funded"    // buyer paid, funds held
	StatusShipped   Status = "shipped"   // seller shipped with tracking
	StatusDelivered Status = "delivered" // receipt confirmed, inspection running
	StatusCompleted Status = "completed" // funds paid out to seller
	StatusDisputed  Status = "disputed"  // open dispute, awaiting arbitration
	StatusRefunded  Status = "refunded"  // dispute resolved for the buyer
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// PaymentMethod selects how the buyer funds the transaction.
type PaymentMethod string

const (
	MethodCard PaymentMethod = "card"
	MethodBank PaymentMethod = "bank"
)

// Tracking holds shipment tracking info, attached when the seller ships.
type Tracking struct {
	Carrier        string    `json:"carrier"`
	TrackingNumber string    `json:"trackingNumber"`
	Status         string    `json:"status"`
	LastUpdate     time.Time `json:"lastUpdate"`
}

// AgreementTerms parameterize the transaction lifecycle. Immutable after
// creation.
type AgreementTerms struct {
	InspectionPeriodDays   int    `json:"inspectionPeriodDays"`
	ReturnPolicy           string `json:"returnPolicy"`
	ShippingResponsibility Party  `json:"shippingResponsibility"`
	InsuranceRequired      bool   `json:"insuranceRequired"`
	DisputeResolution      string `json:"disputeResolution"` // "automatic" or "manual"
}

// Agreement defaults.
const (
	DefaultInspectionDays = 7
	DefaultReturnPolicy   = "returns accepted within 7 days of delivery"

	// InsuranceThreshold is the amount above which shipping insurance is
	// required.
	InsuranceThreshold = 10000
)

// Transaction is the central escrow record. Amount, fees, parties and
// subject never change after creation; per-phase timestamps are set at most
// once and only move forward.
type Transaction struct {
	ID        string         `json:"id"`
	BuyerID   string         `json:"buyerId"`
	SellerID  string         `json:"sellerId"`
	ProductID string         `json:"productId"`
	Amount    float64        `json:"amount"`
	Fees      fees.Fees      `json:"fees"`
	Agreement AgreementTerms `json:"agreement"`
	Status    Status         `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	ShippedAt   *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// AutoCompleteAt is the persisted due-work record: set on delivery to
	// DeliveredAt + inspection period. The scheduler polls for delivered
	// transactions past this instant.
	AutoCompleteAt *time.Time `json:"autoCompleteAt,omitempty"`

	Tracking     *Tracking `json:"tracking,omitempty"`
	DisputeID    string    `json:"disputeId,omitempty"`
	RefundAmount *float64  `json:"refundAmount,omitempty"`
}

// Active reports whether the transaction is still in flight (money held or
// expected).
func (t *Transaction) Active() bool {
	switch t.Status {
	case StatusPending, StatusFunded, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

// Store persists transactions. CompareAndSet must reject the write with
// ErrConflict when the stored status differs from expected; this is the
// serialization point for all concurrent transitions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	CompareAndSet(ctx context.Context, expected Status, txn *Transaction) error
	ListByParty(ctx context.Context, partyID string, role Party, limit int) ([]*Transaction, error)
	ListDueAutoComplete(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// PaymentProcessor charges the buyer when a transaction is funded.
type PaymentProcessor interface {
	Charge(ctx context.Context, buyerID string, amount float64, method PaymentMethod) error
}

// PayoutProcessor moves held funds out of escrow: payouts to sellers and
// refunds to buyers.
type PayoutProcessor interface {
	Payout(ctx context.Context, sellerID string, amount float64) error
	Refund(ctx context.Context, buyerID string, amount float64) error
}

// Notifier delivers fire-and-forget events to users. Implementations must
// not block; the engine never waits on or retries delivery.
type Notifier interface {
	Notify(userID, event string, payload map[string]any)
}

// LimitChecker exposes the seller-verification transaction limit.
type LimitChecker interface {
	MaxAllowedAmount(ctx context.Context, sellerID string) (float64, error)
}

// Notification event types emitted by the engine.
const (
	EventPaymentReceived      = "payment_received"
	EventItemShipped          = "item_shipped"
	EventTransactionCompleted = "transaction_completed"
	EventPaymentReleased      = "payment_released"
	EventDisputeOpened        = "dispute_opened"
	EventDisputeResolved      = "dispute_resolved"
)
