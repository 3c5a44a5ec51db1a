// Package ledger is the durable, transactional store behind escrow settlement.
//
// It owns four related records: Escrow, Order, Transaction and User (wallet
// balance). Every money-bearing mutation goes through Store.WithTx so that
// escrow status, order status, ledger entries and balances commit together
// or not at all. Escrow status changes are guarded: the storage layer only
// applies a transition when the row is still in the expected pre-state.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
	ErrDuplicateReference = errors.New("payment reference already recorded")
	ErrDuplicateOrder     = errors.New("escrow already exists for order")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// Role is the caller role supplied by the identity provider.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is a marketplace account with a scalar wallet balance in minor units.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReleaseConditions records what has been satisfied toward releasing funds.
// AutoReleaseAt is persisted but nothing acts on it.
type ReleaseConditions struct {
	BuyerConfirmation    bool       `json:"buyerConfirmation"`
	DeliveryConfirmation bool       `json:"deliveryConfirmation"`
	AutoReleaseAt        *time.Time `json:"autoReleaseAt,omitempty"`
}

// DisputeStatus is the state of an escrow dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute is the optional dispute sub-record on an escrow.
type Dispute struct {
	RaisedBy   string        `json:"raisedBy"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	Resolution string        `json:"resolution,omitempty"`
	OpenedAt   time.Time     `json:"openedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// Escrow holds a buyer's payment for exactly one order.
type Escrow struct {
	ID                    string            `json:"id"`
	OrderID               string            `json:"orderId"`
	BuyerID               string            `json:"buyerId"`
	SellerID              string            `json:"sellerId"`
	Amount                int64             `json:"amount"`
	Status                EscrowStatus      `json:"status"`
	ReleaseConditions     ReleaseConditions `json:"releaseConditions"`
	ConfirmToken          string            `json:"-"`
	ConfirmTokenExpiresAt *time.Time        `json:"confirmTokenExpiresAt,omitempty"`
	Dispute               *Dispute          `json:"dispute,omitempty"`
	PaymentReference      string            `json:"paymentReference,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	FundedAt              *time.Time        `json:"fundedAt,omitempty"`
	ResolvedAt            *time.Time        `json:"resolvedAt,omitempty"`
}

// HasToken reports whether a confirmation token is outstanding.
func (e *Escrow) HasToken() bool {
	return e.ConfirmToken != ""
}

// LineItem is a snapshot of a purchased product at checkout time.
type LineItem struct {
	ProductID string            `json:"productId"`
	Name      string            `json:"name,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice int64             `json:"unitPrice"`
	Variant   map[string]string `json:"variant,omitempty"`
}

// Subtotal is quantity * unit price.
func (li LineItem) Subtotal() int64 {
	return int64(li.Quantity) * li.UnitPrice
}

// Address is a shipping address snapshot.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// ProblemStatus is the review state of a buyer problem report.
type ProblemStatus string

const (
	ProblemPendingReview ProblemStatus = "pending_review"
	ProblemResolved      ProblemStatus = "resolved"
	ProblemRejected      ProblemStatus = "rejected"
)

// ProblemReport is one entry in an order's append-only problem log.
type ProblemReport struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      ProblemStatus `json:"status"`
	ReportedAt  time.Time     `json:"reportedAt"`
}

// Order is created at checkout and tracks fulfilment.
type Order struct {
	ID                 string          `json:"id"`
	BuyerID            string          `json:"buyerId"`
	SellerID           string          `json:"sellerId"`
	Items              []LineItem      `json:"items"`
	ShippingAddress    Address         `json:"shippingAddress"`
	PaymentMethod      string          `json:"paymentMethod"`
	Total              int64           `json:"total"`
	Status             OrderStatus     `json:"status"`
	CancellationReason string          `json:"cancellationReason,omitempty"`
	ProblemReports     []ProblemReport `json:"problemReports"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// TxType classifies a ledger entry.
type TxType string

const (
	TxBuy      TxType = "buy"
	TxHeld     TxType = "held"
	TxReleased TxType = "released"
	TxRefunded TxType = "refunded"
)

// TxStatus is the completion state of a ledger entry.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
)

// Transaction is a ledger entry recording money movement. Amount is never
// rewritten after insert; settling a hold records DisbursedAmount,
// PlatformFee and SettledAt alongside it.
type Transaction struct {
	ID               string     `json:"id"`
	FromUserID       string     `json:"fromUserId"`
	ToUserID         string     `json:"toUserId"`
	Type             TxType     `json:"type"`
	Amount           int64      `json:"amount"`
	DisbursedAmount  int64      `json:"disbursedAmount,omitempty"`
	PlatformFee      int64      `json:"platformFee,omitempty"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	Status           TxStatus   `json:"status"`
	EscrowID         string     `json:"escrowId"`
	CreatedAt        time.Time  `json:"createdAt"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

// EscrowTransition describes one guarded status change. The store applies
// it only if the escrow is currently in From (and, when ExpectedToken is
// set, still holds that token); otherwise it returns ErrInvalidState.
type EscrowTransition struct {
	EscrowID         string
	From             EscrowStatus
	To               EscrowStatus
	ExpectedToken    string
	PaymentReference string
	BuyerConfirmed   bool
	ClearToken       bool
	Dispute          *Dispute
	At               time.Time
}

// Store persists settlement records.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// CreateCheckout inserts a pending order and its escrow atomically.
	CreateCheckout(ctx context.Context, order *Order, escrow *Escrow) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)

	// SetConfirmToken replaces the confirmation token of a pending or
	// funded escrow.
	SetConfirmToken(ctx context.Context, escrowID, token string, expiresAt time.Time) error

	// WithTx runs fn in a single atomic unit. If fn returns an error (or
	// panics) nothing it did is observable afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside Store.WithTx.
type Tx interface {
	// GetEscrow reads an escrow and, where the backend supports it, locks
	// the row for the rest of the transaction.
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	TransitionEscrow(ctx context.Context, t EscrowTransition) error
	SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, reason string, at time.Time) error
	AppendProblemReport(ctx context.Context, orderID string, report ProblemReport, at time.Time) error
	InsertTransaction(ctx context.Context, txn *Transaction) error
	// SettleHold marks the escrow's held entry as released or refunded,
	// recording the disbursed amount and fee. The hold amount is preserved.
	SettleHold(ctx context.Context, escrowID string, typ TxType, disbursed, fee int64, at time.Time) error
	// IncrementBalance atomically adds delta to a user's wallet.
	IncrementBalance(ctx context.Context, userID string, delta int64) error
}
