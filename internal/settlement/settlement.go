// Package settlement is the orchestrator for escrow-backed orders.
//
// Flow:
//  1. Buyer checks out: Order + pending Escrow + confirmation token
//  2. Gateway webhook verified: Escrow funded, Order processing, hold recorded
//  3. Buyer confirms with token: fee split, seller credited, Order delivered
//  4. Or buyer reports a problem: Order problem_reported, seller and admin told
//  5. Admin may dispute a funded escrow and resolve it by release or refund
//
// Every multi-record change runs inside a single ledger transaction. Events
// are published to sinks only after commit and cannot fail the operation.
package settlement

import (
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/token"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotFound               = errors.New("not found")
	ErrInvalidEscrowState     = errors.New("invalid escrow state for this operation")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrDuplicateOrder         = errors.New("order already has an escrow")

	ErrInvalidToken = token.ErrInvalidToken
	ErrExpiredToken = token.ErrExpiredToken
)

// PlatformAccount is the counterparty recorded on payouts and refunds.
const PlatformAccount = "platform"

// Outcome is the admin's decision on a disputed escrow.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// CheckoutRequest is the buyer's cart at checkout time.
type CheckoutRequest struct {
	SellerID        string            `json:"sellerId"`
	Items           []ledger.LineItem `json:"items"`
	ShippingAddress ledger.Address    `json:"shippingAddress"`
	PaymentMethod   string            `json:"paymentMethod"`
}

// CheckoutResult is returned from Checkout. The confirmation token is only
// delivered by email.
type CheckoutResult struct {
	Order  *ledger.Order  `json:"order"`
	Escrow *ledger.Escrow `json:"escrow"`
}

// ReleaseResult reports a completed release.
type ReleaseResult struct {
	Escrow       *ledger.Escrow `json:"escrow"`
	SellerID     string         `json:"sellerId"`
	SellerAmount int64          `json:"amount"`
	PlatformFee  int64          `json:"platformFee"`
}

// Party is the public view of a buyer or seller.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokenStatus is returned when a token checks out.
type TokenStatus struct {
	EscrowStatus ledger.EscrowStatus `json:"escrowStatus"`
	OrderStatus  ledger.OrderStatus  `json:"orderStatus"`
	Amount       int64               `json:"amount"`
	Seller       Party               `json:"seller"`
	Buyer        Party               `json:"buyer"`
	ExpiresAt    *time.Time          `json:"expiresAt,omitempty"`
}

// OrderView is an order together with its escrow.
type OrderView struct {
	Order  *ledger.Order  `json:"order"`
	Escrow *ledger.Escrow `json:"escrow"`
}

// EscrowDetail is the admin view of an escrow.
type EscrowDetail struct {
	Escrow       *ledger.Escrow        `json:"escrow"`
	Order        *ledger.Order         `json:"order"`
	Transactions []*ledger.Transaction `json:"transactions"`
}
