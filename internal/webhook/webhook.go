// Package webhook is the ingestion guard for payment-gateway charge events.
//
// A delivery is trusted only after the charge has been re-verified with the
// gateway; the payload itself is treated as a hint. Replays are idempotent
// on the payment reference, and funding is delegated to the settlement
// orchestrator so the escrow, order and held ledger entry change together.
package webhook

import (
	"context"
	"errors"

	"github.com/mbd888/escrowd/internal/ledger"
)

var (
	ErrVerificationFailed = errors.New("gateway verification failed")
	ErrEscrowNotFound     = errors.New("escrow not found or not awaiting payment")
	ErrAmountMismatch     = errors.New("verified amount does not match escrow amount")
	ErrInvalidPayload     = errors.New("invalid webhook payload")
	ErrBadSignature       = errors.New("invalid webhook signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// EventChargeSuccess is the only event type the guard acts on.
const EventChargeSuccess = "charge.success"

// Event is the gateway notification body.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData carries the charge details of an Event.
type EventData struct {
	Reference string        `json:"reference"`
	Amount    int64         `json:"amount"`
	Metadata  EventMetadata `json:"metadata"`
}

// EventMetadata links a charge back to the escrow it pays for.
type EventMetadata struct {
	EscrowID string `json:"escrow_id"`
}

// Outcome is what the guard did with a delivery.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFunded    Outcome = "funded"
)

// Result describes a successfully handled delivery.
type Result struct {
	Outcome  Outcome
	EscrowID string
}

// Ledger is the read surface the guard needs for dedup and precondition
// checks.
type Ledger interface {
	GetEscrow(ctx context.Context, id string) (*ledger.Escrow, error)
	GetTransactionByReference(ctx context.Context, reference string) (*ledger.Transaction, error)
}

// Funder moves a pending escrow to funded. It must return
// ledger.ErrInvalidState or ledger.ErrDuplicateReference when another
// delivery won the race.
type Funder interface {
	Fund(ctx context.Context, escrowID, reference string, amount int64) (*ledger.Escrow, error)
}
