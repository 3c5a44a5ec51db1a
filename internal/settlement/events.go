package settlement

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
)

// EventType names a committed settlement change.
type EventType string

const (
	EventOrderPlaced        EventType = "order_placed"
	EventEscrowFunded       EventType = "escrow_funded"
	EventEscrowReleased     EventType = "escrow_released"
	EventProblemReported    EventType = "problem_reported"
	EventDisputeOpened      EventType = "dispute_opened"
	EventEscrowRefunded     EventType = "escrow_refunded"
	EventConfirmationResent EventType = "confirmation_resent"
)

// Event is published after a settlement change commits.
type Event struct {
	Type   EventType      `json:"type"`
	Escrow *ledger.Escrow `json:"escrow"`
	Order  *ledger.Order  `json:"order,omitempty"`
	Buyer  *ledger.User   `json:"-"`
	Seller *ledger.User   `json:"-"`

	// Set on order_placed and confirmation_resent only. Never serialized.
	ConfirmToken          string     `json:"-"`
	ConfirmTokenExpiresAt *time.Time `json:"-"`

	SellerAmount int64                 `json:"sellerAmount,omitempty"`
	PlatformFee  int64                 `json:"platformFee,omitempty"`
	Problem      *ledger.ProblemReport `json:"problem,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	At           time.Time             `json:"at"`
}

// EventSink receives committed settlement events. Implementations must not
// block for long and must swallow their own failures.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

func (s *Service) publish(ctx context.Context, ev Event) {
	if ev.Buyer == nil || ev.Seller == nil {
		s.attachParties(ctx, &ev)
	}
	for _, sink := range s.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.L(ctx).Error("event sink panicked", "event", ev.Type, "panic", r)
				}
			}()
			sink.Publish(ctx, ev)
		}()
	}
}

func (s *Service) attachParties(ctx context.Context, ev *Event) {
	if ev.Escrow == nil {
		return
	}
	if ev.Buyer == nil {
		if u, err := s.store.GetUser(ctx, ev.Escrow.BuyerID); err == nil {
			ev.Buyer = u
		} else {
			logging.L(ctx).Warn("event buyer lookup failed", "user_id", ev.Escrow.BuyerID, "error", err)
		}
	}
	if ev.Seller == nil {
		if u, err := s.store.GetUser(ctx, ev.Escrow.SellerID); err == nil {
			ev.Seller = u
		} else {
			logging.L(ctx).Warn("event seller lookup failed", "user_id", ev.Escrow.SellerID, "error", err)
		}
	}
}
