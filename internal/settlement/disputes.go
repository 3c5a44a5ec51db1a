package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// OpenDispute freezes a funded escrow pending admin resolution. While
// disputed the buyer's token no longer releases funds.
func (s *Service) OpenDispute(ctx context.Context, escrowID, adminID, reason string) (escrow *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.open_dispute", traces.EscrowID(escrowID))
	defer func() {
		traces.End(span, err)
		s.countRejection("dispute", err)
	}()

	if adminID == "" {
		return nil, ErrAuthenticationRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > MaxReasonLength {
		return nil, fmt.Errorf("%w: reason must be 1-%d characters", ErrInvalidRequest, MaxReasonLength)
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowFunded {
			return ErrInvalidEscrowState
		}
		return tx.TransitionEscrow(ctx, ledger.EscrowTransition{
			EscrowID: e.ID,
			From:     ledger.EscrowFunded,
			To:       ledger.EscrowDisputed,
			Dispute: &ledger.Dispute{
				RaisedBy: adminID,
				Reason:   reason,
				Status:   ledger.DisputeOpen,
				OpenedAt: now,
			},
			At: now,
		})
	})
	if err != nil {
		return nil, mapLedgerError(err)
	}

	var order *ledger.Order
	if escrow, err = s.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, mapLedgerError(err)
	}
	if order, err = s.store.GetOrder(ctx, escrow.OrderID); err != nil {
		return nil, mapLedgerError(err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowFunded), string(ledger.EscrowDisputed)).Inc()
	logging.L(ctx).Info("dispute opened", "escrow_id", escrowID, "admin_id", adminID)
	s.publish(ctx, Event{Type: EventDisputeOpened, Escrow: escrow, Order: order, Reason: reason, At: now})
	return escrow, nil
}

// ResolveDispute settles a disputed escrow. Release pays the seller with
// the usual fee split. Refund returns the full amount to the buyer and
// cancels the order; it is also allowed straight from funded.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, adminID string, outcome Outcome, resolution string) (escrow *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.resolve_dispute", traces.EscrowID(escrowID), traces.Outcome(string(outcome)))
	defer func() {
		traces.End(span, err)
		s.countRejection("resolve", err)
	}()

	if adminID == "" {
		return nil, ErrAuthenticationRequired
	}
	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return nil, fmt.Errorf("%w: outcome must be release or refund", ErrInvalidRequest)
	}
	resolution = strings.TrimSpace(resolution)
	if len(resolution) > MaxReasonLength {
		return nil, fmt.Errorf("%w: resolution too long", ErrInvalidRequest)
	}

	now := s.now()
	var (
		before       *ledger.Escrow
		to           ledger.EscrowStatus
		sellerAmount int64
		fee          int64
	)
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		before = e

		var dispute *ledger.Dispute
		if e.Dispute != nil {
			d := *e.Dispute
			d.Status = ledger.DisputeResolved
			d.Resolution = resolution
			d.ResolvedAt = &now
			dispute = &d
		}

		switch outcome {
		case OutcomeRelease:
			if e.Status != ledger.EscrowDisputed {
				return ErrInvalidEscrowState
			}
			to = ledger.EscrowReleased
			sellerAmount, fee = SplitFee(e.Amount, s.feeRate)
			return s.payOut(ctx, tx, e, ledger.EscrowTransition{
				EscrowID:   e.ID,
				From:       e.Status,
				To:         to,
				ClearToken: true,
				Dispute:    dispute,
				At:         now,
			}, sellerAmount, fee)
		default:
			if e.Status != ledger.EscrowDisputed && e.Status != ledger.EscrowFunded {
				return ErrInvalidEscrowState
			}
			to = ledger.EscrowRefunded
			return s.refund(ctx, tx, e, ledger.EscrowTransition{
				EscrowID:   e.ID,
				From:       e.Status,
				To:         to,
				ClearToken: true,
				Dispute:    dispute,
				At:         now,
			}, resolution)
		}
	})
	if err != nil {
		return nil, mapLedgerError(err)
	}

	escrow, order := s.reload(ctx, escrowID, before.OrderID)
	s.recordSettled(before, before.Status, to, sellerAmount, fee, now)
	logging.L(ctx).Info("escrow resolved by admin",
		"escrow_id", escrowID, "admin_id", adminID, "outcome", outcome,
		"seller_amount", sellerAmount, "platform_fee", fee)

	ev := Event{Escrow: escrow, Order: order, Reason: resolution, At: now}
	if to == ledger.EscrowReleased {
		ev.Type = EventEscrowReleased
		ev.SellerAmount = sellerAmount
		ev.PlatformFee = fee
	} else {
		ev.Type = EventEscrowRefunded
	}
	s.publish(ctx, ev)
	return escrow, nil
}

// refund returns the escrowed amount to the buyer's wallet and cancels the
// order.
func (s *Service) refund(ctx context.Context, tx ledger.Tx, e *ledger.Escrow, tr ledger.EscrowTransition, reason string) error {
	if err := tx.TransitionEscrow(ctx, tr); err != nil {
		return err
	}
	if err := tx.SettleHold(ctx, e.ID, ledger.TxRefunded, e.Amount, 0, tr.At); err != nil {
		return fmt.Errorf("settle hold: %w", err)
	}
	settled := tr.At
	if err := tx.InsertTransaction(ctx, &ledger.Transaction{
		ID:              uuid.NewString(),
		FromUserID:      PlatformAccount,
		ToUserID:        e.BuyerID,
		Type:            ledger.TxRefunded,
		Amount:          e.Amount,
		DisbursedAmount: e.Amount,
		Status:          ledger.TxCompleted,
		EscrowID:        e.ID,
		CreatedAt:       tr.At,
		SettledAt:       &settled,
	}); err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	if err := tx.IncrementBalance(ctx, e.BuyerID, e.Amount); err != nil {
		return fmt.Errorf("credit buyer: %w", err)
	}
	if reason == "" {
		reason = "refunded by admin"
	}
	if err := tx.SetOrderStatus(ctx, e.OrderID, ledger.OrderCancelled, reason, tr.At); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
