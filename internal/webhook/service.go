package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// Guard verifies, deduplicates and applies gateway charge events.
type Guard struct {
	gateway Gateway
	ledger  Ledger
	funder  Funder
}

// NewGuard creates an ingestion guard.
func NewGuard(gateway Gateway, l Ledger, funder Funder) *Guard {
	return &Guard{gateway: gateway, ledger: l, funder: funder}
}

// Ingest processes one delivery. It is safe to call any number of times
// with the same event: at most one held ledger entry results per
// payment reference.
func (g *Guard) Ingest(ctx context.Context, ev *Event) (res Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhook.ingest",
		traces.Reference(ev.Data.Reference), traces.EscrowID(ev.Data.Metadata.EscrowID))
	defer func() {
		span.SetAttributes(traces.Outcome(outcomeLabel(res, err)))
		traces.End(span, err)
		metrics.WebhookEventsTotal.WithLabelValues(outcomeLabel(res, err)).Inc()
	}()

	log := logging.L(ctx).With("reference", ev.Data.Reference, "escrow_id", ev.Data.Metadata.EscrowID)

	if ev.Event != EventChargeSuccess {
		log.Debug("ignoring gateway event", "event", ev.Event)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	ref := ev.Data.Reference
	escrowID := ev.Data.Metadata.EscrowID

	charge, err := g.gateway.Verify(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			log.Error("gateway verification unavailable", "error", err)
			return Result{}, err
		}
		log.Warn("gateway verification rejected", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !charge.Successful {
		log.Warn("gateway reports charge not successful", "status", charge.Status)
		return Result{}, fmt.Errorf("%w: status %q", ErrVerificationFailed, charge.Status)
	}
	if charge.Reference != "" && charge.Reference != ref {
		log.Warn("gateway reference differs from payload", "verified_reference", charge.Reference)
		return Result{}, fmt.Errorf("%w: reference mismatch", ErrVerificationFailed)
	}
	if charge.EscrowID != "" && charge.EscrowID != escrowID {
		log.Warn("verified charge belongs to another escrow", "verified_escrow_id", charge.EscrowID)
		return Result{}, fmt.Errorf("%w: escrow metadata mismatch", ErrVerificationFailed)
	}

	if dup, err := g.alreadyRecorded(ctx, ref); err != nil {
		return Result{}, err
	} else if dup {
		log.Info("duplicate webhook delivery acknowledged")
		return Result{Outcome: OutcomeDuplicate, EscrowID: escrowID}, nil
	}

	escrow, err := g.ledger.GetEscrow(ctx, escrowID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("webhook for unknown escrow")
		return Result{}, ErrEscrowNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load escrow: %w", err)
	}
	if escrow.Status != ledger.EscrowPending {
		if dup, derr := g.alreadyRecorded(ctx, ref); derr == nil && dup {
			log.Info("concurrent webhook delivery already funded escrow")
			return Result{Outcome: OutcomeDuplicate, EscrowID: escrowID}, nil
		}
		log.Warn("webhook for escrow not awaiting payment", "status", escrow.Status)
		return Result{}, ErrEscrowNotFound
	}
	if charge.Amount != escrow.Amount {
		log.Warn("verified amount mismatch", "verified_amount", charge.Amount, "escrow_amount", escrow.Amount)
		return Result{}, ErrAmountMismatch
	}

	if _, err := g.funder.Fund(ctx, escrowID, ref, charge.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidState) || errors.Is(err, ledger.ErrDuplicateReference) {
			// Lost a race with a concurrent delivery of the same charge.
			if dup, derr := g.alreadyRecorded(ctx, ref); derr == nil && dup {
				log.Info("concurrent webhook delivery already funded escrow")
				return Result{Outcome: OutcomeDuplicate, EscrowID: escrowID}, nil
			}
			return Result{}, ErrEscrowNotFound
		}
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{}, ErrEscrowNotFound
		}
		return Result{}, fmt.Errorf("fund escrow: %w", err)
	}

	log.Info("escrow funded from gateway charge", "amount", charge.Amount)
	return Result{Outcome: OutcomeFunded, EscrowID: escrowID}, nil
}

func (g *Guard) alreadyRecorded(ctx context.Context, ref string) (bool, error) {
	_, err := g.ledger.GetTransactionByReference(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledger.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
}

func outcomeLabel(res Result, err error) string {
	switch {
	case err == nil:
		return string(res.Outcome)
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}
