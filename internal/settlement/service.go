package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/traces"
)

// Limits on free-text fields supplied by callers.
const (
	MaxProblemLength    = 2000
	MaxReasonLength     = 1000
	MaxLineItems        = 100
	MaxPaymentMethodLen = 32
)

// Service implements settlement business logic.
type Service struct {
	store    ledger.Store
	issuer   *token.Issuer
	verifier *token.Verifier
	feeRate  decimal.Decimal
	sinks    []EventSink
	now      func() time.Time
}

// NewService creates a settlement service.
func NewService(store ledger.Store, issuer *token.Issuer, feeRate decimal.Decimal) *Service {
	return &Service{
		store:    store,
		issuer:   issuer,
		verifier: token.NewVerifier(store),
		feeRate:  feeRate,
		now:      time.Now,
	}
}

// WithSink registers a sink for committed settlement events.
func (s *Service) WithSink(sink EventSink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// FeeRate returns the configured platform fee rate.
func (s *Service) FeeRate() decimal.Decimal { return s.feeRate }

// Checkout creates a pending order and its escrow with a fresh
// confirmation token.
func (s *Service) Checkout(ctx context.Context, buyerID string, req CheckoutRequest) (result *CheckoutResult, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.checkout")
	defer func() { traces.End(span, err) }()

	if buyerID == "" {
		return nil, ErrAuthenticationRequired
	}
	total, err := validateCheckout(buyerID, req)
	if err != nil {
		return nil, err
	}

	buyer, err := s.store.GetUser(ctx, buyerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrAuthenticationRequired
		}
		return nil, fmt.Errorf("load buyer: %w", err)
	}
	seller, err := s.store.GetUser(ctx, req.SellerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown seller", ErrInvalidRequest)
		}
		return nil, fmt.Errorf("load seller: %w", err)
	}
	if seller.Role != ledger.RoleSeller {
		return nil, fmt.Errorf("%w: account is not a seller", ErrInvalidRequest)
	}

	tok, err := s.issuer.Issue()
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &ledger.Order{
		ID:              uuid.NewString(),
		BuyerID:         buyerID,
		SellerID:        seller.ID,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Total:           total,
		Status:          ledger.OrderPending,
		ProblemReports:  []ledger.ProblemReport{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	expires := tok.ExpiresAt
	escrow := &ledger.Escrow{
		ID:                    uuid.NewString(),
		OrderID:               order.ID,
		BuyerID:               buyerID,
		SellerID:              seller.ID,
		Amount:                total,
		Status:                ledger.EscrowPending,
		ConfirmToken:          tok.Value,
		ConfirmTokenExpiresAt: &expires,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	span.SetAttributes(traces.OrderID(order.ID), traces.EscrowID(escrow.ID), traces.Amount(total))

	if err := s.store.CreateCheckout(ctx, order, escrow); err != nil {
		if errors.Is(err, ledger.ErrDuplicateOrder) {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("create checkout: %w", err)
	}

	logging.L(ctx).Info("checkout created", "order_id", order.ID, "escrow_id", escrow.ID, "amount", total)
	s.publish(ctx, Event{
		Type: EventOrderPlaced, Escrow: escrow, Order: order, Buyer: buyer, Seller: seller,
		ConfirmToken: tok.Value, ConfirmTokenExpiresAt: &expires, At: now,
	})

	return &CheckoutResult{Order: order, Escrow: escrow}, nil
}

func validateCheckout(buyerID string, req CheckoutRequest) (int64, error) {
	if req.SellerID == "" {
		return 0, fmt.Errorf("%w: sellerId is required", ErrInvalidRequest)
	}
	if req.SellerID == buyerID {
		return 0, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	}
	if len(req.Items) == 0 || len(req.Items) > MaxLineItems {
		return 0, fmt.Errorf("%w: between 1 and %d items required", ErrInvalidRequest, MaxLineItems)
	}
	if len(req.PaymentMethod) > MaxPaymentMethodLen {
		return 0, fmt.Errorf("%w: paymentMethod too long", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ShippingAddress.Line1) == "" || strings.TrimSpace(req.ShippingAddress.Country) == "" {
		return 0, fmt.Errorf("%w: shipping address line1 and country are required", ErrInvalidRequest)
	}

	var total int64
	for i, li := range req.Items {
		if li.ProductID == "" || li.Quantity <= 0 || li.UnitPrice <= 0 {
			return 0, fmt.Errorf("%w: item %d needs productId, positive quantity and unitPrice", ErrInvalidRequest, i)
		}
		if li.UnitPrice > math.MaxInt64/int64(li.Quantity) {
			return 0, fmt.Errorf("%w: item %d subtotal overflows", ErrInvalidRequest, i)
		}
		sub := li.Subtotal()
		if total > math.MaxInt64-sub {
			return 0, fmt.Errorf("%w: order total overflows", ErrInvalidRequest)
		}
		total += sub
	}
	return total, nil
}

// Fund marks a pending escrow as paid by the charge identified by
// reference. It returns ledger.ErrInvalidState when the escrow is no longer
// pending and ledger.ErrDuplicateReference when the reference is already
// recorded, so the webhook guard can recognise a lost race.
func (s *Service) Fund(ctx context.Context, escrowID, reference string, amount int64) (funded *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.fund", traces.EscrowID(escrowID), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	now := s.now()
	var (
		before *ledger.Escrow
		order  *ledger.Order
	)
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		before = e
		if e.Status != ledger.EscrowPending {
			return ledger.ErrInvalidState
		}
		if amount != e.Amount {
			return fmt.Errorf("%w: funding %d for escrow of %d", ledger.ErrInvalidAmount, amount, e.Amount)
		}

		if err := tx.TransitionEscrow(ctx, ledger.EscrowTransition{
			EscrowID:         e.ID,
			From:             ledger.EscrowPending,
			To:               ledger.EscrowFunded,
			PaymentReference: reference,
			At:               now,
		}); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, e.OrderID, ledger.OrderProcessing, "", now); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := tx.InsertTransaction(ctx, &ledger.Transaction{
			ID:               uuid.NewString(),
			FromUserID:       e.BuyerID,
			ToUserID:         e.SellerID,
			Type:             ledger.TxHeld,
			Amount:           e.Amount,
			PaymentReference: reference,
			Status:           ledger.TxPending,
			EscrowID:         e.ID,
			CreatedAt:        now,
		}); err != nil {
			return err
		}

		if order, err = tx.GetOrder(ctx, e.OrderID); err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Funding has committed, so a failed read-back is only logged.
	funded, reloadErr := s.store.GetEscrow(ctx, escrowID)
	if reloadErr != nil {
		logging.L(ctx).Warn("reload escrow after commit failed", "escrow_id", escrowID, "error", reloadErr)
		funded = fundedCopy(before, reference, now)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(ledger.EscrowPending), string(ledger.EscrowFunded)).Inc()
	logging.L(ctx).Info("escrow funded", "escrow_id", escrowID, "order_id", funded.OrderID, "reference", reference)
	s.publish(ctx, Event{Type: EventEscrowFunded, Escrow: funded, Order: order, At: now})
	return funded, nil
}

// Release pays out a funded escrow to the seller on presentation of the
// buyer's confirmation token. Exactly one of any number of concurrent
// releases for the same escrow succeeds; the rest get
// ErrInvalidEscrowState.
func (s *Service) Release(ctx context.Context, orderID, supplied, callerID string) (result *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.release", traces.OrderID(orderID))
	defer func() {
		traces.End(span, err)
		s.countRejection("release", err)
	}()

	escrow, err := s.authorize(ctx, orderID, supplied, callerID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(escrow.ID), traces.Amount(escrow.Amount))

	sellerAmount, fee := SplitFee(escrow.Amount, s.feeRate)
	now := s.now()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowFunded {
			return ErrInvalidEscrowState
		}
		if err := token.Check(e, supplied, callerID, now); err != nil {
			return err
		}
		return s.payOut(ctx, tx, e, ledger.EscrowTransition{
			EscrowID:       e.ID,
			From:           ledger.EscrowFunded,
			To:             ledger.EscrowReleased,
			ExpectedToken:  supplied,
			BuyerConfirmed: true,
			ClearToken:     true,
			At:             now,
		}, sellerAmount, fee)
	})
	if err != nil {
		return nil, mapLedgerError(err)
	}

	released, order := s.reload(ctx, escrow.ID, orderID)
	s.recordSettled(escrow, ledger.EscrowFunded, ledger.EscrowReleased, sellerAmount, fee, now)
	logging.L(ctx).Info("escrow released",
		"escrow_id", escrow.ID, "order_id", orderID, "seller_id", escrow.SellerID,
		"seller_amount", sellerAmount, "platform_fee", fee)
	s.publish(ctx, Event{
		Type: EventEscrowReleased, Escrow: released, Order: order,
		SellerAmount: sellerAmount, PlatformFee: fee, At: now,
	})

	return &ReleaseResult{Escrow: released, SellerID: escrow.SellerID, SellerAmount: sellerAmount, PlatformFee: fee}, nil
}

// payOut applies a guarded transition to released and performs the ledger
// moves for it: the hold is settled, a payout entry is appended, the seller
// is credited and the order is delivered.
func (s *Service) payOut(ctx context.Context, tx ledger.Tx, e *ledger.Escrow, tr ledger.EscrowTransition, sellerAmount, fee int64) error {
	if err := tx.TransitionEscrow(ctx, tr); err != nil {
		return err
	}
	if err := tx.SettleHold(ctx, e.ID, ledger.TxReleased, sellerAmount, fee, tr.At); err != nil {
		return fmt.Errorf("settle hold: %w", err)
	}
	settled := tr.At
	if err := tx.InsertTransaction(ctx, &ledger.Transaction{
		ID:              uuid.NewString(),
		FromUserID:      PlatformAccount,
		ToUserID:        e.SellerID,
		Type:            ledger.TxReleased,
		Amount:          sellerAmount,
		DisbursedAmount: sellerAmount,
		PlatformFee:     fee,
		Status:          ledger.TxCompleted,
		EscrowID:        e.ID,
		CreatedAt:       tr.At,
		SettledAt:       &settled,
	}); err != nil {
		return fmt.Errorf("record payout: %w", err)
	}
	if err := tx.IncrementBalance(ctx, e.SellerID, sellerAmount); err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}
	if err := tx.SetOrderStatus(ctx, e.OrderID, ledger.OrderDelivered, "", tr.At); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// ReportProblem files a problem against a funded order. The escrow is left
// funded and the token stays valid.
func (s *Service) ReportProblem(ctx context.Context, orderID, supplied, callerID, description string) (report *ledger.ProblemReport, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.report_problem", traces.OrderID(orderID))
	defer func() {
		traces.End(span, err)
		s.countRejection("report", err)
	}()

	if callerID == "" {
		return nil, ErrAuthenticationRequired
	}
	description = strings.TrimSpace(description)
	if description == "" || len(description) > MaxProblemLength {
		return nil, fmt.Errorf("%w: problem description must be 1-%d characters", ErrInvalidRequest, MaxProblemLength)
	}

	escrow, err := s.authorize(ctx, orderID, supplied, callerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pr := ledger.ProblemReport{
		ID:          idgen.WithPrefix("prb_"),
		Description: description,
		Status:      ledger.ProblemPendingReview,
		ReportedAt:  now,
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowFunded {
			return ErrInvalidEscrowState
		}
		if err := token.Check(e, supplied, callerID, now); err != nil {
			return err
		}
		if err := tx.AppendProblemReport(ctx, e.OrderID, pr, now); err != nil {
			return fmt.Errorf("append problem report: %w", err)
		}
		return tx.SetOrderStatus(ctx, e.OrderID, ledger.OrderProblemReported, "", now)
	})
	if err != nil {
		return nil, mapLedgerError(err)
	}

	metrics.ProblemReportsTotal.Inc()
	_, order := s.reload(ctx, escrow.ID, orderID)
	logging.L(ctx).Info("problem reported", "order_id", orderID, "escrow_id", escrow.ID, "report_id", pr.ID)
	s.publish(ctx, Event{Type: EventProblemReported, Escrow: escrow, Order: order, Problem: &pr, At: now})
	return &pr, nil
}

// VerifyToken checks a confirmation token without consuming it.
func (s *Service) VerifyToken(ctx context.Context, orderID, supplied, callerID string) (*TokenStatus, error) {
	if callerID == "" {
		return nil, ErrAuthenticationRequired
	}
	escrow, err := s.verifier.Verify(ctx, orderID, supplied, callerID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapLedgerError(err)
	}

	st := &TokenStatus{
		EscrowStatus: escrow.Status,
		OrderStatus:  order.Status,
		Amount:       escrow.Amount,
		Buyer:        Party{ID: escrow.BuyerID},
		Seller:       Party{ID: escrow.SellerID},
		ExpiresAt:    escrow.ConfirmTokenExpiresAt,
	}
	if u, err := s.store.GetUser(ctx, escrow.BuyerID); err == nil {
		st.Buyer.Name = u.Name
	}
	if u, err := s.store.GetUser(ctx, escrow.SellerID); err == nil {
		st.Seller.Name = u.Name
	}
	return st, nil
}

// ResendConfirmation issues a fresh token for a pending or funded escrow
// and emails it to the buyer. The previous token stops working.
func (s *Service) ResendConfirmation(ctx context.Context, orderID, callerID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.resend_confirmation", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	if callerID == "" {
		return ErrAuthenticationRequired
	}
	escrow, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return mapLedgerError(err)
	}
	if escrow.BuyerID != callerID {
		return ErrNotFound
	}
	if escrow.Status != ledger.EscrowPending && escrow.Status != ledger.EscrowFunded {
		return ErrInvalidEscrowState
	}

	tok, err := s.issuer.Issue()
	if err != nil {
		return err
	}
	if err := s.store.SetConfirmToken(ctx, escrow.ID, tok.Value, tok.ExpiresAt); err != nil {
		return mapLedgerError(err)
	}

	expires := tok.ExpiresAt
	logging.L(ctx).Info("confirmation token reissued", "order_id", orderID, "escrow_id", escrow.ID)
	s.publish(ctx, Event{
		Type: EventConfirmationResent, Escrow: escrow,
		ConfirmToken: tok.Value, ConfirmTokenExpiresAt: &expires, At: s.now(),
	})
	return nil
}

// GetOrder returns an order and its escrow to its buyer, its seller or an
// admin. Anyone else gets ErrNotFound.
func (s *Service) GetOrder(ctx context.Context, orderID, callerID string, role ledger.Role) (*OrderView, error) {
	if callerID == "" {
		return nil, ErrAuthenticationRequired
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	if role != ledger.RoleAdmin && order.BuyerID != callerID && order.SellerID != callerID {
		return nil, ErrNotFound
	}
	escrow, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return &OrderView{Order: order, Escrow: escrow}, nil
}

// GetEscrowDetail returns an escrow with its order and ledger entries.
func (s *Service) GetEscrowDetail(ctx context.Context, escrowID string) (*EscrowDetail, error) {
	escrow, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	order, err := s.store.GetOrder(ctx, escrow.OrderID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	txns, err := s.store.ListTransactionsByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []*ledger.Transaction{}
	}
	return &EscrowDetail{Escrow: escrow, Order: order, Transactions: txns}, nil
}

// authorize runs the pre-transaction checks shared by release and report:
// escrow exists and belongs to the caller, is funded, and the token is
// valid.
func (s *Service) authorize(ctx context.Context, orderID, supplied, callerID string) (*ledger.Escrow, error) {
	if callerID == "" {
		return nil, ErrAuthenticationRequired
	}
	escrow, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	if escrow.BuyerID != callerID {
		return nil, ErrNotFound
	}
	if escrow.Status != ledger.EscrowFunded {
		return nil, ErrInvalidEscrowState
	}
	if err := token.Check(escrow, supplied, callerID, s.now()); err != nil {
		return nil, mapLedgerError(err)
	}
	return escrow, nil
}

func (s *Service) reload(ctx context.Context, escrowID, orderID string) (*ledger.Escrow, *ledger.Order) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		logging.L(ctx).Warn("reload escrow after commit failed", "escrow_id", escrowID, "error", err)
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		logging.L(ctx).Warn("reload order after commit failed", "order_id", orderID, "error", err)
	}
	return e, o
}

// fundedCopy is the post-commit view of a pending escrow that was just
// funded, used when it cannot be read back.
func fundedCopy(e *ledger.Escrow, reference string, at time.Time) *ledger.Escrow {
	c := *e
	c.Status = ledger.EscrowFunded
	c.PaymentReference = reference
	c.UpdatedAt = at
	c.FundedAt = &at
	return &c
}

func (s *Service) recordSettled(before *ledger.Escrow, from, to ledger.EscrowStatus, sellerAmount, fee int64, at time.Time) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if to == ledger.EscrowReleased {
		metrics.ReleasedAmountTotal.Add(float64(sellerAmount))
		metrics.PlatformFeeTotal.Add(float64(fee))
	}
	if before.FundedAt != nil {
		metrics.EscrowTimeToSettle.Observe(at.Sub(*before.FundedAt).Seconds())
	}
}

func (s *Service) countRejection(op string, err error) {
	if err == nil {
		return
	}
	reason := "internal"
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		reason = "unauthenticated"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInvalidToken):
		reason = "invalid_token"
	case errors.Is(err, ErrExpiredToken):
		reason = "expired_token"
	case errors.Is(err, ErrInvalidEscrowState):
		reason = "invalid_state"
	case errors.Is(err, ErrInvalidRequest):
		reason = "invalid_request"
	}
	metrics.EscrowRejectionsTotal.WithLabelValues(op, reason).Inc()
}

// mapLedgerError converts storage errors into the settlement taxonomy.
func mapLedgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ledger.ErrInvalidState):
		return ErrInvalidEscrowState
	default:
		return err
	}
}
