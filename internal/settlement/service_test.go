package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/token"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// tokenFor returns the most recently issued confirmation token for an order.
func (r *recorder) tokenFor(orderID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.ConfirmToken != "" && ev.Escrow != nil && ev.Escrow.OrderID == orderID {
			return ev.ConfirmToken
		}
	}
	return ""
}

func (r *recorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type fixture struct {
	svc    *Service
	store  *ledger.MemoryStore
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	for _, u := range []*ledger.User{
		{ID: "buyer-1", Name: "Bola Buyer", Email: "buyer1@example.com", Role: ledger.RoleBuyer},
		{ID: "buyer-2", Name: "Other Buyer", Email: "buyer2@example.com", Role: ledger.RoleBuyer},
		{ID: "seller-1", Name: "Seller One", Email: "seller@example.com", Role: ledger.RoleSeller},
		{ID: "admin-1", Name: "Admin", Email: "admin@example.com", Role: ledger.RoleAdmin},
	} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	rec := &recorder{}
	svc := NewService(store, token.NewIssuer(0), decimal.RequireFromString("0.05")).WithSink(rec)
	return &fixture{svc: svc, store: store, events: rec}
}

func cart(amount int64) CheckoutRequest {
	return CheckoutRequest{
		SellerID:        "seller-1",
		Items:           []ledger.LineItem{{ProductID: "prod-1", Name: "Lamp", Quantity: 1, UnitPrice: amount}},
		ShippingAddress: ledger.Address{Name: "Bola", Line1: "1 Marina", City: "Lagos", Country: "NG"},
		PaymentMethod:   "card",
	}
}

// checkout creates an order for buyer-1 and returns it with its token.
func (f *fixture) checkout(t *testing.T, amount int64) (*CheckoutResult, string) {
	t.Helper()
	res, err := f.svc.Checkout(context.Background(), "buyer-1", cart(amount))
	require.NoError(t, err)
	tok := f.events.tokenFor(res.Order.ID)
	require.NotEmpty(t, tok)
	return res, tok
}

// funded creates an order and funds it with reference ref.
func (f *fixture) funded(t *testing.T, amount int64, ref string) (*CheckoutResult, string) {
	t.Helper()
	res, tok := f.checkout(t, amount)
	_, err := f.svc.Fund(context.Background(), res.Escrow.ID, ref, amount)
	require.NoError(t, err)
	return res, tok
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func TestCheckout_CreatesPendingOrderAndEscrow(t *testing.T) {
	f := newFixture(t)
	req := cart(4000)
	req.Items = append(req.Items, ledger.LineItem{ProductID: "prod-2", Quantity: 3, UnitPrice: 2000})

	res, err := f.svc.Checkout(context.Background(), "buyer-1", req)
	require.NoError(t, err)

	assert.Equal(t, ledger.OrderPending, res.Order.Status)
	assert.Equal(t, int64(10000), res.Order.Total)
	assert.Equal(t, ledger.EscrowPending, res.Escrow.Status)
	assert.Equal(t, int64(10000), res.Escrow.Amount)
	assert.Equal(t, res.Order.ID, res.Escrow.OrderID)
	require.NotNil(t, res.Escrow.ConfirmTokenExpiresAt)
	assert.WithinDuration(t, time.Now().Add(token.DefaultTTL), *res.Escrow.ConfirmTokenExpiresAt, time.Minute)

	ev, ok := f.events.last(EventOrderPlaced)
	require.True(t, ok)
	assert.Len(t, ev.ConfirmToken, 64)
	require.NotNil(t, ev.Buyer)
	require.NotNil(t, ev.Seller)
	assert.Equal(t, "buyer1@example.com", ev.Buyer.Email)
	assert.Equal(t, "Seller One", ev.Seller.Name)
}

func TestCheckout_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		buyer string
		req   func() CheckoutRequest
		want  error
	}{
		{"anonymous", "", func() CheckoutRequest { return cart(100) }, ErrAuthenticationRequired},
		{"unknown buyer", "ghost", func() CheckoutRequest { return cart(100) }, ErrAuthenticationRequired},
		{"unknown seller", "buyer-1", func() CheckoutRequest {
			r := cart(100)
			r.SellerID = "nobody"
			return r
		}, ErrInvalidRequest},
		{"seller is not a seller", "buyer-1", func() CheckoutRequest {
			r := cart(100)
			r.SellerID = "admin-1"
			return r
		}, ErrInvalidRequest},
		{"buyer is seller", "seller-1", func() CheckoutRequest { return cart(100) }, ErrInvalidRequest},
		{"no items", "buyer-1", func() CheckoutRequest {
			r := cart(100)
			r.Items = nil
			return r
		}, ErrInvalidRequest},
		{"zero quantity", "buyer-1", func() CheckoutRequest {
			r := cart(100)
			r.Items[0].Quantity = 0
			return r
		}, ErrInvalidRequest},
		{"negative price", "buyer-1", func() CheckoutRequest { return cart(-5) }, ErrInvalidRequest},
		{"no address", "buyer-1", func() CheckoutRequest {
			r := cart(100)
			r.ShippingAddress = ledger.Address{}
			return r
		}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Checkout(ctx, tt.buyer, tt.req())
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.events.types())
}

func TestSettlement_FundAndReleaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, tok := f.checkout(t, 10000)
	funded, err := f.svc.Fund(ctx, res.Escrow.ID, "ref-1", 10000)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, funded.Status)
	assert.Equal(t, "ref-1", funded.PaymentReference)
	require.NotNil(t, funded.FundedAt)

	order, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderProcessing, order.Status)

	held, err := f.store.GetTransactionByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxHeld, held.Type)
	assert.Equal(t, ledger.TxPending, held.Status)
	assert.Equal(t, int64(10000), held.Amount)

	rel, err := f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9500), rel.SellerAmount)
	assert.Equal(t, int64(500), rel.PlatformFee)
	assert.Equal(t, "seller-1", rel.SellerID)
	assert.Equal(t, ledger.EscrowReleased, rel.Escrow.Status)
	assert.True(t, rel.Escrow.ReleaseConditions.BuyerConfirmation)
	assert.False(t, rel.Escrow.HasToken())
	assert.NotNil(t, rel.Escrow.ResolvedAt)

	assert.Equal(t, int64(9500), f.balance(t, "seller-1"))
	assert.Equal(t, int64(0), f.balance(t, "buyer-1"))

	order, err = f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderDelivered, order.Status)

	txns, err := f.store.ListTransactionsByEscrow(ctx, res.Escrow.ID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	hold, payout := txns[0], txns[1]
	assert.Equal(t, ledger.TxReleased, hold.Type)
	assert.Equal(t, ledger.TxCompleted, hold.Status)
	assert.Equal(t, int64(10000), hold.Amount)
	assert.Equal(t, int64(9500), hold.DisbursedAmount)
	assert.Equal(t, int64(500), hold.PlatformFee)
	assert.Equal(t, PlatformAccount, payout.FromUserID)
	assert.Equal(t, "seller-1", payout.ToUserID)
	assert.Equal(t, int64(9500), payout.Amount)

	assert.Equal(t, []EventType{EventOrderPlaced, EventEscrowFunded, EventEscrowReleased}, f.events.types())
	ev, _ := f.events.last(EventEscrowReleased)
	assert.Equal(t, int64(9500), ev.SellerAmount)
	assert.Equal(t, int64(500), ev.PlatformFee)
}

func TestRelease_TokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, tok := f.funded(t, 10000, "ref-1")

	_, err := f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	require.NoError(t, err)

	_, err = f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)
	assert.Equal(t, int64(9500), f.balance(t, "seller-1"))
}

func TestRelease_ConcurrentDoubleRelease(t *testing.T) {
	f := newFixture(t)
	res, tok := f.funded(t, 10000, "ref-1")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Release(context.Background(), res.Order.ID, tok, "buyer-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidEscrowState):
				invalid++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, invalid)
	assert.Empty(t, other)
	assert.Equal(t, int64(9500), f.balance(t, "seller-1"))

	txns, err := f.store.ListTransactionsByEscrow(context.Background(), res.Escrow.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestRelease_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, pendingTok := f.checkout(t, 10000)
	funded, tok := f.funded(t, 10000, "ref-1")

	tests := []struct {
		name    string
		orderID string
		token   string
		caller  string
		want    error
	}{
		{"anonymous", funded.Order.ID, tok, "", ErrAuthenticationRequired},
		{"unknown order", uuid.NewString(), tok, "buyer-1", ErrNotFound},
		{"not the buyer", funded.Order.ID, tok, "buyer-2", ErrNotFound},
		{"seller cannot confirm", funded.Order.ID, tok, "seller-1", ErrNotFound},
		{"not yet funded", pending.Order.ID, pendingTok, "buyer-1", ErrInvalidEscrowState},
		{"wrong token", funded.Order.ID, pendingTok, "buyer-1", ErrInvalidToken},
		{"empty token", funded.Order.ID, "", "buyer-1", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Release(ctx, tt.orderID, tt.token, tt.caller)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	e, err := f.store.GetEscrow(ctx, funded.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, e.Status)
	assert.Equal(t, int64(0), f.balance(t, "seller-1"))
}

func TestRelease_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, tok := f.funded(t, 10000, "ref-1")

	require.NoError(t, f.store.SetConfirmToken(ctx, res.Escrow.ID, tok, time.Now().Add(-time.Minute)))

	_, err := f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	assert.ErrorIs(t, err, ErrExpiredToken)

	// a wrong token is reported as invalid, not expired
	_, err = f.svc.Release(ctx, res.Order.ID, "deadbeef", "buyer-1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	e, err := f.store.GetEscrow(ctx, res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, e.Status)
}

func TestVerifyToken_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, tok := f.funded(t, 10000, "ref-1")

	for i := 0; i < 2; i++ {
		st, err := f.svc.VerifyToken(ctx, res.Order.ID, tok, "buyer-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.EscrowFunded, st.EscrowStatus)
		assert.Equal(t, ledger.OrderProcessing, st.OrderStatus)
		assert.Equal(t, int64(10000), st.Amount)
		assert.Equal(t, Party{ID: "seller-1", Name: "Seller One"}, st.Seller)
		assert.Equal(t, Party{ID: "buyer-1", Name: "Bola Buyer"}, st.Buyer)
	}

	e, err := f.store.GetEscrow(ctx, res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, tok, e.ConfirmToken)

	_, err = f.svc.VerifyToken(ctx, res.Order.ID, "nope", "buyer-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.VerifyToken(ctx, res.Order.ID, tok, "buyer-2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.VerifyToken(ctx, res.Order.ID, tok, "")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	require.NoError(t, f.store.SetConfirmToken(ctx, res.Escrow.ID, tok, time.Now().Add(-time.Second)))
	_, err = f.svc.VerifyToken(ctx, res.Order.ID, tok, "buyer-1")
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestReportProblem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, tok := f.funded(t, 10000, "ref-1")

	report, err := f.svc.ReportProblem(ctx, res.Order.ID, tok, "buyer-1", "item damaged")
	require.NoError(t, err)
	assert.Equal(t, ledger.ProblemPendingReview, report.Status)

	order, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderProblemReported, order.Status)
	require.Len(t, order.ProblemReports, 1)
	assert.Equal(t, "item damaged", order.ProblemReports[0].Description)

	e, err := f.store.GetEscrow(ctx, res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, e.Status)
	assert.Equal(t, tok, e.ConfirmToken)

	ev, ok := f.events.last(EventProblemReported)
	require.True(t, ok)
	assert.Equal(t, "item damaged", ev.Problem.Description)
	require.NotNil(t, ev.Seller)

	// a second report appends
	_, err = f.svc.ReportProblem(ctx, res.Order.ID, tok, "buyer-1", "still broken")
	require.NoError(t, err)
	order, _ = f.store.GetOrder(ctx, res.Order.ID)
	assert.Len(t, order.ProblemReports, 2)

	// the token still releases after a report
	_, err = f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	require.NoError(t, err)
}

func TestReportProblem_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, pendingTok := f.checkout(t, 10000)
	res, tok := f.funded(t, 10000, "ref-1")

	_, err := f.svc.ReportProblem(ctx, res.Order.ID, tok, "", "broken")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = f.svc.ReportProblem(ctx, res.Order.ID, tok, "buyer-1", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.ReportProblem(ctx, res.Order.ID, "bad", "buyer-1", "broken")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.ReportProblem(ctx, pending.Order.ID, pendingTok, "buyer-1", "broken")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)

	order, _ := f.store.GetOrder(ctx, res.Order.ID)
	assert.Empty(t, order.ProblemReports)
}

func TestFund_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.checkout(t, 10000)
	second, _ := f.checkout(t, 10000)

	_, err := f.svc.Fund(ctx, first.Escrow.ID, "ref-1", 9000)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.svc.Fund(ctx, first.Escrow.ID, "ref-1", 10000)
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, first.Escrow.ID, "ref-2", 10000)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.svc.Fund(ctx, second.Escrow.ID, "ref-1", 10000)
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
	e, _ := f.store.GetEscrow(ctx, second.Escrow.ID)
	assert.Equal(t, ledger.EscrowPending, e.Status, "failed fund must roll back")
	o, _ := f.store.GetOrder(ctx, second.Order.ID)
	assert.Equal(t, ledger.OrderPending, o.Status)

	_, err = f.svc.Fund(ctx, uuid.NewString(), "ref-3", 10000)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// flakyReads fails plain escrow reads once armed. Reads inside WithTx go
// through the Tx and are unaffected.
type flakyReads struct {
	*ledger.MemoryStore
	armed atomic.Bool
}

func (s *flakyReads) GetEscrow(ctx context.Context, id string) (*ledger.Escrow, error) {
	if s.armed.Load() {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.GetEscrow(ctx, id)
}

func TestFund_ReloadFailureAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.checkout(t, 10000)

	store := &flakyReads{MemoryStore: f.store}
	rec := &recorder{}
	svc := NewService(store, token.NewIssuer(0), decimal.RequireFromString("0.05")).WithSink(rec)

	store.armed.Store(true)
	funded, err := svc.Fund(ctx, res.Escrow.ID, "ref-1", 10000)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, funded.Status)
	assert.Equal(t, "ref-1", funded.PaymentReference)
	require.NotNil(t, funded.FundedAt)

	ev, ok := rec.last(EventEscrowFunded)
	require.True(t, ok)
	assert.Equal(t, ledger.EscrowFunded, ev.Escrow.Status)

	e, err := f.store.GetEscrow(ctx, res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, e.Status)
}

func TestDispute_RefundFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, tok := f.funded(t, 10000, "ref-1")

	e, err := f.svc.OpenDispute(ctx, res.Escrow.ID, "admin-1", "buyer says never arrived")
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowDisputed, e.Status)
	require.NotNil(t, e.Dispute)
	assert.Equal(t, ledger.DisputeOpen, e.Dispute.Status)

	_, err = f.svc.Release(ctx, res.Order.ID, tok, "buyer-1")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)

	e, err = f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", OutcomeRefund, "carrier lost parcel")
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, e.Status)
	assert.Equal(t, ledger.DisputeResolved, e.Dispute.Status)
	assert.Equal(t, "carrier lost parcel", e.Dispute.Resolution)
	assert.False(t, e.HasToken())

	assert.Equal(t, int64(10000), f.balance(t, "buyer-1"))
	assert.Equal(t, int64(0), f.balance(t, "seller-1"))

	order, _ := f.store.GetOrder(ctx, res.Order.ID)
	assert.Equal(t, ledger.OrderCancelled, order.Status)
	assert.Equal(t, "carrier lost parcel", order.CancellationReason)

	txns, _ := f.store.ListTransactionsByEscrow(ctx, res.Escrow.ID)
	require.Len(t, txns, 2)
	assert.Equal(t, ledger.TxRefunded, txns[0].Type)
	assert.Equal(t, int64(10000), txns[0].DisbursedAmount)
	assert.Equal(t, "buyer-1", txns[1].ToUserID)

	assert.Contains(t, f.events.types(), EventDisputeOpened)
	assert.Contains(t, f.events.types(), EventEscrowRefunded)

	_, err = f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", OutcomeRelease, "")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)
}

func TestDispute_ReleaseFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.funded(t, 10000, "ref-1")

	_, err := f.svc.OpenDispute(ctx, res.Escrow.ID, "admin-1", "seller claims delivery")
	require.NoError(t, err)

	e, err := f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", OutcomeRelease, "tracking shows delivered")
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, e.Status)
	assert.Equal(t, int64(9500), f.balance(t, "seller-1"))

	order, _ := f.store.GetOrder(ctx, res.Order.ID)
	assert.Equal(t, ledger.OrderDelivered, order.Status)

	ev, ok := f.events.last(EventEscrowReleased)
	require.True(t, ok)
	assert.Equal(t, int64(500), ev.PlatformFee)
}

func TestDispute_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, _ := f.checkout(t, 10000)
	res, _ := f.funded(t, 10000, "ref-1")

	_, err := f.svc.OpenDispute(ctx, pending.Escrow.ID, "admin-1", "why")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)
	_, err = f.svc.OpenDispute(ctx, res.Escrow.ID, "admin-1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.OpenDispute(ctx, uuid.NewString(), "admin-1", "why")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", "split", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", OutcomeRelease, "")
	assert.ErrorIs(t, err, ErrInvalidEscrowState, "release requires an open dispute")
	_, err = f.svc.ResolveDispute(ctx, pending.Escrow.ID, "admin-1", OutcomeRefund, "")
	assert.ErrorIs(t, err, ErrInvalidEscrowState)

	// refund straight from funded is allowed
	e, err := f.svc.ResolveDispute(ctx, res.Escrow.ID, "admin-1", OutcomeRefund, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, e.Status)
	order, _ := f.store.GetOrder(ctx, res.Order.ID)
	assert.Equal(t, "refunded by admin", order.CancellationReason)
}

func TestResendConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, oldTok := f.funded(t, 10000, "ref-1")

	require.NoError(t, f.svc.ResendConfirmation(ctx, res.Order.ID, "buyer-1"))
	newTok := f.events.tokenFor(res.Order.ID)
	require.NotEqual(t, oldTok, newTok)

	_, err := f.svc.VerifyToken(ctx, res.Order.ID, oldTok, "buyer-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.VerifyToken(ctx, res.Order.ID, newTok, "buyer-1")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.ResendConfirmation(ctx, res.Order.ID, "buyer-2"), ErrNotFound)
	assert.ErrorIs(t, f.svc.ResendConfirmation(ctx, res.Order.ID, ""), ErrAuthenticationRequired)

	_, err = f.svc.Release(ctx, res.Order.ID, newTok, "buyer-1")
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.ResendConfirmation(ctx, res.Order.ID, "buyer-1"), ErrInvalidEscrowState)
}

func TestGetOrder_Access(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.checkout(t, 10000)

	for _, caller := range []struct {
		id   string
		role ledger.Role
	}{{"buyer-1", ledger.RoleBuyer}, {"seller-1", ledger.RoleSeller}, {"admin-1", ledger.RoleAdmin}} {
		view, err := f.svc.GetOrder(ctx, res.Order.ID, caller.id, caller.role)
		require.NoError(t, err, caller.id)
		assert.Equal(t, res.Escrow.ID, view.Escrow.ID)
	}

	_, err := f.svc.GetOrder(ctx, res.Order.ID, "buyer-2", ledger.RoleBuyer)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetOrder(ctx, uuid.NewString(), "buyer-1", ledger.RoleBuyer)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetEscrowDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.funded(t, 10000, "ref-1")

	d, err := f.svc.GetEscrowDetail(ctx, res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, d.Order.ID)
	require.Len(t, d.Transactions, 1)
	assert.Equal(t, "ref-1", d.Transactions[0].PaymentReference)

	_, err = f.svc.GetEscrowDetail(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublish_SinkPanicDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.svc.WithSink(SinkFunc(func(context.Context, Event) { panic("smtp exploded") }))
	after := &recorder{}
	f.svc.WithSink(after)

	res, err := f.svc.Checkout(context.Background(), "buyer-1", cart(100))
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, []EventType{EventOrderPlaced}, after.types())
}
