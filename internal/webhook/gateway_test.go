package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

func TestPaystackGateway_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transaction/verify/ref-1":
			_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"status":"success","reference":"ref-1","amount":10000,"currency":"NGN","metadata":{"escrow_id":"escrow-1"}}}`))
		case "/transaction/verify/ref-str":
			_, _ = w.Write([]byte(`{"status":true,"data":{"status":"success","reference":"ref-str","amount":500,"metadata":"{\"escrow_id\":\"escrow-2\"}"}}`))
		case "/transaction/verify/ref-abandoned":
			_, _ = w.Write([]byte(`{"status":true,"data":{"status":"abandoned","reference":"ref-abandoned","amount":500,"metadata":""}}`))
		case "/transaction/verify/ref-bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
		case "/transaction/verify/ref-500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewPaystackGateway(srv.URL+"/", "sk_test", srv.Client())
	ctx := context.Background()

	c, err := gw.Verify(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, c.Successful)
	assert.Equal(t, int64(10000), c.Amount)
	assert.Equal(t, "escrow-1", c.EscrowID)
	assert.Equal(t, "NGN", c.Currency)

	c, err = gw.Verify(ctx, "ref-str")
	require.NoError(t, err)
	assert.Equal(t, "escrow-2", c.EscrowID)

	c, err = gw.Verify(ctx, "ref-abandoned")
	require.NoError(t, err)
	assert.False(t, c.Successful)
	assert.Empty(t, c.EscrowID)

	_, err = gw.Verify(ctx, "ref-bad")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = gw.Verify(ctx, "ref-500")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	_, err = gw.Verify(ctx, "ref-missing")
	assert.ErrorIs(t, err, ErrChargeNotFound)
}

func TestPaystackGateway_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewPaystackGateway(url, "sk", nil).Verify(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestStripeGateway_Verify(t *testing.T) {
	stripeErr := func(w http.ResponseWriter, code int, typ string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":{"type":"` + typ + `","message":"test"}}`))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/payment_intents/pi_ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_ok","object":"payment_intent","status":"succeeded","amount":10000,"amount_received":10000,"currency":"ngn","metadata":{"escrow_id":"escrow-1"}}`))
		case "/v1/payment_intents/pi_pending":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_pending","object":"payment_intent","status":"requires_payment_method","amount":10000,"amount_received":0,"currency":"ngn","metadata":{}}`))
		case "/v1/payment_intents/pi_missing":
			stripeErr(w, http.StatusNotFound, "invalid_request_error")
		case "/v1/payment_intents/pi_bad":
			stripeErr(w, http.StatusBadRequest, "invalid_request_error")
		case "/v1/payment_intents/pi_throttled":
			stripeErr(w, http.StatusTooManyRequests, "rate_limit_error")
		default:
			stripeErr(w, http.StatusInternalServerError, "api_error")
		}
	}))
	defer srv.Close()

	gw := NewStripeGateway(srv.URL, "sk_test_123", srv.Client())
	assert.Equal(t, "stripe", gw.Name())
	ctx := context.Background()

	c, err := gw.Verify(ctx, "pi_ok")
	require.NoError(t, err)
	assert.True(t, c.Successful)
	assert.Equal(t, "pi_ok", c.Reference)
	assert.Equal(t, int64(10000), c.Amount)
	assert.Equal(t, "ngn", c.Currency)
	assert.Equal(t, "escrow-1", c.EscrowID)

	c, err = gw.Verify(ctx, "pi_pending")
	require.NoError(t, err)
	assert.False(t, c.Successful)
	assert.Equal(t, "requires_payment_method", c.Status)
	assert.Empty(t, c.EscrowID)

	_, err = gw.Verify(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrChargeNotFound)

	_, err = gw.Verify(ctx, "pi_bad")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = gw.Verify(ctx, "pi_throttled")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	_, err = gw.Verify(ctx, "pi_boom")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

type slowGateway struct{ delay time.Duration }

func (s slowGateway) Name() string { return "slow" }

func (s slowGateway) Verify(ctx context.Context, _ string) (*Charge, error) {
	select {
	case <-time.After(s.delay):
		return &Charge{Successful: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestGuardedGateway_TimeoutIsUnavailable(t *testing.T) {
	g := NewGuardedGateway(slowGateway{delay: time.Second}, circuitbreaker.New(5, time.Minute), 20*time.Millisecond)

	_, err := g.Verify(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestGuardedGateway_OpenBreakerIsUnavailable(t *testing.T) {
	gw := &fakeGateway{err: ErrGatewayUnavailable}
	g := NewGuardedGateway(gw, circuitbreaker.New(2, time.Minute), time.Second)

	for i := 0; i < 2; i++ {
		_, err := g.Verify(context.Background(), "ref")
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	_, err := g.Verify(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
	assert.Equal(t, int32(2), gw.calls.Load(), "open circuit must not reach the gateway")
}

func TestGuardedGateway_NotFoundDoesNotTrip(t *testing.T) {
	gw := &fakeGateway{charges: map[string]*Charge{}}
	b := circuitbreaker.New(1, time.Minute)
	g := NewGuardedGateway(gw, b, time.Second)

	for i := 0; i < 3; i++ {
		_, err := g.Verify(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrChargeNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State("fake"))
}
