package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// ErrChargeNotFound is returned by a Gateway that has no record of the
// reference.
var ErrChargeNotFound = errors.New("charge not found")

// Charge is the gateway's authoritative view of a payment.
type Charge struct {
	Reference  string
	Successful bool
	Status     string
	Amount     int64
	Currency   string
	EscrowID   string
}

// Gateway verifies charges with the payment provider.
type Gateway interface {
	Name() string
	// Verify looks up reference. Transport failures must wrap
	// ErrGatewayUnavailable so the caller can ask for redelivery.
	Verify(ctx context.Context, reference string) (*Charge, error)
}

// GuardedGateway bounds each verification with a timeout and sheds load
// through a circuit breaker once the provider keeps failing.
type GuardedGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuardedGateway wraps g. Only ErrGatewayUnavailable counts against the
// breaker; "not found" and declined charges are answers, not outages.
func NewGuardedGateway(g Gateway, breaker *circuitbreaker.Breaker, timeout time.Duration) *GuardedGateway {
	breaker.CountOnly(func(err error) bool { return errors.Is(err, ErrGatewayUnavailable) })
	return &GuardedGateway{inner: g, breaker: breaker, timeout: timeout}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) Verify(ctx context.Context, reference string) (charge *Charge, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.verify", traces.Provider(g.inner.Name()), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	err = g.breaker.Do(g.inner.Name(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		c, verr := g.inner.Verify(callCtx, reference)
		if verr != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(verr, ErrGatewayUnavailable) {
				return fmt.Errorf("%w: %v", ErrGatewayUnavailable, verr)
			}
			return verr
		}
		charge = c
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	metrics.GatewayVerifyDuration.WithLabelValues(g.inner.Name(), verifyResult(err)).Observe(time.Since(start).Seconds())
	return charge, err
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

var _ Gateway = (*GuardedGateway)(nil)
