package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway verifies charges by looking up the PaymentIntent whose id
// is used as the payment reference.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe client. An empty baseURL uses Stripe's
// production API. Stripe's own retries are disabled so the circuit breaker
// sees every failure.
func NewStripeGateway(baseURL, secretKey string, httpClient *http.Client) *StripeGateway {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackend(stripe.ConnectBackend),
		Uploads: stripe.GetBackend(stripe.UploadsBackend),
	})
	return &StripeGateway{api: api}
}

func (s *StripeGateway) Name() string { return "stripe" }

func (s *StripeGateway) Verify(ctx context.Context, reference string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			switch {
			case serr.HTTPStatusCode == http.StatusNotFound:
				return nil, ErrChargeNotFound
			case serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == http.StatusTooManyRequests:
				return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
			case serr.HTTPStatusCode >= 400:
				return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	return &Charge{
		Reference:  pi.ID,
		Successful: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Status:     string(pi.Status),
		Amount:     pi.AmountReceived,
		Currency:   string(pi.Currency),
		EscrowID:   pi.Metadata["escrow_id"],
	}, nil
}

var _ Gateway = (*StripeGateway)(nil)
