package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// PaystackGateway verifies charges with Paystack's
// GET /transaction/verify/:reference endpoint.
type PaystackGateway struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

// NewPaystackGateway creates a client. The per-call deadline comes from the
// context (see GuardedGateway); client may be nil.
func NewPaystackGateway(baseURL, secretKey string, client *http.Client) *PaystackGateway {
	if client == nil {
		client = &http.Client{}
	}
	return &PaystackGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    client,
	}
}

func (p *PaystackGateway) Name() string { return "paystack" }

type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string          `json:"status"`
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

func (p *PaystackGateway) Verify(ctx context.Context, reference string) (*Charge, error) {
	endpoint := p.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrChargeNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrVerificationFailed, resp.StatusCode)
	}

	var out paystackVerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if !out.Status {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, out.Message)
	}

	return &Charge{
		Reference:  out.Data.Reference,
		Successful: out.Data.Status == "success",
		Status:     out.Data.Status,
		Amount:     out.Data.Amount,
		Currency:   out.Data.Currency,
		EscrowID:   paystackEscrowID(out.Data.Metadata),
	}, nil
}

// paystackEscrowID extracts metadata.escrow_id. Paystack sends metadata as
// an object, an empty string, or a JSON-encoded string of an object.
func paystackEscrowID(raw json.RawMessage) string {
	var meta EventMetadata
	if err := json.Unmarshal(raw, &meta); err == nil {
		return meta.EscrowID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err == nil {
			return meta.EscrowID
		}
	}
	return ""
}

var _ Gateway = (*PaystackGateway)(nil)
