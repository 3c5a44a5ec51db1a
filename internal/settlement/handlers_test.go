package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type httpFixture struct {
	*fixture
	router *gin.Engine
	jwt    *auth.Validator
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := newFixture(t)
	v := auth.NewValidator("test-secret", "")

	r := gin.New()
	r.Use(auth.Middleware(v))
	h := NewHandler(f.svc)
	h.RegisterRoutes(r)
	admin := r.Group("/", auth.RequireRole(ledger.RoleAdmin))
	h.RegisterAdminRoutes(admin)

	return &httpFixture{fixture: f, router: r, jwt: v}
}

func (h *httpFixture) bearer(t *testing.T, userID string, role ledger.Role) string {
	t.Helper()
	raw, err := h.jwt.Issue(auth.Identity{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + raw
}

func (h *httpFixture) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHandler_CheckoutConfirmFlow(t *testing.T) {
	h := newHTTPFixture(t)
	buyer := h.bearer(t, "buyer-1", ledger.RoleBuyer)

	w, body := h.do(t, http.MethodPost, "/checkout", buyer, cart(10000))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := body["order"].(map[string]any)
	escrow := body["escrow"].(map[string]any)
	orderID := order["id"].(string)
	assert.Equal(t, "pending", escrow["status"])
	assert.NotContains(t, w.Body.String(), h.events.tokenFor(orderID), "token must never be returned over HTTP")

	_, err := h.svc.Fund(context.Background(), escrow["id"].(string), "ref-1", 10000)
	require.NoError(t, err)
	tok := h.events.tokenFor(orderID)

	w, body = h.do(t, http.MethodPost, "/orders/"+orderID+"/verify-token", buyer, gin.H{"confirmToken": tok})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["isValid"])
	assert.Equal(t, "funded", body["escrowStatus"])
	assert.Equal(t, "processing", body["orderStatus"])
	assert.Equal(t, float64(10000), body["amount"])
	assert.Equal(t, "Seller One", body["seller"].(map[string]any)["name"])

	w, body = h.do(t, http.MethodPost, "/orders/"+orderID+"/confirm", buyer, gin.H{"confirmToken": tok})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(9500), body["amount"])
	assert.Equal(t, "seller-1", body["sellerId"])

	w, body = h.do(t, http.MethodPost, "/orders/"+orderID+"/confirm", buyer, gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_escrow_state", body["error"])
}

func TestHandler_ConfirmErrors(t *testing.T) {
	h := newHTTPFixture(t)
	res, tok := h.funded(t, 10000, "ref-1")
	path := "/orders/" + res.Order.ID + "/confirm"

	w, body := h.do(t, http.MethodPost, path, "", gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_required", body["error"])

	w, _ = h.do(t, http.MethodPost, path, h.bearer(t, "buyer-2", ledger.RoleBuyer), gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodPost, "/orders/"+uuid.NewString()+"/confirm", h.bearer(t, "buyer-1", ledger.RoleBuyer), gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodPost, "/orders/not-a-uuid/confirm", h.bearer(t, "buyer-1", ledger.RoleBuyer), gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = h.do(t, http.MethodPost, path, h.bearer(t, "buyer-1", ledger.RoleBuyer), gin.H{"confirmToken": "wrong"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_token", body["error"])

	require.NoError(t, h.store.SetConfirmToken(context.Background(), res.Escrow.ID, tok, time.Now().Add(-time.Hour)))
	w, body = h.do(t, http.MethodPost, path, h.bearer(t, "buyer-1", ledger.RoleBuyer), gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "expired_token", body["error"])
}

func TestHandler_VerifyTokenInvalid(t *testing.T) {
	h := newHTTPFixture(t)
	res, _ := h.funded(t, 10000, "ref-1")
	buyer := h.bearer(t, "buyer-1", ledger.RoleBuyer)

	w, body := h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/verify-token", buyer, gin.H{"confirmToken": "nope"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["isValid"])
	assert.Equal(t, "invalid_token", body["error"])

	wellFormed := strings.Repeat("0", 64)
	w, body = h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/verify-token", buyer, gin.H{"confirmToken": wellFormed})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "invalid_token", body["error"])

	w, body = h.do(t, http.MethodPost, "/orders/"+uuid.NewString()+"/verify-token", buyer, gin.H{"confirmToken": wellFormed})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["isValid"])

	// Malformed tokens are rejected before the order is looked up.
	w, body = h.do(t, http.MethodPost, "/orders/"+uuid.NewString()+"/verify-token", buyer, gin.H{"confirmToken": "nope"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "invalid_token", body["error"])

	w, _ = h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/verify-token", "", gin.H{"confirmToken": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_MalformedTokenLeavesEscrowFunded(t *testing.T) {
	h := newHTTPFixture(t)
	res, tok := h.funded(t, 10000, "ref-1")
	buyer := h.bearer(t, "buyer-1", ledger.RoleBuyer)

	for _, bad := range []string{"", strings.ToUpper(tok), tok[:63], tok + "0"} {
		w, body := h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/confirm", buyer, gin.H{"confirmToken": bad})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_token", body["error"])

		w, body = h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/report", buyer, gin.H{"confirmToken": bad, "problem": "broken"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_token", body["error"])
	}

	e, err := h.store.GetEscrow(context.Background(), res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFunded, e.Status)

	w, _ := h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/confirm", buyer, gin.H{"confirmToken": tok})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Report(t *testing.T) {
	h := newHTTPFixture(t)
	res, tok := h.funded(t, 10000, "ref-1")
	buyer := h.bearer(t, "buyer-1", ledger.RoleBuyer)
	path := "/orders/" + res.Order.ID + "/report"

	w, body := h.do(t, http.MethodPost, path, buyer, gin.H{"confirmToken": tok, "problem": "item damaged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["reportId"])

	w, body = h.do(t, http.MethodPost, path, buyer, gin.H{"confirmToken": tok, "problem": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])

	w, _ = h.do(t, http.MethodGet, "/orders/"+res.Order.ID, h.bearer(t, "seller-1", ledger.RoleSeller), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"problem_reported"`)
}

func TestHandler_AdminRoutes(t *testing.T) {
	h := newHTTPFixture(t)
	res, _ := h.funded(t, 10000, "ref-1")
	admin := h.bearer(t, "admin-1", ledger.RoleAdmin)
	base := "/admin/escrows/" + res.Escrow.ID

	w, _ := h.do(t, http.MethodGet, base, h.bearer(t, "buyer-1", ledger.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := h.do(t, http.MethodGet, base, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["transactions"], 1)

	w, body = h.do(t, http.MethodPost, base+"/dispute", admin, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])

	w, _ = h.do(t, http.MethodPost, base+"/dispute", admin, gin.H{"reason": "buyer escalated"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = h.do(t, http.MethodPost, base+"/resolve", admin, gin.H{"outcome": "halve"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])

	w, body = h.do(t, http.MethodPost, base+"/resolve", admin, gin.H{"outcome": "refund", "resolution": "no proof of delivery"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", body["escrow"].(map[string]any)["status"])
	assert.Equal(t, int64(10000), h.balance(t, "buyer-1"))

	w, body = h.do(t, http.MethodPost, base+"/dispute", admin, gin.H{"reason": "again"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_escrow_state", body["error"])
}

func TestHandler_ResendConfirmation(t *testing.T) {
	h := newHTTPFixture(t)
	res, oldTok := h.checkout(t, 10000)

	w, _ := h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/resend-confirmation", h.bearer(t, "buyer-1", ledger.RoleBuyer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, oldTok, h.events.tokenFor(res.Order.ID))

	w, _ = h.do(t, http.MethodPost, "/orders/"+res.Order.ID+"/resend-confirmation", h.bearer(t, "seller-1", ledger.RoleSeller), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_MalformedBody(t *testing.T) {
	h := newHTTPFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", h.bearer(t, "buyer-1", ledger.RoleBuyer))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
