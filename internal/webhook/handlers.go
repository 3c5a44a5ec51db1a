package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
)

// maxBodyBytes caps webhook bodies; gateway payloads are a few KB.
const maxBodyBytes = 64 << 10

// Handler exposes the gateway webhook endpoint.
type Handler struct {
	guard  *Guard
	schema *Schema
	secret string
}

// NewHandler creates a webhook handler. When secret is non-empty every
// delivery must carry a valid SignatureHeader.
func NewHandler(guard *Guard, schema *Schema, secret string) *Handler {
	return &Handler{guard: guard, schema: schema, secret: secret}
}

// RegisterRoutes mounts the webhook route. It must not sit behind user
// authentication.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Unreadable or oversized request body",
		})
		return
	}

	if h.secret != "" && !VerifySignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		logging.L(c.Request.Context()).Warn("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	ev, err := h.schema.Decode(body)
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook payload rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Webhook payload does not match the expected schema",
		})
		return
	}

	res, err := h.guard.Ingest(c.Request.Context(), ev)
	if err != nil {
		status, code, msg := errorResponse(err)
		if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
			logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}

	switch res.Outcome {
	case OutcomeFunded:
		c.JSON(http.StatusOK, gin.H{"success": true})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func errorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable", "Payment gateway unavailable, retry later"
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "escrow_not_found", "Escrow not found"
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch", "Payment amount does not match escrow"
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusBadRequest, "gateway_verification_failed", "Payment could not be verified"
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload", "Invalid webhook payload"
	default:
		return http.StatusInternalServerError, "internal_error", "Failed to process webhook"
	}
}
