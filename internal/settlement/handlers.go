package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for checkout, confirmation and admin
// dispute handling.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up buyer/seller routes. The group must run
// auth.Middleware; handlers answer 401 themselves when no identity is set.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/checkout", h.Checkout)

	byOrder := validation.IDParamMiddleware("orderId")
	r.GET("/orders/:orderId", byOrder, h.GetOrder)
	r.POST("/orders/:orderId/confirm", byOrder, h.Confirm)
	r.POST("/orders/:orderId/report", byOrder, h.Report)
	r.POST("/orders/:orderId/verify-token", byOrder, h.VerifyToken)
	r.POST("/orders/:orderId/resend-confirmation", byOrder, h.ResendConfirmation)
}

// RegisterAdminRoutes sets up admin routes. The group must require the
// admin role.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	byEscrow := validation.IDParamMiddleware("escrowId")
	r.GET("/admin/escrows/:escrowId", byEscrow, h.GetEscrow)
	r.POST("/admin/escrows/:escrowId/dispute", byEscrow, h.OpenDispute)
	r.POST("/admin/escrows/:escrowId/resolve", byEscrow, h.ResolveDispute)
}

type tokenRequest struct {
	ConfirmToken string `json:"confirmToken"`
}

type reportRequest struct {
	ConfirmToken string `json:"confirmToken"`
	Problem      string `json:"problem"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Outcome    Outcome `json:"outcome"`
	Resolution string  `json:"resolution"`
}

// Checkout handles POST /checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	res, err := h.service.Checkout(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetOrder handles GET /orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	view, err := h.service.GetOrder(c.Request.Context(), c.Param("orderId"), auth.UserID(c), auth.Role(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Confirm handles POST /orders/:orderId/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	if err := checkTokenShape(c, req.ConfirmToken); err != nil {
		writeError(c, err)
		return
	}

	res, err := h.service.Release(c.Request.Context(), c.Param("orderId"), req.ConfirmToken, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Delivery confirmed and funds released to the seller",
		"amount":      res.SellerAmount,
		"platformFee": res.PlatformFee,
		"sellerId":    res.SellerID,
	})
}

// Report handles POST /orders/:orderId/report
func (h *Handler) Report(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if err := checkTokenShape(c, req.ConfirmToken); err != nil {
		writeError(c, err)
		return
	}
	problem := validation.SanitizeString(req.Problem, validation.MaxStringLength)

	report, err := h.service.ReportProblem(c.Request.Context(), c.Param("orderId"), req.ConfirmToken, auth.UserID(c), problem)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "Problem reported. The seller and our support team have been notified.",
		"reportId": report.ID,
	})
}

// VerifyToken handles POST /orders/:orderId/verify-token
func (h *Handler) VerifyToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	var st *TokenStatus
	err := checkTokenShape(c, req.ConfirmToken)
	if err == nil {
		st, err = h.service.VerifyToken(c.Request.Context(), c.Param("orderId"), req.ConfirmToken, auth.UserID(c))
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"isValid":      true,
			"escrowStatus": st.EscrowStatus,
			"orderStatus":  st.OrderStatus,
			"amount":       st.Amount,
			"seller":       st.Seller,
			"buyer":        st.Buyer,
			"expiresAt":    st.ExpiresAt,
		})
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		_, code, _ := errorResponse(err)
		c.JSON(http.StatusOK, gin.H{"isValid": false, "error": code})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"isValid": false, "error": "not_found"})
	default:
		writeError(c, err)
	}
}

// ResendConfirmation handles POST /orders/:orderId/resend-confirmation
func (h *Handler) ResendConfirmation(c *gin.Context) {
	if err := h.service.ResendConfirmation(c.Request.Context(), c.Param("orderId"), auth.UserID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "A new confirmation link has been sent to your email",
	})
}

// GetEscrow handles GET /admin/escrows/:escrowId
func (h *Handler) GetEscrow(c *gin.Context) {
	detail, err := h.service.GetEscrowDetail(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// OpenDispute handles POST /admin/escrows/:escrowId/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	escrow, err := h.service.OpenDispute(c.Request.Context(), c.Param("escrowId"), auth.UserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /admin/escrows/:escrowId/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if errs := validation.Validate(
		validation.OneOf("outcome", string(req.Outcome), string(OutcomeRelease), string(OutcomeRefund)),
		validation.MaxLength("resolution", req.Resolution, MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("escrowId"), auth.UserID(c), req.Outcome, req.Resolution)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// checkTokenShape rejects anonymous callers and tokens that could never
// have been issued before any store lookup.
func checkTokenShape(c *gin.Context, tok string) error {
	if auth.UserID(c) == "" {
		return ErrAuthenticationRequired
	}
	if !validation.IsValidConfirmToken(tok) {
		return ErrInvalidToken
	}
	return nil
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func writeError(c *gin.Context, err error) {
	status, code, msg := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("settlement request failed",
			"path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func errorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return http.StatusUnauthorized, "authentication_required", "Authentication required"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found", "Order or escrow not found"
	case errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token", "Confirmation token is invalid"
	case errors.Is(err, ErrExpiredToken):
		return http.StatusBadRequest, "expired_token", "Confirmation token has expired"
	case errors.Is(err, ErrInvalidEscrowState):
		return http.StatusBadRequest, "invalid_escrow_state", "Escrow is not in a state that allows this action"
	case errors.Is(err, ErrDuplicateOrder):
		return http.StatusConflict, "duplicate_order", "Order already has an escrow"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}
