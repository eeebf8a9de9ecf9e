package order

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/techswap/marketplace/internal/authz"
	"github.com/techswap/marketplace/internal/catalog"
	"github.com/techswap/marketplace/internal/identity"
	"github.com/techswap/marketplace/internal/logging"
	"github.com/techswap/marketplace/internal/pagination"
	"github.com/techswap/marketplace/internal/paygate"
)

// IPN acknowledgement codes expected by the gateway.
const (
	IPNConfirmed        = "00"
	IPNOrderNotFound    = "01"
	IPNAlreadyConfirmed = "02"
	IPNInvalidAmount    = "04"
	IPNInvalidSignature = "97"
	IPNUnknownError     = "99"
)

// Handler provides HTTP endpoints for orders and gateway callbacks.
type Handler struct {
	service     *Service
	frontendURL string
	mock        bool
}

// NewHandler creates a new order handler. frontendURL is where browser
// payment returns are redirected.
func NewHandler(service *Service, frontendURL string) *Handler {
	return &Handler{service: service, frontendURL: strings.TrimRight(frontendURL, "/")}
}

// WithMockPayments registers the development payment simulator route.
func (h *Handler) WithMockPayments(enabled bool) *Handler {
	h.mock = enabled
	return h
}

// RegisterRoutes sets up public gateway callback routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/ipn", h.IPN)
	r.GET("/payments/return", h.Return)
}

// RegisterProtectedRoutes sets up authenticated order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/transactions", h.ListTransactions)
	r.POST("/orders/:id/payment-url", h.PaymentURL)
	r.POST("/orders/:id/ship", h.ShipOrder)
	r.POST("/orders/:id/confirm", h.ConfirmOrder)
	r.POST("/orders/:id/dispute", h.DisputeOrder)
	r.POST("/orders/:id/release", h.ReleaseEscrow)
	if h.mock {
		r.POST("/payments/mock-success", h.MockSuccess)
	}
}

// RegisterAdminRoutes sets up operator routes. The group must already
// require the operator role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/refund", h.RefundOrder)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "productId and shippingAddress are required",
		})
		return
	}
	req.ClientIP = c.ClientIP()

	result, err := h.service.CreateOrder(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"orderId":    result.Order.ID,
		"paymentUrl": result.PaymentURL,
		"amount":     result.Order.Amount,
		"order":      result.Order,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	o, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders?role=buyer|seller&status=&page=&limit=
func (h *Handler) ListOrders(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	orders, meta, err := h.service.List(c.Request.Context(), actor, ListQuery{
		Role:   c.Query("role"),
		Status: Status(c.Query("status")),
		Page:   pagination.Parse(c.Query("page"), c.Query("limit")),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "pagination": meta})
}

// ListTransactions handles GET /v1/orders/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	txs, err := h.service.Transactions(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// PaymentURL handles POST /v1/orders/:id/payment-url
func (h *Handler) PaymentURL(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	payURL, err := h.service.PaymentURL(c.Request.Context(), actor, c.Param("id"), c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentUrl": payURL})
}

// ShipRequest carries the seller's tracking number.
type ShipRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

// ShipOrder handles POST /v1/orders/:id/ship
func (h *Handler) ShipOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Ship(c.Request.Context(), actor, c.Param("id"), req.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmOrder handles POST /v1/orders/:id/confirm
func (h *Handler) ConfirmOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	o, err := h.service.Confirm(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DisputeRequest is the buyer's complaint.
type DisputeRequest struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

// DisputeOrder handles POST /v1/orders/:id/dispute
func (h *Handler) DisputeOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Dispute(c.Request.Context(), actor, c.Param("id"), req.Reason, req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ReleaseEscrow handles POST /v1/orders/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	o, err := h.service.Release(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RefundRequest explains an operator refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// RefundOrder handles POST /v1/admin/orders/:id/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Refund(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// MockSuccessRequest names the order to mark paid.
type MockSuccessRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// MockSuccess handles POST /v1/payments/mock-success (development only)
func (h *Handler) MockSuccess(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req MockSuccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId is required",
		})
		return
	}
	result, err := h.service.MockPayment(c.Request.Context(), actor, req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// IPN handles GET /v1/payments/ipn, the gateway's server-to-server
// notification. It always answers 200 with the gateway's ack format.
func (h *Handler) IPN(c *gin.Context) {
	result, err := h.service.HandleGatewayCallback(c.Request.Context(), SourceIPN, paygate.Flatten(c.Request.URL.Query()))
	code, message := ipnAck(result, err)
	if code == IPNUnknownError {
		logging.L(c.Request.Context()).Error("ipn processing failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"RspCode": code, "Message": message})
}

func ipnAck(result *CallbackResult, err error) (string, string) {
	switch {
	case err == nil && result.Duplicate:
		return IPNAlreadyConfirmed, "Order already confirmed"
	case err == nil:
		return IPNConfirmed, "Confirm Success"
	case errors.Is(err, paygate.ErrInvalidSignature), errors.Is(err, paygate.ErrMalformedCallback):
		return IPNInvalidSignature, "Invalid signature"
	case errors.Is(err, ErrOrderNotFound):
		return IPNOrderNotFound, "Order not found"
	case errors.Is(err, ErrAmountMismatch):
		return IPNInvalidAmount, "Invalid amount"
	default:
		return IPNUnknownError, "Unknown error"
	}
}

// Return handles GET /v1/payments/return, the buyer's browser coming back
// from the checkout page. It redirects to the frontend result page.
func (h *Handler) Return(c *gin.Context) {
	result, err := h.service.HandleGatewayCallback(c.Request.Context(), SourceReturn, paygate.Flatten(c.Request.URL.Query()))

	q := url.Values{}
	page := "failed"
	switch {
	case err != nil:
		logging.L(c.Request.Context()).Warn("payment return rejected", "error", err)
		q.Set("reason", returnReason(err))
	default:
		q.Set("orderId", result.Order.ID)
		if result.Success {
			page = "success"
		} else {
			q.Set("code", c.Query("vnp_ResponseCode"))
		}
	}
	c.Redirect(http.StatusFound, h.frontendURL+"/payment/"+page+"?"+q.Encode())
}

func returnReason(err error) string {
	switch {
	case errors.Is(err, paygate.ErrInvalidSignature), errors.Is(err, paygate.ErrMalformedCallback):
		return "invalid_signature"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrAmountMismatch):
		return "invalid_amount"
	default:
		return "error"
	}
}

func requireActor(c *gin.Context) (authz.Actor, bool) {
	actor, ok := identity.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return authz.Actor{}, false
	}
	return actor, true
}

// writeError translates service errors into the API's JSON error shape.
func writeError(c *gin.Context, err error) {
	var (
		conflict   *StateConflictError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": validation.Error(),
			"field":   validation.Field,
		})
	case errors.Is(err, authz.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not allowed to perform this action on this order",
		})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, catalog.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "product_not_found",
			"message": "Product not found",
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "state_conflict",
			"message": conflict.Error(),
			"current": conflict.Current,
			"event":   conflict.Event,
		})
	case errors.Is(err, ErrPaymentExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_expired",
			"message": "The payment window for this order has closed",
		})
	case errors.Is(err, catalog.ErrProductUnavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "product_unavailable",
			"message": "Product is no longer available",
		})
	case errors.Is(err, ErrSelfPurchase):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "self_purchase",
			"message": "You cannot buy your own product",
		})
	case errors.Is(err, ErrAmountMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "amount_mismatch",
			"message": "Paid amount does not match the order",
		})
	case errors.Is(err, paygate.ErrInvalidSignature), errors.Is(err, paygate.ErrMalformedCallback):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Gateway signature verification failed",
		})
	case errors.Is(err, ErrMockPaymentsDisabled):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Mock payments are disabled",
		})
	default:
		logging.L(c.Request.Context()).Error("order request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
