// internal/handler/payment_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/service"
)

// IdempotencyKeyHeader carries the client's request key for intent creation.
const IdempotencyKeyHeader = "Idempotency-Key"

// Payments is the part of service.PaymentService the HTTP layer uses.
type Payments interface {
	CreatePayment(ctx context.Context, req models.CreatePaymentRequest) (*models.CreatePaymentResult, error)
	ConfirmPayment(ctx context.Context, transactionID string) (*models.ConfirmResult, error)
	GetPayment(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	ResyncEntity(ctx context.Context, transactionID string) (*models.ConfirmResult, error)
}

type PaymentHandler struct {
	service     Payments
	minorDigits int32
	logger      *zap.Logger
}

func NewPaymentHandler(service Payments, minorDigits int32, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:     service,
		minorDigits: minorDigits,
		logger:      logger,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var body models.PaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := service.ParseCreateRequest(&body, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		h.writeError(c, "failed to create payment", err)
		return
	}

	result, err := h.service.CreatePayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "failed to create payment", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"clientSecret":    result.ClientSecret,
		"paymentIntentId": result.TransactionID,
		"message":         "PaymentIntent created.",
	})
}

// ConfirmPayment handles POST /api/v1/payments/confirm
func (h *PaymentHandler) ConfirmPayment(c *gin.Context) {
	var req models.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing paymentIntentId"})
		return
	}

	result, err := h.service.ConfirmPayment(c.Request.Context(), req.PaymentIntentID)
	if err != nil && !service.IsPartialReconciliation(err) {
		h.writeError(c, "failed to confirm payment", err)
		return
	}

	switch result.Status {
	case models.PaymentStatusFailed:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":           "Payment did not succeed",
			"status":          result.Status,
			"paymentIntentId": result.TransactionID,
		})
		return
	case models.PaymentStatusPending:
		c.JSON(http.StatusAccepted, gin.H{
			"message":         "Payment is processing",
			"status":          result.Status,
			"paymentIntentId": result.TransactionID,
		})
		return
	}

	c.JSON(http.StatusOK, h.confirmBody(result, "Payment confirmed"))
}

// GetPayment handles GET /api/v1/payments/:transactionId
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		h.writeError(c, "failed to load payment", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ResyncEntity handles POST /api/v1/payments/:transactionId/resync
func (h *PaymentHandler) ResyncEntity(c *gin.Context) {
	result, err := h.service.ResyncEntity(c.Request.Context(), c.Param("transactionId"))
	if err != nil && !service.IsPartialReconciliation(err) {
		h.writeError(c, "failed to resync payment", err)
		return
	}

	c.JSON(http.StatusOK, h.confirmBody(result, "Payment resynced"))
}

func (h *PaymentHandler) confirmBody(result *models.ConfirmResult, message string) gin.H {
	body := gin.H{
		"success":         true,
		"message":         message,
		"paymentIntentId": result.TransactionID,
		"type":            result.Kind,
		"status":          result.Status,
		"adminCommission": result.Commission.StringFixed(h.minorDigits),
	}
	if result.EntitySyncPending {
		body["entitySyncPending"] = true
	}
	return body
}

// writeError maps service errors to status codes. Only validation reasons are
// shown to the caller verbatim.
func (h *PaymentHandler) writeError(c *gin.Context, msg string, err error) {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Reason})
	case errors.Is(err, service.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment record not found"})
	case errors.Is(err, service.ErrGatewayUnavailable):
		h.logger.Warn(msg, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment gateway unavailable, try again"})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error."})
	}
}
