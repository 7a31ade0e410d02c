// internal/handler/webhook_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"marketplace-payments/internal/service"
)

const maxWebhookBody = 65536

type WebhookHandler struct {
	service Payments
	secret  string
	logger  *zap.Logger
}

func NewWebhookHandler(service Payments, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		secret:  secret,
		logger:  logger,
	}
}

// StripeWebhook handles POST /api/v1/webhooks/stripe. Only final intent
// events run the confirmation; payment_intent.payment_failed leaves the
// intent payable for another attempt, so it is acknowledged and ignored.
func (h *WebhookHandler) StripeWebhook(c *gin.Context) {
	if h.secret == "" {
		h.logger.Error("webhook received but no signing secret is configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook not configured"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.canceled":
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		h.logger.Warn("webhook event without payment intent",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	result, err := h.service.ConfirmPayment(c.Request.Context(), intent.ID)
	switch {
	case err == nil:
	case service.IsPartialReconciliation(err):
		// captured; the entity backlog is retried by the reconciliation sweep
	case errors.Is(err, service.ErrRecordNotFound):
		h.logger.Warn("webhook for unknown payment",
			zap.String("event_id", event.ID),
			zap.String("transaction_id", intent.ID))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	case errors.Is(err, service.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again"})
		return
	case service.IsValidation(err):
		h.logger.Warn("webhook confirmation rejected",
			zap.String("transaction_id", intent.ID),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	default:
		h.logger.Error("webhook confirmation failed",
			zap.String("transaction_id", intent.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error."})
		return
	}

	h.logger.Info("webhook processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("transaction_id", intent.ID),
		zap.String("status", string(result.Status)))
	c.JSON(http.StatusOK, gin.H{"received": true, "status": result.Status})
}
