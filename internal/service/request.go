// internal/service/request.go
package service

import (
	"github.com/shopspring/decimal"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
)

// ParseCreateRequest turns the flat request body into a CreatePaymentRequest
// whose Target carries exactly the fields its kind requires.
func ParseCreateRequest(body *models.PaymentRequest, requestKey string) (models.CreatePaymentRequest, error) {
	if body.Price == nil || body.Type == "" {
		return models.CreatePaymentRequest{}, invalid("Price and type are required.")
	}

	kind, ok := models.ParseKind(body.Type)
	if !ok {
		return models.CreatePaymentRequest{}, invalid("Unknown payment type %q.", body.Type)
	}

	var target models.Target
	switch kind {
	case models.KindDonation:
		target = models.DonationTarget{}
	case models.KindOrder:
		if body.OrderID == "" {
			return models.CreatePaymentRequest{}, invalid("Order ID is required for order payments.")
		}
		target = models.OrderTarget{OrderID: body.OrderID}
	case models.KindSubscription:
		if body.SubscriptionID == "" || body.BillingPeriod == "" {
			return models.CreatePaymentRequest{}, invalid("Subscription ID and billing period are required for subscription payments.")
		}
		period, ok := models.ParseBillingPeriod(body.BillingPeriod)
		if !ok {
			return models.CreatePaymentRequest{}, invalid("Unknown billing period %q.", body.BillingPeriod)
		}
		target = models.SubscriptionTarget{SubscriptionID: body.SubscriptionID, Period: period}
	}

	return models.CreatePaymentRequest{
		PayerID:    body.UserID,
		Amount:     *body.Price,
		Target:     target,
		RequestKey: requestKey,
	}, nil
}

// validateShape checks everything that does not need I/O.
func validateShape(req models.CreatePaymentRequest) error {
	if req.PayerID == "" {
		return invalid("User ID is required.")
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return invalid("Price must be greater than zero.")
	}
	if req.RequestKey != "" && !gateway.ValidRequestKey(req.RequestKey) {
		return invalid("Idempotency key must be at most %d letters, digits, '-' or '_'.", gateway.MaxRequestKeyLength)
	}

	switch t := req.Target.(type) {
	case models.DonationTarget:
		return nil
	case models.OrderTarget:
		if t.OrderID == "" {
			return invalid("Order ID is required for order payments.")
		}
		return nil
	case models.SubscriptionTarget:
		if t.SubscriptionID == "" || t.Period == "" {
			return invalid("Subscription ID and billing period are required for subscription payments.")
		}
		if _, ok := models.ParseBillingPeriod(string(t.Period)); !ok {
			return invalid("Unknown billing period %q.", t.Period)
		}
		return nil
	case nil:
		return invalid("Price and type are required.")
	default:
		return invalid("Unsupported payment type %T.", t)
	}
}
