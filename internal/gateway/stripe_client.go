// internal/gateway/stripe_client.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"marketplace-payments/internal/metrics"
)

// StripeClient opens and inspects Stripe PaymentIntents. Each instance owns its
// own API client; nothing is written to the stripe package globals.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
	logger  *zap.Logger
}

func NewStripeClient(secretKey string, timeout time.Duration, logger *zap.Logger) *StripeClient {
	httpClient := &http.Client{Timeout: timeout}
	cfg := &stripe.BackendConfig{
		HTTPClient: httpClient,
		// retries are decided by the reconciliation engine, which verifies
		// ambiguous creates instead of re-sending them
		MaxNetworkRetries: stripe.Int64(0),
	}

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	})

	return &StripeClient{
		api:     api,
		timeout: timeout,
		logger:  logger,
	}
}

// OpenIntent creates a PaymentIntent with automatic payment methods.
func (c *StripeClient) OpenIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.RequestKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(MetadataRequestKey, req.RequestKey)

	pi, err := c.api.PaymentIntents.New(params)
	metrics.ObserveGatewayCall("open_intent", start, err)
	if err != nil {
		return nil, c.classify("open intent", err)
	}

	c.logger.Debug("payment intent opened",
		zap.String("transaction_id", pi.ID),
		zap.Int64("amount_minor", pi.Amount))

	return fromStripe(pi), nil
}

// GetIntent retrieves the authoritative state of an intent.
func (c *StripeClient) GetIntent(ctx context.Context, transactionID string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(transactionID, params)
	metrics.ObserveGatewayCall("get_intent", start, err)
	if err != nil {
		return nil, c.classify("get intent", err)
	}

	return fromStripe(pi), nil
}

// FindIntent looks an intent up by the request key stored in its metadata.
// Stripe search is eventually consistent, so a miss shortly after creation
// is not proof of absence; callers retry with the same request key, which
// Stripe deduplicates through the idempotency key.
func (c *StripeClient) FindIntent(ctx context.Context, requestKey string) (*Intent, error) {
	if !ValidRequestKey(requestKey) {
		return nil, fmt.Errorf("find intent: invalid request key: %w", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", MetadataRequestKey, requestKey)
	params.Limit = stripe.Int64(10)
	params.Single = true

	iter := c.api.PaymentIntents.Search(params)
	var found *stripe.PaymentIntent
	for iter.Next() {
		if pi := iter.PaymentIntent(); pi.Metadata[MetadataRequestKey] == requestKey {
			found = pi
			break
		}
	}
	err := iter.Err()
	metrics.ObserveGatewayCall("find_intent", start, err)
	if err != nil {
		return nil, c.classify("find intent", err)
	}
	if found == nil {
		return nil, fmt.Errorf("find intent %s: %w", requestKey, ErrNotFound)
	}

	return fromStripe(found), nil
}

// CancelIntent cancels an intent that has no local record.
func (c *StripeClient) CancelIntent(ctx context.Context, transactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.CancellationReason = stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned))

	_, err := c.api.PaymentIntents.Cancel(transactionID, params)
	metrics.ObserveGatewayCall("cancel_intent", start, err)
	if err != nil {
		return c.classify("cancel intent", err)
	}
	return nil
}

func (c *StripeClient) classify(op string, err error) error {
	kind := Classify(err)
	if errors.Is(kind, ErrUnavailable) {
		c.logger.Warn("payment gateway call failed", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}

// Classify maps a Stripe client error onto ErrNotFound, ErrRejected or
// ErrUnavailable.
func Classify(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		// transport errors, timeouts and cancelled contexts
		return ErrUnavailable
	}

	switch {
	case serr.Code == stripe.ErrorCodeResourceMissing:
		return ErrNotFound
	case serr.HTTPStatusCode == http.StatusTooManyRequests,
		serr.HTTPStatusCode == http.StatusConflict,
		serr.HTTPStatusCode >= http.StatusInternalServerError,
		serr.HTTPStatusCode == 0:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		TransactionID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        IntentStatus(pi.Status),
		AmountMinor:   pi.Amount,
		Currency:      string(pi.Currency),
		Metadata:      pi.Metadata,
	}
}
