// internal/service/interfaces.go
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
)

// Gateway is the external payment provider.
type Gateway interface {
	OpenIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
	GetIntent(ctx context.Context, transactionID string) (*gateway.Intent, error)
	FindIntent(ctx context.Context, requestKey string) (*gateway.Intent, error)
	CancelIntent(ctx context.Context, transactionID string) error
}

// LedgerStore persists payment records. Complete and Fail must only apply
// to pending records and report whether they did.
type LedgerStore interface {
	Create(ctx context.Context, payment *models.PaymentRecord) error
	GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	Complete(ctx context.Context, transactionID string, commission decimal.Decimal, entitySync models.EntitySync, at time.Time) (bool, error)
	Fail(ctx context.Context, transactionID, reason string, at time.Time) (bool, error)
	SetEntitySync(ctx context.Context, transactionID string, state models.EntitySync, at time.Time) error
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentRecord, error)
	ListEntitySyncBacklog(ctx context.Context, syncingBefore time.Time, limit int) ([]*models.PaymentRecord, error)
}

type OrderGateway interface {
	MarkPaid(ctx context.Context, orderID string) error
}

type SubscriptionGateway interface {
	MarkPaid(ctx context.Context, subscriptionID string) error
	GetPlanPrice(ctx context.Context, subscriptionID string, period models.BillingPeriod) (decimal.Decimal, error)
}

type AccountLookup interface {
	GetRole(ctx context.Context, accountID string) (models.Role, error)
}

// IdempotencyCache remembers create responses per idempotency key.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*models.CreatePaymentResult, bool)
	Put(ctx context.Context, key string, result *models.CreatePaymentResult)
}
