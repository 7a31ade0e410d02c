// internal/models/payment.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the business purpose of a payment.
type Kind string

const (
	KindDonation     Kind = "donation"
	KindOrder        Kind = "order"
	KindSubscription Kind = "subscription"
)

// ParseKind accepts only the three known kinds.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindDonation, KindOrder, KindSubscription:
		return k, true
	default:
		return "", false
	}
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusComplete PaymentStatus = "complete"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusComplete, PaymentStatusFailed:
		return true
	case PaymentStatusPending:
		return false
	default:
		// unknown values are treated as terminal so they are never overwritten
		return true
	}
}

type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
)

func ParseBillingPeriod(s string) (BillingPeriod, bool) {
	switch p := BillingPeriod(s); p {
	case BillingPeriodMonthly, BillingPeriodYearly:
		return p, true
	default:
		return "", false
	}
}

// EntitySync tracks whether the owning order or subscription has been
// flipped to paid for a complete payment.
type EntitySync string

const (
	EntitySyncNotRequired EntitySync = "not_required"
	EntitySyncSyncing     EntitySync = "syncing"
	EntitySyncPending     EntitySync = "pending"
	EntitySyncSynced      EntitySync = "synced"
	EntitySyncSkipped     EntitySync = "skipped"
)

// NeedsRetry reports whether a resync job should pick the record up. Syncing
// records belong to the confirmation that completed them until they go stale.
func (e EntitySync) NeedsRetry() bool {
	return e == EntitySyncPending || e == EntitySyncSkipped
}

// PaymentRecord is one payment attempt. Records are never deleted.
type PaymentRecord struct {
	ID             string          `json:"id" db:"id"`
	TransactionID  string          `json:"transactionId" db:"transaction_id"`
	RequestKey     string          `json:"-" db:"request_key"`
	PayerID        string          `json:"payerId" db:"payer_id"`
	Kind           Kind            `json:"kind" db:"kind"`
	OrderID        string          `json:"orderId,omitempty" db:"order_id"`
	SubscriptionID string          `json:"subscriptionId,omitempty" db:"subscription_id"`
	BillingPeriod  BillingPeriod   `json:"billingPeriod,omitempty" db:"billing_period"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	AmountMinor    int64           `json:"amountMinor" db:"amount_minor"`
	Currency       string          `json:"currency" db:"currency"`
	Status         PaymentStatus   `json:"status" db:"status"`
	Commission     decimal.Decimal `json:"commission" db:"commission"`
	EntitySync     EntitySync      `json:"entitySync" db:"entity_sync"`
	FailureReason  string          `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}

// Target identifies what a payment is for. Each variant carries exactly the
// fields its kind requires.
type Target interface {
	Kind() Kind
	isTarget()
}

type DonationTarget struct{}

type OrderTarget struct {
	OrderID string
}

type SubscriptionTarget struct {
	SubscriptionID string
	Period         BillingPeriod
}

func (DonationTarget) Kind() Kind     { return KindDonation }
func (OrderTarget) Kind() Kind        { return KindOrder }
func (SubscriptionTarget) Kind() Kind { return KindSubscription }

func (DonationTarget) isTarget()     {}
func (OrderTarget) isTarget()        {}
func (SubscriptionTarget) isTarget() {}

// CreatePaymentRequest is the validated input of intent creation.
type CreatePaymentRequest struct {
	PayerID    string
	Amount     decimal.Decimal
	Target     Target
	RequestKey string
}

// PaymentRequest is the JSON body accepted by POST /api/v1/payments.
type PaymentRequest struct {
	UserID         string           `json:"userId"`
	Price          *decimal.Decimal `json:"price"`
	Type           string           `json:"type"`
	OrderID        string           `json:"orderId"`
	SubscriptionID string           `json:"subscriptionId"`
	BillingPeriod  string           `json:"billingPeriod"`
}

type CreatePaymentResult struct {
	TransactionID string `json:"paymentIntentId"`
	ClientSecret  string `json:"clientSecret"`
}

type ConfirmRequest struct {
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
}

// ConfirmResult is the outcome of a confirmation. EntitySyncPending is set when
// the payment was captured but the owning entity has not been marked paid.
type ConfirmResult struct {
	TransactionID     string          `json:"paymentIntentId"`
	Kind              Kind            `json:"type"`
	Status            PaymentStatus   `json:"status"`
	Commission        decimal.Decimal `json:"adminCommission"`
	EntitySyncPending bool            `json:"entitySyncPending"`
}

// ResultFromRecord reports the stored outcome of a record.
func ResultFromRecord(r *PaymentRecord) *ConfirmResult {
	return &ConfirmResult{
		TransactionID:     r.TransactionID,
		Kind:              r.Kind,
		Status:            r.Status,
		Commission:        r.Commission,
		EntitySyncPending: r.Status == PaymentStatusComplete && r.EntitySync.NeedsRetry(),
	}
}

// Database schema
const PaymentSchema = `
CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(36) PRIMARY KEY,
    transaction_id VARCHAR(255) NOT NULL UNIQUE,
    request_key VARCHAR(255) NOT NULL,
    payer_id VARCHAR(64) NOT NULL,
    kind VARCHAR(20) NOT NULL,
    order_id VARCHAR(64),
    subscription_id VARCHAR(64),
    billing_period VARCHAR(10),
    amount NUMERIC(19, 4) NOT NULL,
    amount_minor BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    commission NUMERIC(19, 2) NOT NULL DEFAULT 0,
    entity_sync VARCHAR(20) NOT NULL DEFAULT 'not_required',
    failure_reason TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP,
    CONSTRAINT payments_kind_check CHECK (kind IN ('donation', 'order', 'subscription')),
    CONSTRAINT payments_status_check CHECK (status IN ('pending', 'complete', 'failed'))
);
`

// PaymentIndexes are applied after PaymentSchema.
var PaymentIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_payments_status_created_at ON payments (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_entity_sync ON payments (entity_sync) WHERE status = 'complete'`,
	`CREATE INDEX IF NOT EXISTS idx_payments_request_key ON payments (request_key)`,
}
