// internal/repository/payment_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"marketplace-payments/internal/models"
)

var (
	ErrNotFound             = errors.New("payment record not found")
	ErrDuplicateTransaction = errors.New("payment record already exists for transaction")
)

const uniqueViolation = "23505"

const paymentColumns = `
	id, transaction_id, request_key, payer_id, kind, order_id, subscription_id,
	billing_period, amount, amount_minor, currency, status, commission,
	entity_sync, failure_reason, created_at, updated_at, completed_at`

// PaymentRepository is the ledger of payment attempts. Rows are inserted once
// and only ever moved forward; nothing is deleted.
type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.PaymentRecord) error {
	query := `
		INSERT INTO payments (
			id, transaction_id, request_key, payer_id, kind, order_id, subscription_id,
			billing_period, amount, amount_minor, currency, status, commission,
			entity_sync, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.ExecContext(ctx, query,
		payment.ID,
		payment.TransactionID,
		payment.RequestKey,
		payment.PayerID,
		payment.Kind,
		nullString(payment.OrderID),
		nullString(payment.SubscriptionID),
		nullString(string(payment.BillingPeriod)),
		payment.Amount,
		payment.AmountMinor,
		payment.Currency,
		payment.Status,
		payment.Commission,
		payment.EntitySync,
		payment.CreatedAt,
		payment.UpdatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", payment.TransactionID, ErrDuplicateTransaction)
	}
	return err
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Complete moves a pending record to complete and records its commission.
// It reports false when the record was no longer pending, in which case
// nothing was written.
func (r *PaymentRepository) Complete(ctx context.Context, transactionID string, commission decimal.Decimal, entitySync models.EntitySync, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $1, commission = $2, entity_sync = $3, completed_at = $4, updated_at = $4
		WHERE transaction_id = $5 AND status = $6
	`

	res, err := r.db.ExecContext(ctx, query,
		models.PaymentStatusComplete,
		commission,
		entitySync,
		at,
		transactionID,
		models.PaymentStatusPending,
	)
	return applied(res, err)
}

// Fail moves a pending record to failed. It reports false when the record
// was no longer pending.
func (r *PaymentRepository) Fail(ctx context.Context, transactionID, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE transaction_id = $4 AND status = $5
	`

	res, err := r.db.ExecContext(ctx, query,
		models.PaymentStatusFailed,
		reason,
		at,
		transactionID,
		models.PaymentStatusPending,
	)
	return applied(res, err)
}

// SetEntitySync updates the entity sync state of a complete record.
func (r *PaymentRepository) SetEntitySync(ctx context.Context, transactionID string, state models.EntitySync, at time.Time) error {
	query := `
		UPDATE payments
		SET entity_sync = $1, updated_at = $2
		WHERE transaction_id = $3 AND status = $4
	`

	res, err := r.db.ExecContext(ctx, query, state, at, transactionID, models.PaymentStatusComplete)
	ok, err := applied(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}
	return nil
}

// ListStalePending returns pending records created before the cutoff, oldest first.
func (r *PaymentRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	return r.list(ctx, query, models.PaymentStatusPending, createdBefore, limit)
}

// ListEntitySyncBacklog returns complete records whose owning entity still
// needs to be marked paid, including syncs last touched before syncingBefore
// whose confirmation never finished.
func (r *PaymentRepository) ListEntitySyncBacklog(ctx context.Context, syncingBefore time.Time, limit int) ([]*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1
		  AND (entity_sync IN ($2, $3) OR (entity_sync = $4 AND updated_at < $5))
		ORDER BY completed_at ASC
		LIMIT $6`

	return r.list(ctx, query,
		models.PaymentStatusComplete,
		models.EntitySyncPending,
		models.EntitySyncSkipped,
		models.EntitySyncSyncing,
		syncingBefore,
		limit,
	)
}

func (r *PaymentRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.PaymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.PaymentRecord
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}

	return payments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.PaymentRecord, error) {
	var (
		payment        models.PaymentRecord
		orderID        sql.NullString
		subscriptionID sql.NullString
		billingPeriod  sql.NullString
		failureReason  sql.NullString
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&payment.ID,
		&payment.TransactionID,
		&payment.RequestKey,
		&payment.PayerID,
		&payment.Kind,
		&orderID,
		&subscriptionID,
		&billingPeriod,
		&payment.Amount,
		&payment.AmountMinor,
		&payment.Currency,
		&payment.Status,
		&payment.Commission,
		&payment.EntitySync,
		&failureReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.OrderID = orderID.String
	payment.SubscriptionID = subscriptionID.String
	payment.BillingPeriod = models.BillingPeriod(billingPeriod.String)
	payment.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		payment.CompletedAt = &t
	}

	return &payment, nil
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
