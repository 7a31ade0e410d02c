// internal/service/payment_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketplace-payments/internal/commission"
	"marketplace-payments/internal/entities"
	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/metrics"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/repository"
)

// entitySyncTimeout bounds the order/subscription write that follows a
// successful completion. It runs detached from the caller's context so a
// disconnecting client does not leave the entity unsynced.
const entitySyncTimeout = 10 * time.Second

// staleSyncAfter is how long a record may stay in EntitySyncSyncing before
// the backlog treats its confirmation as lost.
const staleSyncAfter = 3 * entitySyncTimeout

// Dependencies are the collaborators of PaymentService. Cache is optional.
type Dependencies struct {
	Ledger        LedgerStore
	Gateway       Gateway
	Orders        OrderGateway
	Subscriptions SubscriptionGateway
	Accounts      AccountLookup
	Cache         IdempotencyCache
}

// PaymentService opens payment intents and reconciles them into the ledger
// and the owning order or subscription.
type PaymentService struct {
	ledger        LedgerStore
	gateway       Gateway
	orders        OrderGateway
	subscriptions SubscriptionGateway
	accounts      AccountLookup
	cache         IdempotencyCache
	calculator    *commission.Calculator
	currency      string
	minorDigits   int32
	logger        *zap.Logger
	now           func() time.Time
}

func NewPaymentService(deps Dependencies, currency string, minorDigits int32, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		ledger:        deps.Ledger,
		gateway:       deps.Gateway,
		orders:        deps.Orders,
		subscriptions: deps.Subscriptions,
		accounts:      deps.Accounts,
		cache:         deps.Cache,
		calculator:    commission.NewCalculator(minorDigits),
		currency:      currency,
		minorDigits:   minorDigits,
		logger:        logger,
		now:           time.Now,
	}
}

// CreatePayment validates the request, opens a gateway intent and records a
// pending payment keyed by the gateway transaction id.
func (s *PaymentService) CreatePayment(ctx context.Context, req models.CreatePaymentRequest) (*models.CreatePaymentResult, error) {
	if err := validateShape(req); err != nil {
		return nil, err
	}
	if err := s.checkPlanPrice(ctx, req); err != nil {
		return nil, err
	}

	amountMinor, err := gateway.ToMinorUnits(req.Amount, s.minorDigits)
	if err != nil {
		return nil, invalid("Price has more precision than the currency allows.")
	}

	cacheKey := ""
	if req.RequestKey != "" {
		cacheKey = req.PayerID + ":" + req.RequestKey
		if s.cache != nil {
			if cached, ok := s.cache.Get(ctx, cacheKey); ok {
				return cached, nil
			}
		}
	} else {
		req.RequestKey = uuid.New().String()
	}

	intentReq := gateway.IntentRequest{
		AmountMinor: amountMinor,
		Currency:    s.currency,
		RequestKey:  req.RequestKey,
		Description: fmt.Sprintf("%s payment", req.Target.Kind()),
		Metadata:    intentMetadata(req),
	}

	intent, err := s.openIntent(ctx, intentReq)
	if err != nil {
		return nil, err
	}
	if intent.AmountMinor != amountMinor {
		s.logger.Error("gateway intent amount differs from request",
			zap.String("transaction_id", intent.TransactionID),
			zap.Int64("requested_minor", amountMinor),
			zap.Int64("intent_minor", intent.AmountMinor))
		return nil, invalid("Idempotency key was already used for a different amount.")
	}

	record := s.newRecord(req, intent, amountMinor)
	if err := s.ledger.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			return s.existingCreate(ctx, req, intent)
		}
		s.cancelOrphan(ctx, intent.TransactionID, err)
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	result := &models.CreatePaymentResult{
		TransactionID: intent.TransactionID,
		ClientSecret:  intent.ClientSecret,
	}
	if s.cache != nil && cacheKey != "" {
		s.cache.Put(ctx, cacheKey, result)
	}

	metrics.PaymentsCreated.WithLabelValues(string(record.Kind)).Inc()
	s.logger.Info("payment intent created",
		zap.String("transaction_id", record.TransactionID),
		zap.String("kind", string(record.Kind)),
		zap.String("payer_id", record.PayerID),
		zap.String("amount", record.Amount.StringFixed(s.minorDigits)))

	return result, nil
}

// ConfirmPayment reconciles a transaction with the gateway's authoritative
// status. Terminal records are returned unchanged. When the payment completes
// but the owning entity cannot be marked paid, both a result and a
// *PartialReconciliationError are returned.
func (s *PaymentService) ConfirmPayment(ctx context.Context, transactionID string) (*models.ConfirmResult, error) {
	if transactionID == "" {
		return nil, invalid("Missing paymentIntentId")
	}

	record, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		metrics.Confirmations.WithLabelValues("replay").Inc()
		return s.storedOutcome(record)
	}

	intent, err := s.gateway.GetIntent(ctx, transactionID)
	if err != nil {
		s.logger.Warn("failed to fetch intent status",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	return s.settle(ctx, record, intent)
}

// settle applies the gateway's view of an intent to a pending record.
func (s *PaymentService) settle(ctx context.Context, record *models.PaymentRecord, intent *gateway.Intent) (*models.ConfirmResult, error) {
	if intent.AmountMinor != record.AmountMinor {
		return s.drift(ctx, record, intent)
	}

	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		return s.complete(ctx, record)
	case gateway.IntentStatusProcessing:
		// the provider settles asynchronously; the succeeded or canceled
		// event confirms it later
		metrics.Confirmations.WithLabelValues("processing").Inc()
		return models.ResultFromRecord(record), nil
	case gateway.IntentStatusCanceled:
		return s.fail(ctx, record, intent.Status)
	default:
		return s.cancelAndSettle(ctx, record, intent.Status)
	}
}

// cancelAndSettle closes a payable intent before its record is failed, so a
// later attempt on the same client secret cannot capture money against a
// failed record. When the intent moved on while being cancelled, its new
// state wins.
func (s *PaymentService) cancelAndSettle(ctx context.Context, record *models.PaymentRecord, status gateway.IntentStatus) (*models.ConfirmResult, error) {
	cancelErr := s.gateway.CancelIntent(ctx, record.TransactionID)
	if cancelErr == nil {
		return s.fail(ctx, record, status)
	}

	latest, err := s.gateway.GetIntent(ctx, record.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: cancel intent: %v", ErrGatewayUnavailable, cancelErr)
	}

	switch latest.Status {
	case gateway.IntentStatusSucceeded, gateway.IntentStatusCanceled, gateway.IntentStatusProcessing:
		s.logger.Info("intent settled while cancelling",
			zap.String("transaction_id", record.TransactionID),
			zap.String("seen_status", string(status)),
			zap.String("gateway_status", string(latest.Status)))
		return s.settle(ctx, record, latest)
	default:
		s.logger.Warn("failed to cancel payable intent",
			zap.String("transaction_id", record.TransactionID),
			zap.String("gateway_status", string(latest.Status)),
			zap.Error(cancelErr))
		return nil, fmt.Errorf("%w: cancel intent: %v", ErrGatewayUnavailable, cancelErr)
	}
}

func (s *PaymentService) drift(ctx context.Context, record *models.PaymentRecord, intent *gateway.Intent) (*models.ConfirmResult, error) {
	s.logger.Error("payment amount drift detected",
		zap.String("transaction_id", record.TransactionID),
		zap.Int64("ledger_minor", record.AmountMinor),
		zap.Int64("gateway_minor", intent.AmountMinor))

	if intent.Status != gateway.IntentStatusSucceeded && intent.Status != gateway.IntentStatusCanceled {
		if err := s.gateway.CancelIntent(ctx, record.TransactionID); err != nil {
			return nil, fmt.Errorf("%w: cancel drifted intent: %v", ErrGatewayUnavailable, err)
		}
	}

	reason := fmt.Sprintf("amount mismatch: ledger %d, gateway %d", record.AmountMinor, intent.AmountMinor)
	applied, err := s.ledger.Fail(ctx, record.TransactionID, reason, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if !applied {
		return s.reload(ctx, record.TransactionID)
	}
	metrics.Confirmations.WithLabelValues("amount_mismatch").Inc()
	return nil, invalid("Payment amount does not match the gateway amount.")
}

// GetPayment returns the stored record for a transaction.
func (s *PaymentService) GetPayment(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	return s.load(ctx, transactionID)
}

// ResyncEntity re-runs only the order/subscription update of a complete
// payment. It never calls the gateway and never recomputes commission.
func (s *PaymentService) ResyncEntity(ctx context.Context, transactionID string) (*models.ConfirmResult, error) {
	record, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.PaymentStatusComplete {
		return nil, invalid("Payment %s is %s; only complete payments can be resynced.", transactionID, record.Status)
	}
	if !record.EntitySync.NeedsRetry() && record.EntitySync != models.EntitySyncSyncing {
		return models.ResultFromRecord(record), nil
	}

	syncErr := s.syncEntity(ctx, record)
	result := models.ResultFromRecord(record)
	result.EntitySyncPending = syncErr != nil
	if syncErr != nil {
		return result, syncErr
	}

	s.logger.Info("entity resynced",
		zap.String("transaction_id", transactionID),
		zap.String("kind", string(record.Kind)))
	return result, nil
}

func (s *PaymentService) fail(ctx context.Context, record *models.PaymentRecord, status gateway.IntentStatus) (*models.ConfirmResult, error) {
	applied, err := s.ledger.Fail(ctx, record.TransactionID, fmt.Sprintf("gateway status %s", status), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if !applied {
		return s.reload(ctx, record.TransactionID)
	}

	metrics.Confirmations.WithLabelValues("failed").Inc()
	s.logger.Info("payment failed",
		zap.String("transaction_id", record.TransactionID),
		zap.String("gateway_status", string(status)))

	return &models.ConfirmResult{
		TransactionID: record.TransactionID,
		Kind:          record.Kind,
		Status:        models.PaymentStatusFailed,
		Commission:    record.Commission,
	}, nil
}

func (s *PaymentService) complete(ctx context.Context, record *models.PaymentRecord) (*models.ConfirmResult, error) {
	fee := s.calculator.ForRecord(record.Kind, record.Amount)

	entitySync := models.EntitySyncSyncing
	if record.Kind == models.KindDonation {
		entitySync = models.EntitySyncNotRequired
	}

	applied, err := s.ledger.Complete(ctx, record.TransactionID, fee, entitySync, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment complete: %w", err)
	}
	if !applied {
		// another confirmation won the transition
		return s.reload(ctx, record.TransactionID)
	}

	record.Status = models.PaymentStatusComplete
	record.Commission = fee
	record.EntitySync = entitySync

	metrics.Confirmations.WithLabelValues("complete").Inc()
	metrics.CommissionRecorded.Add(fee.InexactFloat64())
	s.logger.Info("payment complete",
		zap.String("transaction_id", record.TransactionID),
		zap.String("kind", string(record.Kind)),
		zap.String("commission", fee.StringFixed(s.minorDigits)))

	result := &models.ConfirmResult{
		TransactionID: record.TransactionID,
		Kind:          record.Kind,
		Status:        models.PaymentStatusComplete,
		Commission:    fee,
	}

	if entitySync == models.EntitySyncNotRequired {
		return result, nil
	}

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), entitySyncTimeout)
	defer cancel()

	if err := s.syncEntity(syncCtx, record); err != nil {
		result.EntitySyncPending = true
		return result, err
	}
	return result, nil
}

// syncEntity marks the owning order or subscription paid and records the
// outcome on the payment.
func (s *PaymentService) syncEntity(ctx context.Context, record *models.PaymentRecord) error {
	var err error

	switch record.Kind {
	case models.KindDonation:
		return nil
	case models.KindOrder:
		err = s.orders.MarkPaid(ctx, record.OrderID)
	case models.KindSubscription:
		var role models.Role
		role, err = s.accounts.GetRole(ctx, record.PayerID)
		if err == nil && !role.CanOwnSubscription() {
			return s.partial(ctx, record, ReasonRoleNotEligible, models.EntitySyncSkipped,
				fmt.Errorf("payer %s has role %q", record.PayerID, role))
		}
		if err == nil {
			err = s.subscriptions.MarkPaid(ctx, record.SubscriptionID)
		}
	default:
		return fmt.Errorf("unsupported payment kind %q", record.Kind)
	}

	if err != nil {
		return s.partial(ctx, record, ReasonEntityWriteFailed, models.EntitySyncPending, err)
	}

	if err := s.ledger.SetEntitySync(ctx, record.TransactionID, models.EntitySyncSynced, s.now()); err != nil {
		// the entity is paid; a later resync repeats an idempotent write
		s.logger.Error("failed to record entity sync",
			zap.String("transaction_id", record.TransactionID),
			zap.Error(err))
	}
	record.EntitySync = models.EntitySyncSynced
	return nil
}

func (s *PaymentService) partial(ctx context.Context, record *models.PaymentRecord, reason string, state models.EntitySync, cause error) error {
	if record.EntitySync != state {
		if err := s.ledger.SetEntitySync(ctx, record.TransactionID, state, s.now()); err != nil {
			s.logger.Error("failed to record entity sync state",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err))
		} else {
			record.EntitySync = state
		}
	}

	metrics.PartialReconciliations.WithLabelValues(string(record.Kind), reason).Inc()
	fields := []zap.Field{
		zap.String("transaction_id", record.TransactionID),
		zap.String("kind", string(record.Kind)),
		zap.String("reason", reason),
		zap.Error(cause),
	}
	if errors.Is(cause, entities.ErrNotFound) || reason == ReasonRoleNotEligible {
		s.logger.Warn("partial reconciliation", fields...)
	} else {
		s.logger.Error("partial reconciliation", fields...)
	}

	return &PartialReconciliationError{
		TransactionID: record.TransactionID,
		Kind:          record.Kind,
		Reason:        reason,
		Err:           cause,
	}
}

// storedOutcome reports a terminal record without touching anything.
func (s *PaymentService) storedOutcome(record *models.PaymentRecord) (*models.ConfirmResult, error) {
	result := models.ResultFromRecord(record)
	if !result.EntitySyncPending {
		return result, nil
	}

	reason := ReasonEntityWriteFailed
	if record.EntitySync == models.EntitySyncSkipped {
		reason = ReasonRoleNotEligible
	}
	return result, &PartialReconciliationError{
		TransactionID: record.TransactionID,
		Kind:          record.Kind,
		Reason:        reason,
	}
}

func (s *PaymentService) reload(ctx context.Context, transactionID string) (*models.ConfirmResult, error) {
	record, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.storedOutcome(record)
}

func (s *PaymentService) load(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	record, err := s.ledger.GetByTransactionID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("no payment record for transaction",
			zap.String("transaction_id", transactionID))
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", transactionID, err)
	}
	return record, nil
}

func (s *PaymentService) checkPlanPrice(ctx context.Context, req models.CreatePaymentRequest) error {
	target, ok := req.Target.(models.SubscriptionTarget)
	if !ok {
		return nil
	}

	price, err := s.subscriptions.GetPlanPrice(ctx, target.SubscriptionID, target.Period)
	if errors.Is(err, entities.ErrNotFound) {
		return invalid("Subscription plan not found.")
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription plan: %w", err)
	}

	tolerance := decimal.New(1, -s.minorDigits)
	if req.Amount.Sub(price).Abs().GreaterThan(tolerance) {
		s.logger.Warn("subscription price mismatch",
			zap.String("subscription_id", target.SubscriptionID),
			zap.String("period", string(target.Period)),
			zap.String("submitted", req.Amount.String()),
			zap.String("expected", price.String()))
		return invalid("Price mismatch with subscription plan.")
	}
	return nil
}

// openIntent never re-opens after an ambiguous failure; it asks the gateway
// whether the first attempt landed.
func (s *PaymentService) openIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	intent, err := s.gateway.OpenIntent(ctx, req)
	if err == nil {
		return intent, nil
	}

	switch {
	case errors.Is(err, gateway.ErrRejected):
		s.logger.Warn("gateway rejected intent", zap.String("request_key", req.RequestKey), zap.Error(err))
		return nil, invalid("Payment gateway rejected the payment request.")
	case errors.Is(err, gateway.ErrUnavailable):
	default:
		return nil, fmt.Errorf("failed to open payment intent: %w", err)
	}

	verifyCtx := context.WithoutCancel(ctx)
	found, ferr := s.gateway.FindIntent(verifyCtx, req.RequestKey)
	if ferr != nil {
		s.logger.Warn("intent creation outcome unknown",
			zap.String("request_key", req.RequestKey),
			zap.NamedError("open_error", err),
			zap.NamedError("verify_error", ferr))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	verified, gerr := s.gateway.GetIntent(verifyCtx, found.TransactionID)
	if gerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, gerr)
	}
	if !intentMatches(verified, req) {
		s.logger.Error("recovered intent does not match request",
			zap.String("request_key", req.RequestKey),
			zap.String("transaction_id", verified.TransactionID),
			zap.String("intent_request_key", verified.Metadata[gateway.MetadataRequestKey]))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	s.logger.Info("recovered intent after ambiguous create",
		zap.String("request_key", req.RequestKey),
		zap.String("transaction_id", verified.TransactionID))
	return verified, nil
}

func (s *PaymentService) existingCreate(ctx context.Context, req models.CreatePaymentRequest, intent *gateway.Intent) (*models.CreatePaymentResult, error) {
	existing, err := s.load(ctx, intent.TransactionID)
	if err != nil {
		return nil, err
	}
	if existing.RequestKey != req.RequestKey || existing.PayerID != req.PayerID {
		return nil, fmt.Errorf("transaction %s already recorded for another request", intent.TransactionID)
	}
	return &models.CreatePaymentResult{
		TransactionID: intent.TransactionID,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

// cancelOrphan cancels an intent the ledger failed to record so it cannot be
// paid without a local record.
func (s *PaymentService) cancelOrphan(ctx context.Context, transactionID string, cause error) {
	if err := s.gateway.CancelIntent(context.WithoutCancel(ctx), transactionID); err != nil {
		s.logger.Error("orphaned payment intent could not be cancelled",
			zap.String("transaction_id", transactionID),
			zap.NamedError("record_error", cause),
			zap.Error(err))
		return
	}
	s.logger.Warn("cancelled payment intent after ledger write failure",
		zap.String("transaction_id", transactionID),
		zap.Error(cause))
}

func (s *PaymentService) newRecord(req models.CreatePaymentRequest, intent *gateway.Intent, amountMinor int64) *models.PaymentRecord {
	now := s.now()
	record := &models.PaymentRecord{
		ID:            uuid.New().String(),
		TransactionID: intent.TransactionID,
		RequestKey:    req.RequestKey,
		PayerID:       req.PayerID,
		Kind:          req.Target.Kind(),
		Amount:        req.Amount,
		AmountMinor:   amountMinor,
		Currency:      s.currency,
		Status:        models.PaymentStatusPending,
		Commission:    decimal.Zero,
		EntitySync:    models.EntitySyncNotRequired,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch t := req.Target.(type) {
	case models.OrderTarget:
		record.OrderID = t.OrderID
	case models.SubscriptionTarget:
		record.SubscriptionID = t.SubscriptionID
		record.BillingPeriod = t.Period
	}
	return record
}

// intentMatches reports whether an intent was opened for req: same request
// key, amount, currency and business metadata.
func intentMatches(intent *gateway.Intent, req gateway.IntentRequest) bool {
	if intent.Metadata[gateway.MetadataRequestKey] != req.RequestKey ||
		intent.AmountMinor != req.AmountMinor ||
		!strings.EqualFold(intent.Currency, req.Currency) {
		return false
	}
	for k, v := range req.Metadata {
		if intent.Metadata[k] != v {
			return false
		}
	}
	return true
}

func intentMetadata(req models.CreatePaymentRequest) map[string]string {
	md := map[string]string{
		"userId": req.PayerID,
		"type":   string(req.Target.Kind()),
	}
	switch t := req.Target.(type) {
	case models.OrderTarget:
		md["orderId"] = t.OrderID
	case models.SubscriptionTarget:
		md["subscriptionId"] = t.SubscriptionID
		md["billingPeriod"] = string(t.Period)
	}
	return md
}
