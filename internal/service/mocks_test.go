package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-payments/internal/entities"
	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/repository"
)

var errMockStore = errors.New("mock store error")

// MockLedger is an in-memory LedgerStore with the same conditional update
// semantics as the Postgres repository.
type MockLedger struct {
	mu              sync.Mutex
	records         map[string]*models.PaymentRecord
	CreateErr       error
	CompleteApplied int
	FailApplied     int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{records: make(map[string]*models.PaymentRecord)}
}

func (m *MockLedger) Create(ctx context.Context, payment *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return m.CreateErr
	}
	if _, exists := m.records[payment.TransactionID]; exists {
		return fmt.Errorf("%s: %w", payment.TransactionID, repository.ErrDuplicateTransaction)
	}
	cp := *payment
	m.records[payment.TransactionID] = &cp
	return nil
}

func (m *MockLedger) GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transactionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", transactionID, repository.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MockLedger) Complete(ctx context.Context, transactionID string, commission decimal.Decimal, entitySync models.EntitySync, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transactionID]
	if !ok || rec.Status != models.PaymentStatusPending {
		return false, nil
	}
	rec.Status = models.PaymentStatusComplete
	rec.Commission = commission
	rec.EntitySync = entitySync
	rec.CompletedAt = &at
	rec.UpdatedAt = at
	m.CompleteApplied++
	return true, nil
}

func (m *MockLedger) Fail(ctx context.Context, transactionID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transactionID]
	if !ok || rec.Status != models.PaymentStatusPending {
		return false, nil
	}
	rec.Status = models.PaymentStatusFailed
	rec.FailureReason = reason
	rec.UpdatedAt = at
	m.FailApplied++
	return true, nil
}

func (m *MockLedger) SetEntitySync(ctx context.Context, transactionID string, state models.EntitySync, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transactionID]
	if !ok || rec.Status != models.PaymentStatusComplete {
		return fmt.Errorf("%s: %w", transactionID, repository.ErrNotFound)
	}
	rec.EntitySync = state
	rec.UpdatedAt = at
	return nil
}

func (m *MockLedger) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PaymentRecord
	for _, rec := range m.records {
		if rec.Status == models.PaymentStatusPending && rec.CreatedAt.Before(createdBefore) && len(out) < limit {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockLedger) ListEntitySyncBacklog(ctx context.Context, syncingBefore time.Time, limit int) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PaymentRecord
	for _, rec := range m.records {
		stale := rec.EntitySync == models.EntitySyncSyncing && rec.UpdatedAt.Before(syncingBefore)
		if rec.Status == models.PaymentStatusComplete && (rec.EntitySync.NeedsRetry() || stale) && len(out) < limit {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockLedger) Record(transactionID string) *models.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[transactionID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (m *MockLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MockGateway is an in-memory payment provider.
type MockGateway struct {
	mu      sync.Mutex
	intents map[string]*gateway.Intent
	byKey   map[string]string
	seq     int

	// OpenErr is returned by OpenIntent. With OpenCreates set the intent is
	// still created first, simulating a timeout after the provider committed.
	OpenErr     error
	OpenCreates bool
	GetErr      error
	FindErr     error
	CancelErr   error

	// Arrived and Release, when set, park every GetIntent call until Release
	// is closed.
	Arrived chan struct{}
	Release chan struct{}

	// AfterGet runs after each GetIntent returns its snapshot, to move the
	// intent on between a read and the next call.
	AfterGet func(transactionID string)

	// FindResult, when set, is returned by FindIntent whatever the key.
	FindResult *gateway.Intent

	OpenCalls   int
	GetCalls    int
	FindCalls   int
	CancelCalls int
	LastRequest gateway.IntentRequest
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		intents: make(map[string]*gateway.Intent),
		byKey:   make(map[string]string),
	}
}

func (m *MockGateway) OpenIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls++
	m.LastRequest = req

	if m.OpenErr != nil && !m.OpenCreates {
		return nil, m.OpenErr
	}

	if id, ok := m.byKey[req.RequestKey]; ok {
		cp := *m.intents[id]
		return &cp, m.OpenErr
	}

	m.seq++
	id := fmt.Sprintf("pi_%d", m.seq)
	metadata := map[string]string{gateway.MetadataRequestKey: req.RequestKey}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	intent := &gateway.Intent{
		TransactionID: id,
		ClientSecret:  id + "_secret",
		Status:        gateway.IntentStatusRequiresPaymentMethod,
		AmountMinor:   req.AmountMinor,
		Currency:      req.Currency,
		Metadata:      metadata,
	}
	m.intents[id] = intent
	m.byKey[req.RequestKey] = id

	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	cp := *intent
	return &cp, nil
}

func (m *MockGateway) GetIntent(ctx context.Context, transactionID string) (*gateway.Intent, error) {
	if m.Arrived != nil {
		m.Arrived <- struct{}{}
		<-m.Release
	}

	intent, err := m.snapshot(transactionID)
	if err == nil && m.AfterGet != nil {
		m.AfterGet(transactionID)
	}
	return intent, err
}

func (m *MockGateway) snapshot(transactionID string) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	intent, ok := m.intents[transactionID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (m *MockGateway) FindIntent(ctx context.Context, requestKey string) (*gateway.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindCalls++
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	if m.FindResult != nil {
		cp := *m.FindResult
		return &cp, nil
	}
	id, ok := m.byKey[requestKey]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *m.intents[id]
	return &cp, nil
}

func (m *MockGateway) CancelIntent(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if m.CancelErr != nil {
		return m.CancelErr
	}
	intent, ok := m.intents[transactionID]
	if !ok {
		return gateway.ErrNotFound
	}
	switch intent.Status {
	case gateway.IntentStatusSucceeded, gateway.IntentStatusProcessing:
		return fmt.Errorf("cannot cancel %s intent: %w", intent.Status, gateway.ErrRejected)
	}
	intent.Status = gateway.IntentStatusCanceled
	return nil
}

// Settle sets the provider-side status of an intent.
func (m *MockGateway) Settle(transactionID string, status gateway.IntentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[transactionID].Status = status
}

// SetAmount changes the provider-side amount of an intent.
func (m *MockGateway) SetAmount(transactionID string, minor int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[transactionID].AmountMinor = minor
}

// Status returns the provider-side status of an intent.
func (m *MockGateway) Status(transactionID string) gateway.IntentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intents[transactionID].Status
}

func (m *MockGateway) IntentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents)
}

// MockOrders records MarkPaid calls.
type MockOrders struct {
	mu      sync.Mutex
	Paid    map[string]int
	MarkErr error
}

func NewMockOrders() *MockOrders {
	return &MockOrders{Paid: make(map[string]int)}
}

func (m *MockOrders) MarkPaid(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.Paid[orderID]++
	return nil
}

func (m *MockOrders) Calls(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Paid[orderID]
}

// MockSubscriptions serves plan prices and records MarkPaid calls.
type MockSubscriptions struct {
	mu      sync.Mutex
	Plans   map[string]map[models.BillingPeriod]decimal.Decimal
	Paid    map[string]int
	MarkErr error

	PriceCalls int
}

func NewMockSubscriptions() *MockSubscriptions {
	return &MockSubscriptions{
		Plans: make(map[string]map[models.BillingPeriod]decimal.Decimal),
		Paid:  make(map[string]int),
	}
}

func (m *MockSubscriptions) AddPlan(id, monthly, yearly string) {
	m.Plans[id] = map[models.BillingPeriod]decimal.Decimal{
		models.BillingPeriodMonthly: decimal.RequireFromString(monthly),
		models.BillingPeriodYearly:  decimal.RequireFromString(yearly),
	}
}

func (m *MockSubscriptions) GetPlanPrice(ctx context.Context, subscriptionID string, period models.BillingPeriod) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PriceCalls++
	plan, ok := m.Plans[subscriptionID]
	if !ok {
		return decimal.Zero, fmt.Errorf("subscription %q: %w", subscriptionID, entities.ErrNotFound)
	}
	return plan[period], nil
}

func (m *MockSubscriptions) MarkPaid(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.Paid[subscriptionID]++
	return nil
}

func (m *MockSubscriptions) Calls(subscriptionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Paid[subscriptionID]
}

// MockAccounts returns configured roles.
type MockAccounts struct {
	mu    sync.Mutex
	Roles map[string]models.Role
}

func NewMockAccounts() *MockAccounts {
	return &MockAccounts{Roles: make(map[string]models.Role)}
}

func (m *MockAccounts) SetRole(accountID string, role models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Roles[accountID] = role
}

func (m *MockAccounts) GetRole(ctx context.Context, accountID string) (models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.Roles[accountID]
	if !ok {
		return "", fmt.Errorf("account %q: %w", accountID, entities.ErrNotFound)
	}
	return role, nil
}

// MockCache is an in-memory IdempotencyCache.
type MockCache struct {
	mu      sync.Mutex
	entries map[string]*models.CreatePaymentResult
}

func NewMockCache() *MockCache {
	return &MockCache{entries: make(map[string]*models.CreatePaymentResult)}
}

func (m *MockCache) Get(ctx context.Context, key string) (*models.CreatePaymentResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.entries[key]
	return res, ok
}

func (m *MockCache) Put(ctx context.Context, key string, result *models.CreatePaymentResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = result
}
