package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/models"
)

func TestReconcileStalePending(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	h.svc.now = func() time.Time { return past }

	paid := h.create(t, orderRequest("100.00"))
	declined := h.create(t, models.CreatePaymentRequest{PayerID: "U2", Amount: dec("40.00"), Target: models.OrderTarget{OrderID: "O2"}})
	h.svc.now = time.Now
	fresh := h.create(t, models.CreatePaymentRequest{PayerID: "U3", Amount: dec("10.00"), Target: models.DonationTarget{}})

	h.gw.Settle(paid, gateway.IntentStatusSucceeded)
	h.gw.Settle(declined, gateway.IntentStatusCanceled)
	h.gw.Settle(fresh, gateway.IntentStatusSucceeded)

	recon := NewReconciliationService(h.ledger, h.svc, zap.NewNop())
	report, err := recon.ReconcileStalePending(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("ReconcileStalePending: %v", err)
	}

	if report.PendingChecked != 2 || report.Completed != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Discrepancies) != 0 {
		t.Errorf("unexpected discrepancies: %v", report.Discrepancies)
	}
	if rec := h.ledger.Record(fresh); rec.Status != models.PaymentStatusPending {
		t.Errorf("fresh payment status = %s, want pending", rec.Status)
	}
	if h.orders.Calls("O1") != 1 || h.orders.Calls("O2") != 0 {
		t.Errorf("order calls: O1=%d O2=%d", h.orders.Calls("O1"), h.orders.Calls("O2"))
	}
}

func TestReconcileStalePendingGatewayDown(t *testing.T) {
	h := newHarness()
	h.svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	txID := h.create(t, orderRequest("100.00"))
	h.gw.GetErr = gateway.ErrUnavailable

	recon := NewReconciliationService(h.ledger, h.svc, zap.NewNop())
	report, err := recon.ReconcileStalePending(context.Background(), time.Hour, 100)
	if err != nil {
		t.Fatalf("ReconcileStalePending: %v", err)
	}
	if report.PendingChecked != 1 || report.Completed != 0 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if rec := h.ledger.Record(txID); rec.Status != models.PaymentStatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
}

func TestRunResyncsEntityBacklog(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	txID := h.create(t, orderRequest("250.00"))
	h.gw.Settle(txID, gateway.IntentStatusSucceeded)
	h.orders.MarkErr = errMockStore
	if _, err := h.svc.ConfirmPayment(ctx, txID); !IsPartialReconciliation(err) {
		t.Fatalf("ConfirmPayment error = %v, want partial", err)
	}

	recon := NewReconciliationService(h.ledger, h.svc, zap.NewNop())

	// the order store is still down
	report, err := recon.ResyncPendingEntities(ctx, 100)
	if err != nil {
		t.Fatalf("ResyncPendingEntities: %v", err)
	}
	if report.BacklogChecked != 1 || report.EntitySyncFailed != 1 || len(report.Discrepancies) != 1 {
		t.Errorf("report = %+v", report)
	}

	h.orders.MarkErr = nil
	gatewayCalls := h.gw.GetCalls

	report, err = recon.Run(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.BacklogChecked != 1 || report.EntitiesSynced != 1 {
		t.Errorf("report = %+v", report)
	}
	if h.orders.Calls("O1") != 1 {
		t.Errorf("order marked paid %d times, want 1", h.orders.Calls("O1"))
	}
	if h.gw.GetCalls != gatewayCalls {
		t.Error("backlog resync must not query the gateway")
	}
	if h.ledger.CompleteApplied != 1 {
		t.Errorf("commission recorded %d times, want 1", h.ledger.CompleteApplied)
	}

	// nothing left on a second pass
	report, err = recon.Run(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.BacklogChecked != 0 {
		t.Errorf("backlog checked %d, want 0", report.BacklogChecked)
	}
}

func TestResyncPicksUpAbandonedEntitySync(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	abandoned := h.create(t, orderRequest("100.00"))
	inFlight := h.create(t, models.CreatePaymentRequest{PayerID: "U2", Amount: dec("40.00"), Target: models.OrderTarget{OrderID: "O2"}})

	// both completed, but neither confirmation finished the order write
	if _, err := h.ledger.Complete(ctx, abandoned, dec("4.99"), models.EntitySyncSyncing, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := h.ledger.Complete(ctx, inFlight, dec("2.00"), models.EntitySyncSyncing, time.Now()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// a confirmation replaying the in-flight record is not an error
	out, err := h.svc.ConfirmPayment(ctx, inFlight)
	if err != nil || out.Status != models.PaymentStatusComplete {
		t.Fatalf("replay of syncing record = %+v, %v", out, err)
	}

	recon := NewReconciliationService(h.ledger, h.svc, zap.NewNop())
	report, err := recon.ResyncPendingEntities(ctx, 100)
	if err != nil {
		t.Fatalf("ResyncPendingEntities: %v", err)
	}
	if report.BacklogChecked != 1 || report.EntitiesSynced != 1 {
		t.Errorf("report = %+v", report)
	}
	if h.orders.Calls("O1") != 1 || h.orders.Calls("O2") != 0 {
		t.Errorf("order calls: O1=%d O2=%d", h.orders.Calls("O1"), h.orders.Calls("O2"))
	}
	if rec := h.ledger.Record(abandoned); rec.EntitySync != models.EntitySyncSynced {
		t.Errorf("entity sync = %s, want synced", rec.EntitySync)
	}
}

func TestReconcileStalePendingEnforcesMinimumAge(t *testing.T) {
	h := newHarness()
	h.svc.now = func() time.Time { return time.Now().Add(-time.Minute) }
	txID := h.create(t, orderRequest("100.00"))

	recon := NewReconciliationService(h.ledger, h.svc, zap.NewNop())
	report, err := recon.ReconcileStalePending(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("ReconcileStalePending: %v", err)
	}
	if report.PendingChecked != 0 {
		t.Errorf("checked %d payments younger than %s", report.PendingChecked, MinPendingAge)
	}
	if h.gw.CancelCalls != 0 || h.gw.Status(txID) != gateway.IntentStatusRequiresPaymentMethod {
		t.Error("a fresh intent was cancelled by the sweep")
	}
}
