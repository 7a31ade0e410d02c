// internal/service/reconciliation.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace-payments/internal/models"
)

// MinPendingAge is the youngest pending payment a sweep may confirm. Younger
// intents are usually still in front of the customer, and confirming one that
// is not yet paid cancels it.
const MinPendingAge = 5 * time.Minute

// ReconciliationService repairs payments that the request path left behind:
// records still pending after the client walked away, and complete payments
// whose order or subscription was never marked paid.
type ReconciliationService struct {
	ledger   LedgerStore
	payments *PaymentService
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciliationService(ledger LedgerStore, payments *PaymentService, logger *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		ledger:   ledger,
		payments: payments,
		logger:   logger,
		now:      time.Now,
	}
}

// ReconciliationReport summarises one pass.
type ReconciliationReport struct {
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	PendingChecked   int       `json:"pendingChecked"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	StillPending     int       `json:"stillPending"`
	BacklogChecked   int       `json:"backlogChecked"`
	EntitiesSynced   int       `json:"entitiesSynced"`
	EntitySyncFailed int       `json:"entitySyncFailed"`
	Discrepancies    []string  `json:"discrepancies"`
}

// Run confirms stale pending payments, then works the entity sync backlog.
func (s *ReconciliationService) Run(ctx context.Context, pendingOlderThan time.Duration, limit int) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		StartedAt:     s.now(),
		Discrepancies: []string{},
	}

	if err := s.reconcileStalePending(ctx, report, pendingOlderThan, limit); err != nil {
		return nil, err
	}
	if err := s.resyncEntities(ctx, report, limit); err != nil {
		return nil, err
	}

	report.FinishedAt = s.now()

	if len(report.Discrepancies) == 0 {
		s.logger.Info("reconciliation complete",
			zap.Int("pending_checked", report.PendingChecked),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("entities_synced", report.EntitiesSynced))
	} else {
		s.logger.Warn("reconciliation complete with discrepancies",
			zap.Int("pending_checked", report.PendingChecked),
			zap.Int("backlog_checked", report.BacklogChecked),
			zap.Strings("discrepancies", report.Discrepancies))
	}

	return report, nil
}

// ReconcileStalePending confirms pending payments created before now-olderThan.
func (s *ReconciliationService) ReconcileStalePending(ctx context.Context, olderThan time.Duration, limit int) (*ReconciliationReport, error) {
	report := &ReconciliationReport{StartedAt: s.now(), Discrepancies: []string{}}
	if err := s.reconcileStalePending(ctx, report, olderThan, limit); err != nil {
		return nil, err
	}
	report.FinishedAt = s.now()
	return report, nil
}

// ResyncPendingEntities retries the entity step of complete payments.
func (s *ReconciliationService) ResyncPendingEntities(ctx context.Context, limit int) (*ReconciliationReport, error) {
	report := &ReconciliationReport{StartedAt: s.now(), Discrepancies: []string{}}
	if err := s.resyncEntities(ctx, report, limit); err != nil {
		return nil, err
	}
	report.FinishedAt = s.now()
	return report, nil
}

func (s *ReconciliationService) reconcileStalePending(ctx context.Context, report *ReconciliationReport, olderThan time.Duration, limit int) error {
	if olderThan < MinPendingAge {
		olderThan = MinPendingAge
	}
	stale, err := s.ledger.ListStalePending(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return fmt.Errorf("failed to list pending payments: %w", err)
	}

	for _, record := range stale {
		report.PendingChecked++

		result, err := s.payments.ConfirmPayment(ctx, record.TransactionID)
		switch {
		case err == nil, IsPartialReconciliation(err):
			switch result.Status {
			case models.PaymentStatusComplete:
				report.Completed++
			case models.PaymentStatusFailed:
				report.Failed++
			default:
				report.StillPending++
			}
			if err != nil {
				report.Discrepancies = append(report.Discrepancies, err.Error())
			}
		case IsValidation(err):
			report.Failed++
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("Payment %s: %v", record.TransactionID, err))
		case errors.Is(err, ErrGatewayUnavailable):
			// stays pending for the next pass
			report.StillPending++
			s.logger.Warn("gateway unavailable during reconciliation",
				zap.String("transaction_id", record.TransactionID))
		default:
			s.logger.Error("failed to reconcile pending payment",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err))
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("Payment %s: %v", record.TransactionID, err))
		}
	}
	return nil
}

func (s *ReconciliationService) resyncEntities(ctx context.Context, report *ReconciliationReport, limit int) error {
	backlog, err := s.ledger.ListEntitySyncBacklog(ctx, s.now().Add(-staleSyncAfter), limit)
	if err != nil {
		return fmt.Errorf("failed to list entity sync backlog: %w", err)
	}

	for _, record := range backlog {
		report.BacklogChecked++

		if _, err := s.payments.ResyncEntity(ctx, record.TransactionID); err != nil {
			report.EntitySyncFailed++
			report.Discrepancies = append(report.Discrepancies, err.Error())
			continue
		}
		report.EntitiesSynced++
	}
	return nil
}

// Start runs Run every interval until ctx is cancelled.
func (s *ReconciliationService) Start(ctx context.Context, interval, pendingOlderThan time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, pendingOlderThan, limit); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}
