// internal/handler/reconciliation_handler.go
package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-payments/internal/service"
)

const defaultSweepLimit = 100

type Reconciler interface {
	Run(ctx context.Context, pendingOlderThan time.Duration, limit int) (*service.ReconciliationReport, error)
}

type ReconciliationHandler struct {
	reconciler   Reconciler
	pendingAfter time.Duration
	logger       *zap.Logger
}

func NewReconciliationHandler(reconciler Reconciler, pendingAfter time.Duration, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciler:   reconciler,
		pendingAfter: pendingAfter,
		logger:       logger,
	}
}

type reconcileRequest struct {
	OlderThan string `json:"olderThan"`
	Limit     int    `json:"limit" binding:"omitempty,min=1,max=1000"`
}

// ReconcilePending handles POST /api/v1/reconciliation/pending
func (h *ReconciliationHandler) ReconcilePending(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	olderThan := h.pendingAfter
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < service.MinPendingAge {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("olderThan must be a duration of at least %s", service.MinPendingAge)})
			return
		}
		olderThan = d
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultSweepLimit
	}

	report, err := h.reconciler.Run(c.Request.Context(), olderThan, limit)
	if err != nil {
		h.logger.Error("reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
