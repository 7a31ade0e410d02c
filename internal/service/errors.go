// internal/service/errors.go
package service

import (
	"errors"
	"fmt"

	"marketplace-payments/internal/models"
)

var (
	// ErrGatewayUnavailable is transient; the caller may retry the same call.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable, try again")
	// ErrRecordNotFound means confirmation was asked for a transaction this
	// service never recorded.
	ErrRecordNotFound = errors.New("payment record not found")
)

// ValidationError is a malformed or inconsistent request. Reason is safe to
// show to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Partial reconciliation reasons.
const (
	ReasonEntityWriteFailed = "entity_write_failed"
	ReasonRoleNotEligible   = "role_not_eligible"
)

// PartialReconciliationError means the payment is complete but the owning
// order or subscription was not marked paid. Only the entity step needs to be
// retried, through ResyncEntity.
type PartialReconciliationError struct {
	TransactionID string
	Kind          models.Kind
	Reason        string
	Err           error
}

func (e *PartialReconciliationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s captured but %s sync incomplete (%s): %v", e.TransactionID, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment %s captured but %s sync incomplete (%s)", e.TransactionID, e.Kind, e.Reason)
}

func (e *PartialReconciliationError) Unwrap() error {
	return e.Err
}

// IsPartialReconciliation reports whether err is a PartialReconciliationError.
func IsPartialReconciliation(err error) bool {
	var p *PartialReconciliationError
	return errors.As(err, &p)
}
