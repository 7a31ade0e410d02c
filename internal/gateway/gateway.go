// internal/gateway/gateway.go
package gateway

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusCanceled              IntentStatus = "canceled"
	IntentStatusSucceeded             IntentStatus = "succeeded"
)

var (
	// ErrUnavailable means the provider could not be reached or answered with a
	// transient failure. The outcome of a write is unknown.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrNotFound means the provider has no intent for the given identifier.
	ErrNotFound = errors.New("payment intent not found")
	// ErrRejected means the provider definitively refused the request.
	ErrRejected = errors.New("payment gateway rejected request")
)

// Intent is the provider's view of a payment.
type Intent struct {
	TransactionID string
	ClientSecret  string
	Status        IntentStatus
	AmountMinor   int64
	Currency      string
	Metadata      map[string]string
}

// IntentRequest opens a new intent. RequestKey is sent as the provider
// idempotency key and stored in metadata so an ambiguous create can be found
// again.
type IntentRequest struct {
	AmountMinor int64
	Currency    string
	RequestKey  string
	Description string
	Metadata    map[string]string
}

// MetadataRequestKey is the metadata field holding IntentRequest.RequestKey.
const MetadataRequestKey = "requestKey"

// MaxRequestKeyLength is the longest idempotency key the provider accepts.
const MaxRequestKeyLength = 255

var requestKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRequestKey reports whether key is safe to send as an idempotency key
// and to embed in a search query.
func ValidRequestKey(key string) bool {
	return len(key) <= MaxRequestKeyLength && requestKeyPattern.MatchString(key)
}

// ToMinorUnits converts a major-unit amount into integer minor units. Amounts
// finer than the minor unit are rejected rather than rounded.
func ToMinorUnits(amount decimal.Decimal, digits int32) (int64, error) {
	shifted := amount.Shift(digits)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, digits)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a major-unit amount.
func FromMinorUnits(minor int64, digits int32) decimal.Decimal {
	return decimal.New(minor, -digits)
}
