package paymentsync

import (
	"strings"
	"time"

	"github.com/mooses23/gemachhub/internal/payment"
)

var stripeStatuses = map[string]payment.Status{
	"succeeded":               payment.StatusCompleted,
	"processing":              payment.StatusConfirming,
	"pending":                 payment.StatusConfirming,
	"requires_payment_method": payment.StatusPending,
	"requires_confirmation":   payment.StatusPending,
	"requires_action":         payment.StatusPending,
	"requires_capture":        payment.StatusPending,
	"canceled":                payment.StatusFailed,
	"payment_failed":          payment.StatusFailed,
	"failed":                  payment.StatusFailed,
	"refunded":                payment.StatusRefunded,
}

var paypalStatuses = map[string]payment.Status{
	"COMPLETED":             payment.StatusCompleted,
	"PARTIALLY_REFUNDED":    payment.StatusCompleted,
	"APPROVED":              payment.StatusConfirming,
	"PENDING":               payment.StatusConfirming,
	"CREATED":               payment.StatusPending,
	"SAVED":                 payment.StatusPending,
	"PAYER_ACTION_REQUIRED": payment.StatusPending,
	"DECLINED":              payment.StatusFailed,
	"DENIED":                payment.StatusFailed,
	"VOIDED":                payment.StatusFailed,
	"FAILED":                payment.StatusFailed,
	"CANCELLED":             payment.StatusFailed,
	"REFUNDED":              payment.StatusRefunded,
}

var cashStatuses = map[string]payment.Status{
	payment.CashAwaitingConfirmation: payment.StatusConfirming,
	payment.CashReturned:             payment.StatusCompleted,
}

// genericStatuses covers providers that report the plain vocabulary.
var genericStatuses = map[string]payment.Status{
	"succeeded": payment.StatusCompleted,
	"completed": payment.StatusCompleted,
	"pending":   payment.StatusPending,
	"failed":    payment.StatusFailed,
	"declined":  payment.StatusFailed,
}

// MapExternalStatus translates a provider's status word into the ledger's
// status. ok is false for words the ledger does not know.
func MapExternalStatus(provider, external string) (payment.Status, bool) {
	var table map[string]payment.Status
	key := external
	switch provider {
	case payment.ProviderStripe:
		table = stripeStatuses
	case payment.ProviderPayPal:
		table = paypalStatuses
		key = strings.ToUpper(external)
	case payment.ProviderCash:
		table = cashStatuses
	}
	if st, ok := table[key]; ok {
		return st, true
	}
	st, ok := genericStatuses[strings.ToLower(external)]
	return st, ok
}

var retryableFailures = map[string]bool{
	"insufficient_funds": true,
	"timeout":            true,
	"network_error":      true,
	"processing_error":   true,
	"try_again_later":    true,
}

// ClassifyFailure reports whether a failure code is worth another attempt.
func ClassifyFailure(code string) bool {
	return retryableFailures[strings.ToLower(strings.TrimSpace(code))]
}

// RetryPolicy spaces attempts out by BaseDelay times the attempt number.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Minute}
}

// Exhausted is true once attempt retries have already been scheduled.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextAttempt returns when retry number attempt (1-based) is due.
func (p RetryPolicy) NextAttempt(now time.Time, attempt int) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	return now.Add(time.Duration(attempt) * p.BaseDelay)
}
