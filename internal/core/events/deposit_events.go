package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted    = "payment.completed"
	EventTypePaymentFailed       = "payment.failed"
	EventTypeDepositRefunded     = "deposit.refunded"
	EventTypeTransactionReturned = "transaction.returned"
	EventTypeManualReview        = "payment.manual_review"
)

// Source values tell subscribers whether a staff member or a provider
// callback drove the change.
const (
	SourceManual  = "manual"
	SourceWebhook = "webhook"
	SourceSweep   = "sweep"
)

func newBase(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID     int64  `json:"payment_id"`
	TransactionID int64  `json:"transaction_id"`
	LocationID    int64  `json:"location_id"`
	Method        string `json:"method"`
	Amount        string `json:"amount"`
	Source        string `json:"source"`
}

func NewPaymentCompletedEvent(paymentID, transactionID, locationID int64, method, amount, source string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: newBase(EventTypePaymentCompleted, map[string]interface{}{
			"payment_id":     paymentID,
			"transaction_id": transactionID,
			"location_id":    locationID,
			"method":         method,
			"amount":         amount,
			"source":         source,
		}),
		PaymentID:     paymentID,
		TransactionID: transactionID,
		LocationID:    locationID,
		Method:        method,
		Amount:        amount,
		Source:        source,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     int64  `json:"payment_id"`
	TransactionID int64  `json:"transaction_id"`
	LocationID    int64  `json:"location_id"`
	FailureCode   string `json:"failure_code"`
	FailureReason string `json:"failure_reason"`
	RetryCount    int    `json:"retry_count"`
	Source        string `json:"source"`
}

func NewPaymentFailedEvent(paymentID, transactionID, locationID int64, failureCode, failureReason string, retryCount int, source string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: newBase(EventTypePaymentFailed, map[string]interface{}{
			"payment_id":     paymentID,
			"transaction_id": transactionID,
			"location_id":    locationID,
			"failure_code":   failureCode,
			"failure_reason": failureReason,
			"retry_count":    retryCount,
			"source":         source,
		}),
		PaymentID:     paymentID,
		TransactionID: transactionID,
		LocationID:    locationID,
		FailureCode:   failureCode,
		FailureReason: failureReason,
		RetryCount:    retryCount,
		Source:        source,
	}
}

type DepositRefundedEvent struct {
	BaseEvent
	TransactionID   int64  `json:"transaction_id"`
	LocationID      int64  `json:"location_id"`
	RefundPaymentID int64  `json:"refund_payment_id"`
	Amount          string `json:"amount"`
	BorrowerEmail   string `json:"borrower_email,omitempty"`
	BorrowerName    string `json:"borrower_name"`
}

func NewDepositRefundedEvent(transactionID, locationID, refundPaymentID int64, amount, borrowerName, borrowerEmail string) *DepositRefundedEvent {
	return &DepositRefundedEvent{
		BaseEvent: newBase(EventTypeDepositRefunded, map[string]interface{}{
			"transaction_id":    transactionID,
			"location_id":       locationID,
			"refund_payment_id": refundPaymentID,
			"amount":            amount,
		}),
		TransactionID:   transactionID,
		LocationID:      locationID,
		RefundPaymentID: refundPaymentID,
		Amount:          amount,
		BorrowerName:    borrowerName,
		BorrowerEmail:   borrowerEmail,
	}
}

type TransactionReturnedEvent struct {
	BaseEvent
	TransactionID int64  `json:"transaction_id"`
	LocationID    int64  `json:"location_id"`
	Color         string `json:"color,omitempty"`
	RefundAmount  string `json:"refund_amount"`
}

func NewTransactionReturnedEvent(transactionID, locationID int64, color, refundAmount string) *TransactionReturnedEvent {
	return &TransactionReturnedEvent{
		BaseEvent: newBase(EventTypeTransactionReturned, map[string]interface{}{
			"transaction_id": transactionID,
			"location_id":    locationID,
			"color":          color,
			"refund_amount":  refundAmount,
		}),
		TransactionID: transactionID,
		LocationID:    locationID,
		Color:         color,
		RefundAmount:  refundAmount,
	}
}

// ManualReviewEvent is raised when a payment needs a human to resolve it.
type ManualReviewEvent struct {
	BaseEvent
	TransactionID int64  `json:"transaction_id"`
	LocationID    int64  `json:"location_id"`
	PaymentID     int64  `json:"payment_id"`
	Reason        string `json:"reason"`
}

func NewManualReviewEvent(transactionID, locationID, paymentID int64, reason string) *ManualReviewEvent {
	return &ManualReviewEvent{
		BaseEvent: newBase(EventTypeManualReview, map[string]interface{}{
			"transaction_id": transactionID,
			"location_id":    locationID,
			"payment_id":     paymentID,
			"reason":         reason,
		}),
		TransactionID: transactionID,
		LocationID:    locationID,
		PaymentID:     paymentID,
		Reason:        reason,
	}
}
