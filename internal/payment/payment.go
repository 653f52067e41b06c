package payment

import (
	"encoding/json"
	"time"

	paymentDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/payment"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusConfirming   Status = "confirming"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRefunded     Status = "refunded"
	StatusPendingRetry Status = "pending_retry"
)

// IsTerminal reports a status no further transition may leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Open lists the statuses a payment can still move out of.
var Open = []Status{StatusPending, StatusConfirming, StatusPendingRetry}

// Confirmable lists the statuses an operator may confirm or reject from.
var Confirmable = []Status{StatusPending, StatusConfirming}

type Kind string

const (
	KindCharge   Kind = "charge"
	KindRefund   Kind = "refund"
	KindCardHold Kind = "card_hold"
)

type Payment struct {
	ID                int64           `json:"id"`
	TransactionID     int64           `json:"transactionId"`
	Kind              Kind            `json:"kind"`
	PaymentMethod     string          `json:"paymentMethod"`
	Provider          string          `json:"provider"`
	ExternalPaymentID *string         `json:"externalPaymentId,omitempty"`
	DepositAmount     decimal.Decimal `json:"depositAmount"`
	ProcessingFee     decimal.Decimal `json:"processingFee"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	RefundedAmount    decimal.Decimal `json:"refundedAmount"`
	Status            Status          `json:"status"`
	ProviderData      json.RawMessage `json:"-"`
	FailureCode       *string         `json:"failureCode,omitempty"`
	FailureReason     *string         `json:"failureReason,omitempty"`
	RetryCount        int             `json:"retryCount"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// Refundable is what is left of a charge after earlier refunds.
func (p *Payment) Refundable() decimal.Decimal {
	return p.DepositAmount.Sub(p.RefundedAmount)
}

func (p *Payment) ExternalIDOrEmpty() string {
	if p.ExternalPaymentID == nil {
		return ""
	}
	return *p.ExternalPaymentID
}

func FromDataModel(row *paymentDatamodel.Payment) *Payment {
	return &Payment{
		ID:                row.ID,
		TransactionID:     row.TransactionID,
		Kind:              Kind(row.Kind),
		PaymentMethod:     row.PaymentMethod,
		Provider:          row.Provider,
		ExternalPaymentID: row.ExternalPaymentID,
		DepositAmount:     row.DepositAmount,
		ProcessingFee:     row.ProcessingFee,
		TotalAmount:       row.TotalAmount,
		RefundedAmount:    row.RefundedAmount,
		Status:            Status(row.Status),
		ProviderData:      json.RawMessage(row.ProviderData),
		FailureCode:       row.FailureCode,
		FailureReason:     row.FailureReason,
		RetryCount:        row.RetryCount,
		NextRetryAt:       row.NextRetryAt,
		CreatedAt:         row.CreatedAt,
		CompletedAt:       row.CompletedAt,
	}
}

// PendingPayment is a payment awaiting confirmation joined with its loan.
type PendingPayment struct {
	Payment
	LocationID   int64  `json:"locationId"`
	BorrowerName string `json:"borrowerName"`
}
