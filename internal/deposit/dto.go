package deposit

import (
	"strings"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/common/validation"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/shopspring/decimal"
)

const maxBulkConfirm = 100

// InitiateDepositRequest opens a loan and starts collecting its deposit.
// When Color is set one item is taken off the shelf in the same step.
type InitiateDepositRequest struct {
	transaction.CreateRequest
}

// InitiatePaymentRequest starts collecting the deposit of an existing loan.
type InitiatePaymentRequest struct {
	TransactionID int64  `json:"transactionId"`
	LocationID    int64  `json:"locationId"`
	PaymentMethod string `json:"paymentMethod"`
}

func (r *InitiatePaymentRequest) Validate() error {
	r.PaymentMethod = strings.ToLower(strings.TrimSpace(r.PaymentMethod))

	v := validation.NewValidator()
	v.Field("transactionId", r.TransactionID).Required()
	v.Field("locationId", r.LocationID).Required()
	v.Field("paymentMethod", r.PaymentMethod).Required().OneOf(location.KnownMethods, internal.ErrCodeInvalidMethod)
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

// initiateBody is the wire shape of POST /deposits/initiate: a new loan, or a
// transactionId to pay for an existing one.
type initiateBody struct {
	transaction.CreateRequest
	TransactionID int64 `json:"transactionId,omitempty"`
}

type InitiateResponse struct {
	TransactionID  int64          `json:"transactionId"`
	PaymentID      int64          `json:"paymentId"`
	Status         payment.Status `json:"status"`
	ClientSecret   string         `json:"clientSecret,omitempty"`
	PublishableKey string         `json:"publishableKey,omitempty"`
	ApprovalURL    string         `json:"approvalUrl,omitempty"`
}

type ConfirmRequest struct {
	Confirmed *bool  `json:"confirmed"`
	Notes     string `json:"notes,omitempty"`
}

func (r *ConfirmRequest) Validate() error {
	r.Notes = strings.TrimSpace(r.Notes)

	v := validation.NewValidator()
	v.Field("confirmed", r.Confirmed).Required()
	v.Field("notes", r.Notes).MaxLength(1000)
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

type BulkConfirmRequest struct {
	PaymentIDs []int64 `json:"paymentIds"`
}

func (r *BulkConfirmRequest) Validate() error {
	if len(r.PaymentIDs) == 0 {
		return internal.NewValidationFieldError("paymentIds", "at least one payment id is required", internal.ErrCodeValidationFailed)
	}
	if len(r.PaymentIDs) > maxBulkConfirm {
		return internal.NewValidationFieldError("paymentIds", "too many payment ids in one request", internal.ErrCodeValidationFailed)
	}
	return nil
}

// BulkConfirmResult reports counts only; per-payment failures go to the audit
// trail.
type BulkConfirmResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type RefundRequest struct {
	RefundAmount *decimal.Decimal `json:"refundAmount,omitempty"`
	// LocationID, when sent, must match the loan's location.
	LocationID *int64 `json:"locationId,omitempty"`
}

func (r *RefundRequest) Validate() error {
	if err := validation.ValidateRefundAmount(r.RefundAmount); err != nil {
		return err
	}
	return nil
}

type RefundResult struct {
	Success         bool             `json:"success"`
	Amount          decimal.Decimal  `json:"amount"`
	Refund          *payment.Payment `json:"refund,omitempty"`
	BookkeepingOnly bool             `json:"bookkeepingOnly"`
}

type ReturnResult struct {
	Transaction  *transaction.Transaction `json:"transaction"`
	Refund       *RefundResult            `json:"refund,omitempty"`
	CardReleased bool                     `json:"cardReleased"`
}

type ChargeResult struct {
	Success        bool             `json:"success"`
	RequiresAction bool             `json:"requiresAction"`
	Status         payment.Status   `json:"status"`
	Payment        *payment.Payment `json:"payment,omitempty"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

func (r *DeclineRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)

	v := validation.NewValidator()
	v.Field("reason", r.Reason).Required().MaxLength(500)
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

type PendingResponse struct {
	Payments []*payment.PendingPayment `json:"payments"`
	Total    int                       `json:"total"`
}
