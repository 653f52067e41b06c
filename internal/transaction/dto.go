package transaction

import (
	"strings"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/common/validation"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/shopspring/decimal"
)

// CreateRequest opens a loan. DepositAmount defaults to the location's
// configured deposit.
type CreateRequest struct {
	LocationID         int64            `json:"locationId"`
	BorrowerName       string           `json:"borrowerName"`
	BorrowerPhone      *string          `json:"borrowerPhone,omitempty"`
	BorrowerEmail      *string          `json:"borrowerEmail,omitempty"`
	Color              *string          `json:"color,omitempty"`
	DepositAmount      *decimal.Decimal `json:"depositAmount,omitempty"`
	PaymentMethod      string           `json:"paymentMethod"`
	ExpectedReturnDate *time.Time       `json:"expectedReturnDate,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	PayLater           bool             `json:"payLater,omitempty"`
}

func (r *CreateRequest) Validate() error {
	r.BorrowerName = strings.TrimSpace(r.BorrowerName)
	r.PaymentMethod = strings.ToLower(strings.TrimSpace(r.PaymentMethod))

	v := validation.NewValidator()
	v.Field("locationId", r.LocationID).Required()
	v.Field("borrowerName", r.BorrowerName).Required().MaxLength(200)
	v.Field("borrowerEmail", r.BorrowerEmail).Email()
	v.Field("borrowerPhone", r.BorrowerPhone).Custom(func(value interface{}) *internal.AppError {
		if r.BorrowerPhone == nil && r.BorrowerEmail == nil {
			return internal.NewValidationFieldError("borrowerPhone", "a phone number or email address is required", internal.ErrCodeValidationFailed)
		}
		return nil
	})
	v.Field("paymentMethod", r.PaymentMethod).Required().OneOf(location.KnownMethods, internal.ErrCodeInvalidMethod)
	v.Field("expectedReturnDate", r.ExpectedReturnDate).NotPast()
	if r.DepositAmount != nil {
		v.Field("depositAmount", *r.DepositAmount).PositiveAmount()
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if r.PayLater && r.PaymentMethod != location.MethodStripe {
		return internal.NewValidationError("pay later is only available for card deposits", internal.ErrCodeInvalidMethod)
	}
	return nil
}

// LendRequest is a CreateRequest that also takes one item of Color off the shelf.
type LendRequest struct {
	CreateRequest
}

func (r *LendRequest) Validate() error {
	if err := r.CreateRequest.Validate(); err != nil {
		return err
	}
	if r.Color == nil || strings.TrimSpace(*r.Color) == "" {
		return internal.NewValidationFieldError("color", "color is required", internal.ErrCodeInvalidColor)
	}
	return nil
}

type ReturnRequest struct {
	RefundAmount *decimal.Decimal `json:"refundAmount,omitempty"`
}

func (r *ReturnRequest) Validate() error {
	if err := validation.ValidateRefundAmount(r.RefundAmount); err != nil {
		return err
	}
	return nil
}

type ListResponse struct {
	Transactions []*Transaction `json:"transactions"`
	Total        int64          `json:"total"`
}

// Detail is one loan with every payment row recorded against it, oldest
// first.
type Detail struct {
	*Transaction
	Payments []*payment.Payment `json:"payments"`
}
