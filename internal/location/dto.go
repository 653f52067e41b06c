package location

import (
	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/common/validation"
	"github.com/shopspring/decimal"
)

type CreateLocationRequest struct {
	Code                 string           `json:"code"`
	Name                 string           `json:"name"`
	Address              string           `json:"address"`
	ContactEmail         string           `json:"contactEmail"`
	ContactPhone         string           `json:"contactPhone"`
	DefaultDepositAmount *decimal.Decimal `json:"defaultDepositAmount"`
	ProcessingFeeBps     int              `json:"processingFeeBps"`
	OperatorPin          string           `json:"operatorPin"`
}

func (r CreateLocationRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("code", r.Code).Required().MaxLength(32)
	v.Field("name", r.Name).Required().MaxLength(200)
	v.Field("contactEmail", r.ContactEmail).Email()
	v.Field("processingFeeBps", r.ProcessingFeeBps).MinInt(0, internal.ErrCodeValidationFailed).MaxInt(10000, internal.ErrCodeValidationFailed)
	if r.DefaultDepositAmount != nil {
		v.Field("defaultDepositAmount", *r.DefaultDepositAmount).PositiveAmount()
	}
	if r.OperatorPin != "" {
		v.Field("operatorPin", r.OperatorPin).MinLength(4).MaxLength(12)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

// UpdateLocationRequest carries only the fields being changed.
type UpdateLocationRequest struct {
	Name                 *string          `json:"name"`
	Address              *string          `json:"address"`
	ContactEmail         *string          `json:"contactEmail"`
	ContactPhone         *string          `json:"contactPhone"`
	IsActive             *bool            `json:"isActive"`
	DefaultDepositAmount *decimal.Decimal `json:"defaultDepositAmount"`
	ProcessingFeeBps     *int             `json:"processingFeeBps"`
	OperatorPin          *string          `json:"operatorPin"`
}

func (r UpdateLocationRequest) Validate() error {
	v := validation.NewValidator()
	if r.Name != nil {
		v.Field("name", *r.Name).Required().MaxLength(200)
	}
	v.Field("contactEmail", r.ContactEmail).Email()
	if r.DefaultDepositAmount != nil {
		v.Field("defaultDepositAmount", *r.DefaultDepositAmount).PositiveAmount()
	}
	if r.ProcessingFeeBps != nil {
		v.Field("processingFeeBps", *r.ProcessingFeeBps).MinInt(0, internal.ErrCodeValidationFailed).MaxInt(10000, internal.ErrCodeValidationFailed)
	}
	if r.OperatorPin != nil {
		v.Field("operatorPin", *r.OperatorPin).MinLength(4).MaxLength(12)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

type AcceptedMethodInput struct {
	Method         string `json:"method"`
	FeeOverrideBps *int   `json:"feeOverrideBps"`
}

type SetPaymentMethodsRequest struct {
	Methods []AcceptedMethodInput `json:"methods"`
}

func (r SetPaymentMethodsRequest) Validate() error {
	v := validation.NewValidator()
	seen := make(map[string]bool, len(r.Methods))
	for _, m := range r.Methods {
		v.Field("methods.method", m.Method).Required().OneOf(KnownMethods, internal.ErrCodeInvalidMethod)
		if m.FeeOverrideBps != nil {
			v.Field("methods.feeOverrideBps", *m.FeeOverrideBps).MinInt(0, internal.ErrCodeValidationFailed).MaxInt(10000, internal.ErrCodeValidationFailed)
		}
		if seen[m.Method] {
			return internal.NewValidationFieldError("methods", "each method may appear once", internal.ErrCodeInvalidMethod)
		}
		seen[m.Method] = true
	}
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

type LocationsResponse struct {
	Locations []*Location `json:"locations"`
}

type LocationDetailResponse struct {
	*Location
	PaymentMethods []AcceptedMethod `json:"paymentMethods"`
}

type PaymentMethodsResponse struct {
	PaymentMethods []PaymentMethod `json:"paymentMethods"`
}
