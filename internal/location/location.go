package location

import (
	"time"

	locationDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/location"
	"github.com/shopspring/decimal"
)

const (
	MethodCash   = "cash"
	MethodStripe = "stripe"
	MethodPayPal = "paypal"
)

// KnownMethods are the payment method names the ledger can dispatch.
var KnownMethods = []string{MethodCash, MethodStripe, MethodPayPal}

type Location struct {
	ID                   int64           `json:"id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Address              string          `json:"address,omitempty"`
	ContactEmail         string          `json:"contactEmail,omitempty"`
	ContactPhone         string          `json:"contactPhone,omitempty"`
	IsActive             bool            `json:"isActive"`
	DefaultDepositAmount decimal.Decimal `json:"defaultDepositAmount"`
	ProcessingFeeBps     int             `json:"processingFeeBps"`
	HasOperatorPin       bool            `json:"hasOperatorPin"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

type PaymentMethod struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	DisplayName      string          `json:"displayName"`
	IsActive         bool            `json:"isActive"`
	ProcessingFeeBps int             `json:"processingFeeBps"`
	FixedFee         decimal.Decimal `json:"fixedFee"`
	RequiresAPI      bool            `json:"requiresApi"`
}

// AcceptedMethod is one entry of a location's ordered payment method list.
type AcceptedMethod struct {
	PaymentMethod
	SortOrder      int  `json:"sortOrder"`
	IsEnabled      bool `json:"isEnabled"`
	FeeOverrideBps *int `json:"feeOverrideBps,omitempty"`
}

// MethodTerms is everything needed to price a deposit collected through a
// method at a location.
type MethodTerms struct {
	LocationID     int64
	Method         string
	LocationFeeBps int
	MethodFeeBps   int
	FeeOverrideBps *int
	FixedFee       decimal.Decimal
}

// FeeBps applies the precedence override > method fee > location fee. Cash
// never carries a fee.
func (t MethodTerms) FeeBps() int {
	if t.Method == MethodCash {
		return 0
	}
	if t.FeeOverrideBps != nil {
		return *t.FeeOverrideBps
	}
	if t.MethodFeeBps > 0 {
		return t.MethodFeeBps
	}
	return t.LocationFeeBps
}

// Fee computes the processing fee for amount, rounded half-up to cents.
func (t MethodTerms) Fee(amount decimal.Decimal) decimal.Decimal {
	if t.Method == MethodCash {
		return decimal.Zero
	}
	pct := amount.Mul(decimal.NewFromInt(int64(t.FeeBps()))).Div(decimal.NewFromInt(10000))
	return pct.Add(t.FixedFee).Round(2)
}

func FromDataModel(row *locationDatamodel.Location) *Location {
	return &Location{
		ID:                   row.ID,
		Code:                 row.Code,
		Name:                 row.Name,
		Address:              row.Address,
		ContactEmail:         row.ContactEmail,
		ContactPhone:         row.ContactPhone,
		IsActive:             row.IsActive,
		DefaultDepositAmount: row.DefaultDepositAmount,
		ProcessingFeeBps:     row.ProcessingFeeBps,
		HasOperatorPin:       row.OperatorPinHash != "",
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

func MethodFromDataModel(row *locationDatamodel.PaymentMethod) PaymentMethod {
	return PaymentMethod{
		ID:               row.ID,
		Name:             row.Name,
		DisplayName:      row.DisplayName,
		IsActive:         row.IsActive,
		ProcessingFeeBps: row.ProcessingFeeBps,
		FixedFee:         row.FixedFee,
		RequiresAPI:      row.RequiresAPI,
	}
}
