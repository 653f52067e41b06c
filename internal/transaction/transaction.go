package transaction

import (
	"time"

	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	"github.com/shopspring/decimal"
)

const (
	StatusActive   = "active"
	StatusReturned = "returned"
)

type Transaction struct {
	ID                    int64            `json:"id"`
	LocationID            int64            `json:"locationId"`
	BorrowerName          string           `json:"borrowerName"`
	BorrowerPhone         *string          `json:"borrowerPhone,omitempty"`
	BorrowerEmail         *string          `json:"borrowerEmail,omitempty"`
	Color                 *string          `json:"color,omitempty"`
	DepositAmount         decimal.Decimal  `json:"depositAmount"`
	DepositPaymentMethod  string           `json:"depositPaymentMethod"`
	Status                string           `json:"status"`
	IsReturned            bool             `json:"isReturned"`
	BorrowDate            time.Time        `json:"borrowDate"`
	ExpectedReturnDate    *time.Time       `json:"expectedReturnDate,omitempty"`
	ActualReturnDate      *time.Time       `json:"actualReturnDate,omitempty"`
	RefundAmount          *decimal.Decimal `json:"refundAmount,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
	PayLaterStatus        *PayLaterStatus  `json:"payLaterStatus,omitempty"`
	StripeCustomerID      *string          `json:"-"`
	StripeSetupIntentID   *string          `json:"-"`
	StripePaymentMethodID *string          `json:"-"`
	StripePaymentIntentID *string          `json:"-"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// PendingCardResolution reports an open pay-later hold.
func (t *Transaction) PendingCardResolution() bool {
	return t.PayLaterStatus != nil && t.PayLaterStatus.IsPendingResolution()
}

func (t *Transaction) ColorOrEmpty() string {
	if t.Color == nil {
		return ""
	}
	return *t.Color
}

func (t *Transaction) EmailOrEmpty() string {
	if t.BorrowerEmail == nil {
		return ""
	}
	return *t.BorrowerEmail
}

func FromDataModel(row *transactionDatamodel.Transaction) *Transaction {
	t := &Transaction{
		ID:                    row.ID,
		LocationID:            row.LocationID,
		BorrowerName:          row.BorrowerName,
		BorrowerPhone:         row.BorrowerPhone,
		BorrowerEmail:         row.BorrowerEmail,
		Color:                 row.Color,
		DepositAmount:         row.DepositAmount,
		DepositPaymentMethod:  row.DepositPaymentMethod,
		Status:                StatusActive,
		IsReturned:            row.IsReturned,
		BorrowDate:            row.BorrowDate,
		ExpectedReturnDate:    row.ExpectedReturnDate,
		ActualReturnDate:      row.ActualReturnDate,
		RefundAmount:          row.RefundAmount,
		Notes:                 row.Notes,
		StripeCustomerID:      row.StripeCustomerID,
		StripeSetupIntentID:   row.StripeSetupIntentID,
		StripePaymentMethodID: row.StripePaymentMethodID,
		StripePaymentIntentID: row.StripePaymentIntentID,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	if row.IsReturned {
		t.Status = StatusReturned
	}
	if row.PayLaterStatus != nil {
		s := PayLaterStatus(*row.PayLaterStatus)
		t.PayLaterStatus = &s
	}
	return t
}

type Filter struct {
	LocationID *int64
	Returned   *bool
	Limit      int
	Offset     int
}
