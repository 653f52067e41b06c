package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID                    int64            `gorm:"primaryKey"`
	LocationID            int64            `gorm:"column:location_id;not null;index"`
	BorrowerName          string           `gorm:"column:borrower_name;not null"`
	BorrowerPhone         *string          `gorm:"column:borrower_phone"`
	BorrowerEmail         *string          `gorm:"column:borrower_email"`
	Color                 *string          `gorm:"column:color"`
	DepositAmount         decimal.Decimal  `gorm:"column:deposit_amount;type:numeric(10,2);not null"`
	DepositPaymentMethod  string           `gorm:"column:deposit_payment_method;not null"`
	IsReturned            bool             `gorm:"column:is_returned;not null;default:false;index"`
	BorrowDate            time.Time        `gorm:"column:borrow_date;not null"`
	ExpectedReturnDate    *time.Time       `gorm:"column:expected_return_date"`
	ActualReturnDate      *time.Time       `gorm:"column:actual_return_date"`
	RefundAmount          *decimal.Decimal `gorm:"column:refund_amount;type:numeric(10,2);check:NOT is_returned OR refund_amount IS NOT NULL"`
	Notes                 string           `gorm:"column:notes;not null;default:''"`
	PayLaterStatus        *string          `gorm:"column:pay_later_status;index"`
	StripeCustomerID      *string          `gorm:"column:stripe_customer_id"`
	StripeSetupIntentID   *string          `gorm:"column:stripe_setup_intent_id"`
	StripePaymentMethodID *string          `gorm:"column:stripe_payment_method_id"`
	StripePaymentIntentID *string          `gorm:"column:stripe_payment_intent_id"`
	CreatedAt             time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
