package payment

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Payment struct {
	ID                int64           `gorm:"primaryKey"`
	TransactionID     int64           `gorm:"column:transaction_id;not null;index"`
	Kind              string          `gorm:"column:kind;not null;default:charge"`
	PaymentMethod     string          `gorm:"column:payment_method;not null"`
	Provider          string          `gorm:"column:provider;not null"`
	ExternalPaymentID *string         `gorm:"column:external_payment_id;uniqueIndex"`
	DepositAmount     decimal.Decimal `gorm:"column:deposit_amount;type:numeric(10,2);not null"`
	ProcessingFee     decimal.Decimal `gorm:"column:processing_fee;type:numeric(10,2);not null;default:0"`
	TotalAmount       decimal.Decimal `gorm:"column:total_amount;type:numeric(10,2);not null"`
	RefundedAmount    decimal.Decimal `gorm:"column:refunded_amount;type:numeric(10,2);not null;default:0"`
	Status            string          `gorm:"column:status;not null;default:pending;index"`
	ProviderData      datatypes.JSON  `gorm:"column:provider_data"`
	FailureCode       *string         `gorm:"column:failure_code"`
	FailureReason     *string         `gorm:"column:failure_reason"`
	RetryCount        int             `gorm:"column:retry_count;not null;default:0"`
	NextRetryAt       *time.Time      `gorm:"column:next_retry_at;index"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt       *time.Time      `gorm:"column:completed_at"`
}
