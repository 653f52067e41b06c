package location

import (
	"time"

	"github.com/shopspring/decimal"
)

type Location struct {
	ID                   int64           `gorm:"primaryKey"`
	Code                 string          `gorm:"column:code;uniqueIndex;not null"`
	Name                 string          `gorm:"column:name;not null"`
	Address              string          `gorm:"column:address"`
	ContactEmail         string          `gorm:"column:contact_email"`
	ContactPhone         string          `gorm:"column:contact_phone"`
	IsActive             bool            `gorm:"column:is_active;not null;default:true"`
	DefaultDepositAmount decimal.Decimal `gorm:"column:default_deposit_amount;type:numeric(10,2);not null;default:20"`
	ProcessingFeeBps     int             `gorm:"column:processing_fee_bps;not null;default:0"`
	OperatorPinHash      string          `gorm:"column:operator_pin_hash"`
	CreatedAt            time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// PaymentMethod is a globally configured way of collecting a deposit.
type PaymentMethod struct {
	ID               int64           `gorm:"primaryKey"`
	Name             string          `gorm:"column:name;uniqueIndex;not null"`
	DisplayName      string          `gorm:"column:display_name;not null"`
	IsActive         bool            `gorm:"column:is_active;not null;default:true"`
	ProcessingFeeBps int             `gorm:"column:processing_fee_bps;not null;default:0"`
	FixedFee         decimal.Decimal `gorm:"column:fixed_fee;type:numeric(10,2);not null;default:0"`
	RequiresAPI      bool            `gorm:"column:requires_api;not null;default:false"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

type LocationPaymentMethod struct {
	LocationID      int64     `gorm:"column:location_id;primaryKey;autoIncrement:false"`
	PaymentMethodID int64     `gorm:"column:payment_method_id;primaryKey;autoIncrement:false"`
	SortOrder       int       `gorm:"column:sort_order;not null;default:0"`
	IsEnabled       bool      `gorm:"column:is_enabled;not null;default:true"`
	FeeOverrideBps  *int      `gorm:"column:fee_override_bps"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}
