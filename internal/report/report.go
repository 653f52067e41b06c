package report

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositSummary is a point-in-time view of the money a location (or every
// location, when LocationID is nil) holds as deposits.
type DepositSummary struct {
	LocationID       *int64           `json:"locationId,omitempty"`
	ActiveLoans      int64            `json:"activeLoans"`
	Collected        decimal.Decimal  `json:"collected"`
	Refunded         decimal.Decimal  `json:"refunded"`
	NetHeld          decimal.Decimal  `json:"netHeld"`
	PaymentsByStatus map[string]int64 `json:"paymentsByStatus"`
	PendingPayLater  int64            `json:"pendingPayLater"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

// Totals is the raw aggregate row the repository returns.
type Totals struct {
	ActiveLoans     int64           `db:"active_loans"`
	Collected       decimal.Decimal `db:"collected"`
	Refunded        decimal.Decimal `db:"refunded"`
	PendingPayLater int64           `db:"pending_pay_later"`
}

type StatusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}
