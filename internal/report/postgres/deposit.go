package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mooses23/gemachhub/internal/report"
)

const totalsQuery = `
SELECT
  (SELECT COUNT(*) FROM transactions t
     WHERE t.is_returned = FALSE AND ($1::bigint IS NULL OR t.location_id = $1)) AS active_loans,
  (SELECT COALESCE(SUM(p.deposit_amount), 0) FROM payments p
     JOIN transactions t ON t.id = p.transaction_id
     WHERE p.kind = 'charge' AND p.status IN ('completed', 'refunded')
       AND ($1::bigint IS NULL OR t.location_id = $1)) AS collected,
  (SELECT COALESCE(-SUM(p.deposit_amount), 0) FROM payments p
     JOIN transactions t ON t.id = p.transaction_id
     WHERE p.kind = 'refund' AND p.status = 'completed'
       AND ($1::bigint IS NULL OR t.location_id = $1)) AS refunded,
  (SELECT COUNT(*) FROM transactions t
     WHERE t.pay_later_status IS NOT NULL AND t.pay_later_status NOT IN ('CHARGED', 'DECLINED', 'EXPIRED')
       AND ($1::bigint IS NULL OR t.location_id = $1)) AS pending_pay_later`

const statusQuery = `
SELECT p.status, COUNT(*) AS count
FROM payments p
JOIN transactions t ON t.id = p.transaction_id
WHERE p.kind = 'charge' AND ($1::bigint IS NULL OR t.location_id = $1)
GROUP BY p.status
ORDER BY p.status`

type DepositRepository struct {
	db *sqlx.DB
}

func NewDepositRepository(db *sqlx.DB) *DepositRepository {
	return &DepositRepository{db: db}
}

func (r *DepositRepository) Totals(ctx context.Context, locationID *int64) (*report.Totals, error) {
	var t report.Totals
	if err := r.db.GetContext(ctx, &t, totalsQuery, locationID); err != nil {
		return nil, fmt.Errorf("deposit totals query: %w", err)
	}
	return &t, nil
}

func (r *DepositRepository) PaymentsByStatus(ctx context.Context, locationID *int64) ([]report.StatusCount, error) {
	var rows []report.StatusCount
	if err := r.db.SelectContext(ctx, &rows, statusQuery, locationID); err != nil {
		return nil, fmt.Errorf("payment status query: %w", err)
	}
	return rows, nil
}
