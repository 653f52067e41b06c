package postgres

import (
	"context"
	"errors"
	"time"

	paymentDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/payment"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) payment.RepositoryAPI {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) WithTx(tx *gorm.DB) payment.RepositoryAPI {
	return &PaymentRepository{db: tx}
}

func (r *PaymentRepository) Create(ctx context.Context, row *paymentDatamodel.Payment) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*paymentDatamodel.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *PaymentRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*paymentDatamodel.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("provider = ? AND external_payment_id = ?", provider, externalID))
}

func (r *PaymentRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]*paymentDatamodel.Payment, error) {
	var rows []*paymentDatamodel.Payment
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *PaymentRepository) FindLatest(ctx context.Context, transactionID int64, kind string, statuses []string) (*paymentDatamodel.Payment, error) {
	q := r.db.WithContext(ctx).Where("transaction_id = ? AND kind = ?", transactionID, kind)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	return r.first(q.Order("id DESC"))
}

func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) ReserveRefund(ctx context.Context, id int64, amount decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND refunded_amount + ? <= deposit_amount", id, amount).
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount + ?", amount),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) ReleaseRefund(ctx context.Context, id int64, amount decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&paymentDatamodel.Payment{}).
		Where("id = ? AND refunded_amount >= ?", id, amount).
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount - ?", amount),
			"updated_at":      time.Now().UTC(),
		}).Error
}

type pendingRow struct {
	Payment      paymentDatamodel.Payment `gorm:"embedded"`
	LocationID   int64                    `gorm:"column:location_id"`
	BorrowerName string                   `gorm:"column:borrower_name"`
}

func (r *PaymentRepository) ListPending(ctx context.Context, locationID *int64, statuses []string) ([]*payment.PendingPayment, error) {
	q := r.db.WithContext(ctx).
		Table("payments").
		Select("payments.*, transactions.location_id, transactions.borrower_name").
		Joins("JOIN transactions ON transactions.id = payments.transaction_id").
		Where("payments.kind = ? AND payments.status IN ?", string(payment.KindCharge), statuses)
	if locationID != nil {
		q = q.Where("transactions.location_id = ?", *locationID)
	}

	var rows []pendingRow
	if err := q.Order("payments.created_at ASC, payments.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*payment.PendingPayment, 0, len(rows))
	for i := range rows {
		out = append(out, &payment.PendingPayment{
			Payment:      *payment.FromDataModel(&rows[i].Payment),
			LocationID:   rows[i].LocationID,
			BorrowerName: rows[i].BorrowerName,
		})
	}
	return out, nil
}

func (r *PaymentRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*paymentDatamodel.Payment, error) {
	var rows []*paymentDatamodel.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", string(payment.StatusPendingRetry), now).
		Order("next_retry_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *PaymentRepository) Update(ctx context.Context, id int64, fields map[string]interface{}) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	return r.db.WithContext(ctx).
		Model(&paymentDatamodel.Payment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *PaymentRepository) first(q *gorm.DB) (*paymentDatamodel.Payment, error) {
	var row paymentDatamodel.Payment
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
