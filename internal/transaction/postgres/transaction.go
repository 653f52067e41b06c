package postgres

import (
	"context"
	"errors"
	"time"

	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) transaction.RepositoryAPI {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) WithTx(tx *gorm.DB) transaction.RepositoryAPI {
	return &TransactionRepository{db: tx}
}

func (r *TransactionRepository) Create(ctx context.Context, row *transactionDatamodel.Transaction) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*transactionDatamodel.Transaction, error) {
	var row transactionDatamodel.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *TransactionRepository) List(ctx context.Context, f transaction.Filter) ([]*transactionDatamodel.Transaction, int64, error) {
	filter := func(q *gorm.DB) *gorm.DB {
		if f.LocationID != nil {
			q = q.Where("location_id = ?", *f.LocationID)
		}
		if f.Returned != nil {
			q = q.Where("is_returned = ?", *f.Returned)
		}
		return q
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&transactionDatamodel.Transaction{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []*transactionDatamodel.Transaction
	err := r.db.WithContext(ctx).
		Scopes(filter).
		Order("borrow_date DESC, id DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&rows).Error
	return rows, total, err
}

func (r *TransactionRepository) MarkReturned(ctx context.Context, id int64, returnedAt time.Time, refund decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&transactionDatamodel.Transaction{}).
		Where("id = ? AND is_returned = ?", id, false).
		Updates(map[string]interface{}{
			"is_returned":        true,
			"actual_return_date": returnedAt,
			"refund_amount":      refund,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *TransactionRepository) AppendNote(ctx context.Context, id int64, entry string) error {
	return r.db.WithContext(ctx).
		Model(&transactionDatamodel.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notes":      gorm.Expr("CASE WHEN notes = '' THEN ? ELSE notes || ? END", entry, "\n"+entry),
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *TransactionRepository) CompareAndSetPayLater(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"pay_later_status": to,
		"updated_at":       time.Now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&transactionDatamodel.Transaction{}).
		Where("id = ? AND pay_later_status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *TransactionRepository) Update(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&transactionDatamodel.Transaction{}).
		Where("id = ?", id).
		Updates(fields).Error
}
