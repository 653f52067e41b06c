package postgres

import (
	"context"

	webhookDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/webhook"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) paymentsync.EventLog {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) WithTx(tx *gorm.DB) paymentsync.EventLog {
	return &WebhookEventRepository{db: tx}
}

// Claim inserts the event id and reports false when it was already there.
func (r *WebhookEventRepository) Claim(ctx context.Context, provider, eventID, eventType string, paymentID *int64) (bool, error) {
	row := &webhookDatamodel.WebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		PaymentID: paymentID,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *WebhookEventRepository) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&webhookDatamodel.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Count(&count).Error
	return count > 0, err
}
