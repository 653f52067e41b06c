package webhook

import "time"

// WebhookEvent records every external event id that has been applied.
type WebhookEvent struct {
	ID          int64     `gorm:"primaryKey"`
	Provider    string    `gorm:"column:provider;not null;uniqueIndex:idx_webhook_provider_event"`
	EventID     string    `gorm:"column:event_id;not null;uniqueIndex:idx_webhook_provider_event"`
	EventType   string    `gorm:"column:event_type;not null"`
	PaymentID   *int64    `gorm:"column:payment_id"`
	ProcessedAt time.Time `gorm:"column:processed_at;autoCreateTime"`
}
