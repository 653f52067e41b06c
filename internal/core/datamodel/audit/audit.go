package audit

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID         int64          `gorm:"primaryKey"`
	ActorID    *int64         `gorm:"column:actor_id"`
	ActorRole  string         `gorm:"column:actor_role;not null"`
	Action     string         `gorm:"column:action;not null;index"`
	EntityType string         `gorm:"column:entity_type;not null;index:idx_audit_entity"`
	EntityID   int64          `gorm:"column:entity_id;not null;index:idx_audit_entity"`
	Before     datatypes.JSON `gorm:"column:before"`
	After      datatypes.JSON `gorm:"column:after"`
	Notes      string         `gorm:"column:notes"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
}
