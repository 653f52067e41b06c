package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	auditDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/audit"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder appends to the audit trail. It has no update or delete path.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// WithTx returns a recorder that writes inside tx, so the entry commits or
// rolls back with the change it describes.
func (r *Recorder) WithTx(tx *gorm.DB) *Recorder {
	return &Recorder{db: tx, logger: r.logger}
}

func (r *Recorder) Record(ctx context.Context, e Entry) error {
	before, err := encode(e.Before)
	if err != nil {
		return fmt.Errorf("encode audit before: %w", err)
	}
	after, err := encode(e.After)
	if err != nil {
		return fmt.Errorf("encode audit after: %w", err)
	}

	row := &auditDatamodel.AuditLog{
		ActorID:    e.Actor.ActorID(),
		ActorRole:  string(e.Actor.Role),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Before:     before,
		After:      after,
		Notes:      e.Notes,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Error("failed to write audit entry", "action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID, "error", err)
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// RecordBestEffort logs instead of returning the error. Used after the
// described change has already committed.
func (r *Recorder) RecordBestEffort(ctx context.Context, e Entry) {
	_ = r.Record(ctx, e)
}

type Filter struct {
	EntityType string
	EntityID   *int64
	Action     string
	Limit      int
}

func (r *Recorder) List(ctx context.Context, f Filter) ([]Log, error) {
	q := r.db.WithContext(ctx).Model(&auditDatamodel.AuditLog{})
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != nil {
		q = q.Where("entity_id = ?", *f.EntityID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []*auditDatamodel.AuditLog
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Log, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromDataModel(row))
	}
	return out, nil
}

func encode(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return datatypes.JSON(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
