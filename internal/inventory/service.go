package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	inventoryDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/inventory"
	"github.com/mooses23/gemachhub/pkg/db"
	"gorm.io/gorm"
)

type RepositoryAPI interface {
	WithTx(tx *gorm.DB) RepositoryAPI
	ListByLocation(ctx context.Context, locationID int64) ([]*inventoryDatamodel.Inventory, error)
	Get(ctx context.Context, locationID int64, color string) (*inventoryDatamodel.Inventory, error)
	// Decrement removes n only when at least n are on hand and reports
	// whether the row changed.
	Decrement(ctx context.Context, locationID int64, color string, n int) (bool, error)
	Increment(ctx context.Context, locationID int64, color string, n int) error
	Set(ctx context.Context, locationID int64, color string, quantity int) error
	Total(ctx context.Context, locationID int64) (int, error)
}

type Service struct {
	repo   RepositoryAPI
	tx     db.TxRunner
	audit  *audit.Recorder
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, tx db.TxRunner, recorder *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		audit:  recorder,
		logger: logger,
	}
}

func (s *Service) GetByLocation(ctx context.Context, locationID int64) (*LocationInventory, error) {
	rows, err := s.repo.ListByLocation(ctx, locationID)
	if err != nil {
		s.logger.Error("failed to load inventory", "location_id", locationID, "error", err)
		return nil, internal.NewInternalError("failed to load inventory", err)
	}
	out := &LocationInventory{LocationID: locationID, Items: make([]Item, 0, len(rows))}
	for _, row := range rows {
		out.Items = append(out.Items, FromDataModel(row))
		out.Total += row.Quantity
	}
	return out, nil
}

func (s *Service) Total(ctx context.Context, locationID int64) (int, error) {
	total, err := s.repo.Total(ctx, locationID)
	if err != nil {
		return 0, internal.NewInternalError("failed to total inventory", err)
	}
	return total, nil
}

// Adjust applies delta to one color and returns the new quantity. A change
// that would take the count below zero fails with InsufficientStock and
// writes nothing.
func (s *Service) Adjust(ctx context.Context, locationID int64, color string, delta int) (int, error) {
	var quantity int
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		quantity, err = s.AdjustTx(ctx, tx, locationID, color, delta)
		return err
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

// AdjustTx is Adjust inside a caller's unit of work.
func (s *Service) AdjustTx(ctx context.Context, tx *gorm.DB, locationID int64, color string, delta int) (int, error) {
	color, err := NormalizeColor(color)
	if err != nil {
		return 0, err
	}
	repo := s.repo.WithTx(tx)

	switch {
	case delta < 0:
		ok, err := repo.Decrement(ctx, locationID, color, -delta)
		if err != nil {
			return 0, internal.NewInternalError("failed to adjust inventory", err)
		}
		if !ok {
			available := 0
			row, err := repo.Get(ctx, locationID, color)
			if err != nil {
				return 0, internal.NewInternalError("failed to read inventory", err)
			}
			if row != nil {
				available = row.Quantity
			}
			return 0, internal.NewInsufficientStockError(color, available)
		}
	case delta > 0:
		if err := repo.Increment(ctx, locationID, color, delta); err != nil {
			return 0, internal.NewInternalError("failed to adjust inventory", err)
		}
	}

	row, err := repo.Get(ctx, locationID, color)
	if err != nil {
		return 0, internal.NewInternalError("failed to read inventory", err)
	}
	quantity := 0
	if row != nil {
		quantity = row.Quantity
	}
	s.logger.Info("inventory adjusted", "location_id", locationID, "color", color, "delta", delta, "quantity", quantity)
	return quantity, nil
}

// SetAbsolute overwrites the count for one color.
func (s *Service) SetAbsolute(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error) {
	if err := actor.CanAccessLocation(locationID); err != nil {
		return 0, err
	}
	if quantity < 0 {
		return 0, internal.NewValidationFieldError("quantity", "quantity must not be negative", internal.ErrCodeInvalidQuantity)
	}
	color, err := NormalizeColor(color)
	if err != nil {
		return 0, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		before := 0
		row, err := repo.Get(ctx, locationID, color)
		if err != nil {
			return internal.NewInternalError("failed to read inventory", err)
		}
		if row != nil {
			before = row.Quantity
		}
		if err := repo.Set(ctx, locationID, color, quantity); err != nil {
			return internal.NewInternalError("failed to set inventory", err)
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionInventorySet,
			EntityType: audit.EntityInventory,
			EntityID:   locationID,
			Before:     Item{Color: color, Quantity: before},
			After:      Item{Color: color, Quantity: quantity},
		})
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("inventory set", "location_id", locationID, "color", color, "quantity", quantity, "actor_id", actor.UserID)
	return quantity, nil
}

// AddStock and RemoveStock are the staff-facing forms of Adjust.
func (s *Service) AddStock(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error) {
	if err := actor.CanAccessLocation(locationID); err != nil {
		return 0, err
	}
	if quantity <= 0 {
		return 0, internal.NewValidationFieldError("quantity", "quantity must be positive", internal.ErrCodeInvalidQuantity)
	}
	return s.adjustAudited(ctx, actor, locationID, color, quantity, audit.ActionInventoryAdded)
}

func (s *Service) RemoveStock(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error) {
	if err := actor.CanAccessLocation(locationID); err != nil {
		return 0, err
	}
	if quantity <= 0 {
		return 0, internal.NewValidationFieldError("quantity", fmt.Sprintf("quantity must be positive, got %d", quantity), internal.ErrCodeInvalidQuantity)
	}
	return s.adjustAudited(ctx, actor, locationID, color, -quantity, audit.ActionInventoryRemoved)
}

// adjustAudited moves stock and writes the audit row in one unit of work.
func (s *Service) adjustAudited(ctx context.Context, actor auth.Actor, locationID int64, color string, delta int, action string) (int, error) {
	color, err := NormalizeColor(color)
	if err != nil {
		return 0, err
	}
	var quantity int
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		quantity, err = s.AdjustTx(ctx, tx, locationID, color, delta)
		if err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     action,
			EntityType: audit.EntityInventory,
			EntityID:   locationID,
			Before:     Item{Color: color, Quantity: quantity - delta},
			After:      Item{Color: color, Quantity: quantity},
		})
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}
