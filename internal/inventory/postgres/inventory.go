package postgres

import (
	"context"
	"errors"
	"time"

	inventoryDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/inventory"
	"github.com/mooses23/gemachhub/internal/inventory"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) inventory.RepositoryAPI {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) WithTx(tx *gorm.DB) inventory.RepositoryAPI {
	return &InventoryRepository{db: tx}
}

func (r *InventoryRepository) ListByLocation(ctx context.Context, locationID int64) ([]*inventoryDatamodel.Inventory, error) {
	var rows []*inventoryDatamodel.Inventory
	err := r.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("color ASC").
		Find(&rows).Error
	return rows, err
}

func (r *InventoryRepository) Get(ctx context.Context, locationID int64, color string) (*inventoryDatamodel.Inventory, error) {
	var row inventoryDatamodel.Inventory
	err := r.db.WithContext(ctx).
		Where("location_id = ? AND color = ?", locationID, color).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Decrement is a single conditional UPDATE, so two concurrent callers can
// never both take the last item.
func (r *InventoryRepository) Decrement(ctx context.Context, locationID int64, color string, n int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&inventoryDatamodel.Inventory{}).
		Where("location_id = ? AND color = ? AND quantity - ? >= 0", locationID, color, n).
		Updates(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", n),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Increment creates the row on first stock addition.
func (r *InventoryRepository) Increment(ctx context.Context, locationID int64, color string, n int) error {
	row := &inventoryDatamodel.Inventory{LocationID: locationID, Color: color, Quantity: n}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "location_id"}, {Name: "color"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   gorm.Expr("inventory.quantity + ?", n),
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(row).Error
}

func (r *InventoryRepository) Set(ctx context.Context, locationID int64, color string, quantity int) error {
	row := &inventoryDatamodel.Inventory{LocationID: locationID, Color: color, Quantity: quantity}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "location_id"}, {Name: "color"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   quantity,
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(row).Error
}

func (r *InventoryRepository) Total(ctx context.Context, locationID int64) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&inventoryDatamodel.Inventory{}).
		Where("location_id = ?", locationID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	return int(total), err
}
