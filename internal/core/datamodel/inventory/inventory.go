package inventory

import "time"

type Inventory struct {
	ID         int64     `gorm:"primaryKey"`
	LocationID int64     `gorm:"column:location_id;not null;uniqueIndex:idx_inventory_location_color"`
	Color      string    `gorm:"column:color;not null;uniqueIndex:idx_inventory_location_color"`
	Quantity   int       `gorm:"column:quantity;not null;default:0;check:quantity >= 0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Inventory) TableName() string {
	return "inventory"
}
