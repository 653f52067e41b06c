package inventory

import (
	"fmt"
	"strings"

	"github.com/mooses23/gemachhub/internal"
	inventoryDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/inventory"
)

// Colors are the earmuff colors a location can stock.
var Colors = []string{"red", "blue", "black", "white", "pink", "purple", "green", "orange", "yellow", "gray"}

// NormalizeColor lowercases color and checks it against Colors.
func NormalizeColor(color string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(color))
	for _, known := range Colors {
		if c == known {
			return c, nil
		}
	}
	return "", internal.NewValidationFieldError("color",
		fmt.Sprintf("color must be one of %s", strings.Join(Colors, ", ")),
		internal.ErrCodeInvalidColor)
}

type Item struct {
	Color    string `json:"color"`
	Quantity int    `json:"quantity"`
}

type LocationInventory struct {
	LocationID int64  `json:"locationId"`
	Items      []Item `json:"items"`
	Total      int    `json:"total"`
}

func FromDataModel(row *inventoryDatamodel.Inventory) Item {
	return Item{Color: row.Color, Quantity: row.Quantity}
}
