package inventory

import (
	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/common/validation"
)

// StockRequest is the body of the inventory POST/PUT/DELETE endpoints.
type StockRequest struct {
	Color    string `json:"color"`
	Quantity int    `json:"quantity"`
}

// Validate checks the request; minQuantity is 1 for add/remove and 0 for set.
func (r *StockRequest) Validate(minQuantity int) error {
	v := validation.NewValidator()
	v.Field("color", r.Color).Required()
	v.Field("quantity", r.Quantity).MinInt(int64(minQuantity), internal.ErrCodeInvalidQuantity)
	if err := v.Validate(); err != nil {
		return err
	}
	color, err := NormalizeColor(r.Color)
	if err != nil {
		return err
	}
	r.Color = color
	return nil
}

type AdjustResponse struct {
	LocationID int64  `json:"locationId"`
	Color      string `json:"color"`
	Quantity   int    `json:"quantity"`
}
