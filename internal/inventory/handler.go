package inventory

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/transport"
)

type ServiceAPI interface {
	GetByLocation(ctx context.Context, locationID int64) (*LocationInventory, error)
	AddStock(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error)
	RemoveStock(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error)
	SetAbsolute(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

// GetInventory is public so borrowers can see which colors are available.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	locationID, err := h.PathInt64(r, "id")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	inv, err := h.Service.GetByLocation(r.Context(), locationID)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) AddStock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, 1, h.Service.AddStock)
}

func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, 0, h.Service.SetAbsolute)
}

func (h *Handler) RemoveStock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, 1, h.Service.RemoveStock)
}

type stockFunc func(ctx context.Context, actor auth.Actor, locationID int64, color string, quantity int) (int, error)

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, minQuantity int, fn stockFunc) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	locationID, err := h.PathInt64(r, "id")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req StockRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	if err := req.Validate(minQuantity); err != nil {
		h.HandleError(w, r, err)
		return
	}

	quantity, err := fn(r.Context(), actor, locationID, req.Color, req.Quantity)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, AdjustResponse{
		LocationID: locationID,
		Color:      req.Color,
		Quantity:   quantity,
	})
}
