package location

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/transport"
)

type ServiceAPI interface {
	List(ctx context.Context, includeInactive bool) ([]*Location, error)
	Detail(ctx context.Context, id int64) (*LocationDetailResponse, error)
	Create(ctx context.Context, actor auth.Actor, req CreateLocationRequest) (*Location, error)
	Update(ctx context.Context, actor auth.Actor, id int64, req UpdateLocationRequest) (*Location, error)
	ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error)
	SetPaymentMethods(ctx context.Context, actor auth.Actor, locationID int64, req SetPaymentMethodsRequest) ([]AcceptedMethod, error)
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

// GetLocations lists active locations; admins may pass ?include_inactive=true.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	includeInactive := false
	if r.URL.Query().Get("includeInactive") == "true" {
		if actor, ok := auth.ActorFromContext(r.Context()); ok && actor.IsAdmin() {
			includeInactive = true
		}
	}

	locations, err := h.Service.List(r.Context(), includeInactive)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, LocationsResponse{Locations: locations})
}

func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	id, err := h.PathInt64(r, "id")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	detail, err := h.Service.Detail(r.Context(), id)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, detail)
}

func (h *Handler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req CreateLocationRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	loc, err := h.Service.Create(r.Context(), actor, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, loc)
}

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	id, err := h.PathInt64(r, "id")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req UpdateLocationRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	loc, err := h.Service.Update(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, loc)
}

func (h *Handler) GetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.Service.ListPaymentMethods(r.Context())
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, PaymentMethodsResponse{PaymentMethods: methods})
}

func (h *Handler) SetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	id, err := h.PathInt64(r, "id")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req SetPaymentMethodsRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	methods, err := h.Service.SetPaymentMethods(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"payment_methods": methods})
}
