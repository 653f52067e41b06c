package report

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/transport"
)

type ServiceAPI interface {
	DepositSummary(ctx context.Context, actor auth.Actor, locationID *int64) (*DepositSummary, error)
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

// GetDepositSummary serves GET /reports/deposits?location_id=
func (h *Handler) GetDepositSummary(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	locationID, err := h.QueryInt64(r, "locationId")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}

	summary, err := h.Service.DepositSummary(r.Context(), actor, locationID)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}
