package audit

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/transport"
)

type Reader interface {
	List(ctx context.Context, f Filter) ([]Log, error)
}

type Handler struct {
	*transport.BaseHandler
	reader Reader
}

func NewHandler(base *transport.BaseHandler, reader Reader) *Handler {
	return &Handler{BaseHandler: base, reader: reader}
}

// GetAuditTrail serves GET /audit?entity_type=&entity_id=&action=&limit=
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	if err := actor.RequireAdmin(); err != nil {
		h.HandleError(w, r, err)
		return
	}

	entityID, err := h.QueryInt64(r, "entityId")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	limit, err := h.QueryInt64(r, "limit")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}

	f := Filter{
		EntityType: r.URL.Query().Get("entityType"),
		EntityID:   entityID,
		Action:     r.URL.Query().Get("action"),
	}
	if limit != nil {
		f.Limit = int(*limit)
	}

	logs, err := h.reader.List(r.Context(), f)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": logs})
}
