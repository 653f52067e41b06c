package transaction

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/transport"
)

type ServiceAPI interface {
	Lend(ctx context.Context, actor auth.Actor, req LendRequest) (*Transaction, error)
	Get(ctx context.Context, actor auth.Actor, id int64) (*Transaction, error)
	List(ctx context.Context, actor auth.Actor, f Filter) (*ListResponse, error)
}

// PaymentLister supplies the payment rows shown on a loan's detail.
type PaymentLister interface {
	ListByTransaction(ctx context.Context, transactionID int64) ([]*payment.Payment, error)
}

type Handler struct {
	*transport.BaseHandler
	Service  ServiceAPI
	Payments PaymentLister
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI, payments PaymentLister) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
		Payments:    payments,
	}
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req LendRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	t, err := h.Service.Lend(r.Context(), actor, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
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
	t, err := h.Service.Get(r.Context(), actor, id)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	payments, err := h.Payments.ListByTransaction(r.Context(), t.ID)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, Detail{Transaction: t, Payments: payments})
}

// GetTransactions serves GET /transactions?locationId=&returned=&limit=&offset=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}

	var f Filter
	if f.LocationID, err = h.QueryInt64(r, "locationId"); err != nil {
		h.HandleError(w, r, err)
		return
	}
	switch r.URL.Query().Get("returned") {
	case "":
	case "true":
		v := true
		f.Returned = &v
	case "false":
		v := false
		f.Returned = &v
	default:
		h.HandleError(w, r, internal.NewValidationFieldError("returned", "returned must be true or false", internal.ErrCodeValidationFailed))
		return
	}
	limit, err := h.QueryInt64(r, "limit")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	offset, err := h.QueryInt64(r, "offset")
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	if limit != nil {
		f.Limit = int(*limit)
	}
	if offset != nil && *offset > 0 {
		f.Offset = int(*offset)
	}

	resp, err := h.Service.List(r.Context(), actor, f)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
