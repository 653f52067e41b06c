package deposit

import (
	"context"
	"net/http"

	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/internal/transport"
)

type ServiceAPI interface {
	InitiateDeposit(ctx context.Context, actor auth.Actor, req InitiateDepositRequest) (*InitiateResponse, error)
	InitiatePayment(ctx context.Context, actor auth.Actor, req InitiatePaymentRequest) (*InitiateResponse, error)
	ConfirmPayment(ctx context.Context, actor auth.Actor, paymentID int64, req ConfirmRequest) (*payment.Payment, error)
	BulkConfirm(ctx context.Context, actor auth.Actor, req BulkConfirmRequest) (*BulkConfirmResult, error)
	ListPending(ctx context.Context, actor auth.Actor) (*PendingResponse, error)
	RefundDeposit(ctx context.Context, actor auth.Actor, transactionID int64, req RefundRequest) (*RefundResult, error)
	ProcessReturn(ctx context.Context, actor auth.Actor, transactionID int64, req transaction.ReturnRequest) (*ReturnResult, error)
	ChargeCard(ctx context.Context, actor auth.Actor, transactionID int64) (*ChargeResult, error)
	DeclineCard(ctx context.Context, actor auth.Actor, transactionID int64, req DeclineRequest) (*transaction.Transaction, error)
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

// Initiate serves POST /deposits/initiate. Borrowers may call it without a
// token; a body carrying transactionId pays for an existing loan.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		actor = auth.Actor{Role: auth.RoleBorrower}
	}
	var body initiateBody
	if err := h.DecodeJSON(r, &body, false); err != nil {
		h.HandleError(w, r, err)
		return
	}

	var (
		resp *InitiateResponse
		err  error
	)
	if body.TransactionID != 0 {
		resp, err = h.Service.InitiatePayment(r.Context(), actor, InitiatePaymentRequest{
			TransactionID: body.TransactionID,
			LocationID:    body.LocationID,
			PaymentMethod: body.PaymentMethod,
		})
	} else {
		resp, err = h.Service.InitiateDeposit(r.Context(), actor, InitiateDepositRequest{CreateRequest: body.CreateRequest})
	}
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
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
	var req ConfirmRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	p, err := h.Service.ConfirmPayment(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) BulkConfirm(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	var req BulkConfirmRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	resp, err := h.Service.BulkConfirm(r.Context(), actor, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFromRequest(r)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	resp, err := h.Service.ListPending(r.Context(), actor)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Refund serves POST /deposits/{id}/refund where id is the transaction.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
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
	var req RefundRequest
	if err := h.DecodeJSON(r, &req, true); err != nil {
		h.HandleError(w, r, err)
		return
	}
	resp, err := h.Service.RefundDeposit(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
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
	var req transaction.ReturnRequest
	if err := h.DecodeJSON(r, &req, true); err != nil {
		h.HandleError(w, r, err)
		return
	}
	resp, err := h.Service.ProcessReturn(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
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
	resp, err := h.Service.ChargeCard(r.Context(), actor, id)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.RequiresAction {
		status = http.StatusAccepted
	}
	h.WriteJSON(w, status, resp)
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
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
	var req DeclineRequest
	if err := h.DecodeJSON(r, &req, false); err != nil {
		h.HandleError(w, r, err)
		return
	}
	t, err := h.Service.DeclineCard(r.Context(), actor, id, req)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, t)
}
