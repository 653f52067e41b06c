package deposit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/deposit"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/internal/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

// stubDeposits records what the handler decoded.
type stubDeposits struct {
	initiate    *deposit.InitiateDepositRequest
	payExisting *deposit.InitiatePaymentRequest
	bulk        *deposit.BulkConfirmRequest
	refundID    int64
	refund      *deposit.RefundRequest
	returned    *transaction.ReturnRequest
}

func (s *stubDeposits) InitiateDeposit(_ context.Context, _ auth.Actor, req deposit.InitiateDepositRequest) (*deposit.InitiateResponse, error) {
	s.initiate = &req
	return &deposit.InitiateResponse{TransactionID: 11, PaymentID: 21, Status: payment.StatusConfirming}, nil
}

func (s *stubDeposits) InitiatePayment(_ context.Context, _ auth.Actor, req deposit.InitiatePaymentRequest) (*deposit.InitiateResponse, error) {
	s.payExisting = &req
	return &deposit.InitiateResponse{TransactionID: req.TransactionID, PaymentID: 22, Status: payment.StatusPending}, nil
}

func (s *stubDeposits) ConfirmPayment(context.Context, auth.Actor, int64, deposit.ConfirmRequest) (*payment.Payment, error) {
	return &payment.Payment{}, nil
}

func (s *stubDeposits) BulkConfirm(_ context.Context, _ auth.Actor, req deposit.BulkConfirmRequest) (*deposit.BulkConfirmResult, error) {
	s.bulk = &req
	return &deposit.BulkConfirmResult{Success: len(req.PaymentIDs)}, nil
}

func (s *stubDeposits) ListPending(context.Context, auth.Actor) (*deposit.PendingResponse, error) {
	return &deposit.PendingResponse{}, nil
}

func (s *stubDeposits) RefundDeposit(_ context.Context, _ auth.Actor, id int64, req deposit.RefundRequest) (*deposit.RefundResult, error) {
	s.refundID = id
	s.refund = &req
	return &deposit.RefundResult{Success: true, Amount: *req.RefundAmount}, nil
}

func (s *stubDeposits) ProcessReturn(_ context.Context, _ auth.Actor, id int64, req transaction.ReturnRequest) (*deposit.ReturnResult, error) {
	s.returned = &req
	return &deposit.ReturnResult{Transaction: &transaction.Transaction{ID: id, IsReturned: true, RefundAmount: req.RefundAmount}}, nil
}

func (s *stubDeposits) ChargeCard(context.Context, auth.Actor, int64) (*deposit.ChargeResult, error) {
	return &deposit.ChargeResult{RequiresAction: true, Status: payment.StatusPending}, nil
}

func (s *stubDeposits) DeclineCard(_ context.Context, _ auth.Actor, id int64, _ deposit.DeclineRequest) (*transaction.Transaction, error) {
	return &transaction.Transaction{ID: id}, nil
}

var _ = Describe("Deposit Handler", func() {
	var (
		stub   *stubDeposits
		router *chi.Mux
	)

	BeforeEach(func() {
		stub = &stubDeposits{}
		h := deposit.NewHandler(transport.NewBaseHandler(testutil.Logger()), stub)

		router = chi.NewRouter()
		router.Post("/deposits/initiate", h.Initiate)
		router.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					ctx := auth.WithActor(req.Context(), auth.Actor{UserID: 1, Role: auth.RoleAdmin})
					next.ServeHTTP(w, req.WithContext(ctx))
				})
			})
			r.Post("/deposits/bulk-confirm", h.BulkConfirm)
			r.Post("/deposits/{id}/refund", h.Refund)
			r.Patch("/transactions/{id}/return", h.Return)
			r.Post("/transactions/{id}/charge", h.Charge)
		})
	})

	send := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("should accept the camelCase bulk confirm body", func() {
		rec := send(http.MethodPost, "/deposits/bulk-confirm", `{"paymentIds":[4,5,6]}`)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.bulk.PaymentIDs).To(Equal([]int64{4, 5, 6}))
		Expect(rec.Body.String()).To(MatchJSON(`{"success":3,"failed":0}`))
	})

	It("should accept refundAmount and locationId on refund", func() {
		rec := send(http.MethodPost, "/deposits/9/refund", `{"refundAmount":"15.00","locationId":2}`)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.refundID).To(Equal(int64(9)))
		Expect(stub.refund.RefundAmount.Equal(decimal.RequireFromString("15"))).To(BeTrue())
		Expect(*stub.refund.LocationID).To(Equal(int64(2)))
	})

	It("should accept a return with no body", func() {
		req := httptest.NewRequest(http.MethodPatch, "/transactions/9/return", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.returned.RefundAmount).To(BeNil())
	})

	It("should accept refundAmount on return and answer in camelCase", func() {
		rec := send(http.MethodPatch, "/transactions/9/return", `{"refundAmount":"5.00"}`)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.returned.RefundAmount.StringFixed(2)).To(Equal("5.00"))
		var body map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body).To(HaveKey("cardReleased"))
		loan := body["transaction"].(map[string]interface{})
		Expect(loan).To(HaveKeyWithValue("isReturned", true))
		Expect(loan).To(HaveKey("refundAmount"))
		Expect(loan).NotTo(HaveKey("refund_amount"))
	})

	It("should reject the snake_case field names", func() {
		rec := send(http.MethodPost, "/deposits/bulk-confirm", `{"payment_ids":[4]}`)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(stub.bulk).To(BeNil())
	})

	It("should open a new loan from the borrower form", func() {
		rec := send(http.MethodPost, "/deposits/initiate",
			`{"locationId":3,"borrowerName":"Leah","borrowerEmail":"leah@example.com","paymentMethod":"cash","color":"red"}`)

		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(stub.initiate.LocationID).To(Equal(int64(3)))
		Expect(stub.initiate.BorrowerName).To(Equal("Leah"))
		Expect(*stub.initiate.Color).To(Equal("red"))
		Expect(rec.Body.String()).To(MatchJSON(`{"transactionId":11,"paymentId":21,"status":"confirming"}`))
	})

	It("should pay for an existing loan when transactionId is sent", func() {
		rec := send(http.MethodPost, "/deposits/initiate", `{"transactionId":7,"locationId":3,"paymentMethod":"stripe"}`)

		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(stub.initiate).To(BeNil())
		Expect(stub.payExisting.TransactionID).To(Equal(int64(7)))
		Expect(stub.payExisting.PaymentMethod).To(Equal("stripe"))
	})

	It("should answer 202 when the card needs the borrower", func() {
		rec := send(http.MethodPost, "/transactions/4/charge", "")

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(rec.Body.String()).To(ContainSubstring(`"requiresAction":true`))
	})
})
