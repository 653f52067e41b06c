package transaction_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/internal/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

type stubLoans struct{}

func (stubLoans) Lend(context.Context, auth.Actor, transaction.LendRequest) (*transaction.Transaction, error) {
	return nil, errors.New("not used")
}

func (stubLoans) Get(_ context.Context, _ auth.Actor, id int64) (*transaction.Transaction, error) {
	if id != 4 {
		return nil, internal.NewNotFoundError("transaction not found", internal.ErrCodeTransactionNotFound)
	}
	return &transaction.Transaction{ID: 4, LocationID: 2, BorrowerName: "Miriam"}, nil
}

func (stubLoans) List(context.Context, auth.Actor, transaction.Filter) (*transaction.ListResponse, error) {
	return &transaction.ListResponse{}, nil
}

type stubPayments struct {
	asked []int64
}

func (s *stubPayments) ListByTransaction(_ context.Context, transactionID int64) ([]*payment.Payment, error) {
	s.asked = append(s.asked, transactionID)
	return []*payment.Payment{
		{ID: 8, TransactionID: transactionID, Kind: payment.KindCharge, Status: payment.StatusCompleted, DepositAmount: decimal.NewFromInt(20)},
		{ID: 9, TransactionID: transactionID, Kind: payment.KindRefund, Status: payment.StatusCompleted, DepositAmount: decimal.NewFromInt(-20)},
	}, nil
}

var _ = Describe("Transaction Handler", func() {
	var (
		payments *stubPayments
		router   *chi.Mux
	)

	BeforeEach(func() {
		payments = &stubPayments{}
		h := transaction.NewHandler(transport.NewBaseHandler(testutil.Logger()), stubLoans{}, payments)

		router = chi.NewRouter()
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := auth.WithActor(req.Context(), auth.Actor{UserID: 1, Role: auth.RoleAdmin})
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		router.Get("/transactions/{id}", h.GetTransaction)
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	It("should include the loan's payment rows in the detail", func() {
		rec := get("/transactions/4")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(payments.asked).To(Equal([]int64{4}))

		var body map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body).To(HaveKeyWithValue("borrowerName", "Miriam"))
		rows := body["payments"].([]interface{})
		Expect(rows).To(HaveLen(2))
		Expect(rows[0]).To(HaveKeyWithValue("kind", "charge"))
		Expect(rows[1]).To(HaveKeyWithValue("kind", "refund"))
	})

	It("should not look up payments for a loan it cannot show", func() {
		rec := get("/transactions/5")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(payments.asked).To(BeEmpty())
	})
})
