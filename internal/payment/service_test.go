package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/mooses23/gemachhub/internal"
	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	"github.com/mooses23/gemachhub/internal/payment"
	paymentPostgres "github.com/mooses23/gemachhub/internal/payment/postgres"
	"github.com/mooses23/gemachhub/internal/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestPayment(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Payment Suite")
}

func seedTransaction(conn *gorm.DB, locationID int64, name string) int64 {
	row := &transactionDatamodel.Transaction{
		LocationID:           locationID,
		BorrowerName:         name,
		DepositAmount:        decimal.NewFromInt(20),
		DepositPaymentMethod: "cash",
		BorrowDate:           time.Now().UTC(),
	}
	Expect(conn.Create(row).Error).NotTo(HaveOccurred())
	return row.ID
}

var _ = Describe("Payment Service", func() {
	var (
		ctx     context.Context
		conn    *gorm.DB
		service *payment.Service
		locA    int64
		locB    int64
		txA     int64
	)

	newCharge := func(transactionID int64, status payment.Status) *payment.Payment {
		p, err := service.CreateTx(ctx, nil, payment.NewRow{
			TransactionID: transactionID,
			Kind:          payment.KindCharge,
			Method:        "stripe",
			Provider:      payment.ProviderStripe,
			DepositAmount: decimal.NewFromInt(20),
			ProcessingFee: decimal.RequireFromString("0.60"),
			Status:        status,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		conn, err = testutil.OpenSQLite()
		Expect(err).NotTo(HaveOccurred())

		a, err := testutil.SeedLocation(conn, "A", 0, "cash", "stripe")
		Expect(err).NotTo(HaveOccurred())
		b, err := testutil.SeedLocation(conn, "B", 0, "cash")
		Expect(err).NotTo(HaveOccurred())
		locA, locB = a.ID, b.ID
		txA = seedTransaction(conn, locA, "Rivka")

		service = payment.NewService(paymentPostgres.NewPaymentRepository(conn), testutil.Logger())
	})

	Describe("CreateTx", func() {
		It("should total deposit and fee", func() {
			p := newCharge(txA, payment.StatusPending)

			Expect(p.ID).NotTo(BeZero())
			Expect(p.TotalAmount.StringFixed(2)).To(Equal("20.60"))
			Expect(p.CompletedAt).To(BeNil())
		})

		It("should stamp completed_at on rows born completed", func() {
			p := newCharge(txA, payment.StatusCompleted)

			Expect(p.CompletedAt).NotTo(BeNil())
		})
	})

	Describe("Transition", func() {
		It("should move a confirmable payment to completed", func() {
			p := newCharge(txA, payment.StatusConfirming)

			err := service.Transition(ctx, nil, p.ID, payment.Confirmable, payment.StatusCompleted, payment.Change{ExternalID: "pi_123"})
			Expect(err).NotTo(HaveOccurred())

			loaded, err := service.Load(ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(payment.StatusCompleted))
			Expect(loaded.CompletedAt).NotTo(BeNil())
			Expect(loaded.ExternalIDOrEmpty()).To(Equal("pi_123"))
		})

		It("should refuse to leave a terminal status", func() {
			p := newCharge(txA, payment.StatusConfirming)
			Expect(service.Transition(ctx, nil, p.ID, payment.Confirmable, payment.StatusFailed, payment.Change{})).To(Succeed())

			err := service.Transition(ctx, nil, p.ID, payment.Confirmable, payment.StatusCompleted, payment.Change{})

			Expect(internal.HasCode(err, internal.ErrCodeInvalidState)).To(BeTrue())
			loaded, err := service.Load(ctx, p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(payment.StatusFailed))
		})

		It("should record retry bookkeeping", func() {
			p := newCharge(txA, payment.StatusPending)
			next := time.Now().UTC().Add(-time.Minute)
			count := 1

			err := service.Transition(ctx, nil, p.ID, payment.Open, payment.StatusPendingRetry, payment.Change{
				FailureCode: "insufficient_funds",
				RetryCount:  &count,
				NextRetryAt: &next,
			})
			Expect(err).NotTo(HaveOccurred())

			due, err := service.DueRetries(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(HaveLen(1))
			Expect(due[0].RetryCount).To(Equal(1))
			Expect(*due[0].FailureCode).To(Equal("insufficient_funds"))
		})
	})

	Describe("ReserveRefund", func() {
		It("should allow refunds up to the deposit and no further", func() {
			charge := newCharge(txA, payment.StatusCompleted)

			Expect(service.ReserveRefund(ctx, nil, charge, decimal.NewFromInt(15))).To(Succeed())
			Expect(service.ReserveRefund(ctx, nil, charge, decimal.NewFromInt(5))).To(Succeed())

			err := service.ReserveRefund(ctx, nil, charge, decimal.RequireFromString("0.01"))
			Expect(internal.HasCode(err, internal.ErrCodeRefundExceedsDeposit)).To(BeTrue())

			loaded, err := service.Load(ctx, charge.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.RefundedAmount.Equal(decimal.NewFromInt(20))).To(BeTrue())
			Expect(loaded.Refundable().IsZero()).To(BeTrue())
		})

		It("should give the balance back on release", func() {
			charge := newCharge(txA, payment.StatusCompleted)
			Expect(service.ReserveRefund(ctx, nil, charge, decimal.NewFromInt(20))).To(Succeed())

			Expect(service.ReleaseRefund(ctx, nil, charge.ID, decimal.NewFromInt(20))).To(Succeed())

			Expect(service.ReserveRefund(ctx, nil, charge, decimal.NewFromInt(20))).To(Succeed())
		})
	})

	Describe("Lookups", func() {
		It("should find the latest completed charge only", func() {
			newCharge(txA, payment.StatusFailed)
			completed := newCharge(txA, payment.StatusCompleted)

			found, err := service.CompletedCharge(ctx, nil, txA)
			Expect(err).NotTo(HaveOccurred())
			Expect(found.ID).To(Equal(completed.ID))

			none, err := service.CompletedCharge(ctx, nil, seedTransaction(conn, locA, "Dina"))
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeNil())
		})

		It("should return nil for an unknown external id", func() {
			found, err := service.FindByExternalID(ctx, nil, payment.ProviderStripe, "pi_missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeNil())
		})

		It("should report NotFound for a missing id", func() {
			_, err := service.Load(ctx, 9999)
			Expect(internal.HasCode(err, internal.ErrCodePaymentNotFound)).To(BeTrue())
		})
	})

	Describe("ListPending", func() {
		It("should list open charges with their loan, optionally by location", func() {
			txB := seedTransaction(conn, locB, "Miriam")
			newCharge(txA, payment.StatusConfirming)
			newCharge(txB, payment.StatusPending)
			newCharge(txB, payment.StatusCompleted)

			all, err := service.ListPending(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))

			onlyB, err := service.ListPending(ctx, &locB)
			Expect(err).NotTo(HaveOccurred())
			Expect(onlyB).To(HaveLen(1))
			Expect(onlyB[0].LocationID).To(Equal(locB))
			Expect(onlyB[0].BorrowerName).To(Equal("Miriam"))
		})
	})
})
