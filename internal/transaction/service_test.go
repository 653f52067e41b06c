package transaction_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	locationDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/location"
	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	"github.com/mooses23/gemachhub/internal/inventory"
	inventoryPostgres "github.com/mooses23/gemachhub/internal/inventory/postgres"
	"github.com/mooses23/gemachhub/internal/location"
	locationPostgres "github.com/mooses23/gemachhub/internal/location/postgres"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/internal/transaction"
	transactionPostgres "github.com/mooses23/gemachhub/internal/transaction/postgres"
	"github.com/mooses23/gemachhub/pkg/db"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestTransaction(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transaction Suite")
}

func strPtr(s string) *string { return &s }

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

var _ = Describe("Transaction Service", func() {
	var (
		ctx        context.Context
		conn       *gorm.DB
		stock      *inventory.Service
		service    *transaction.Service
		locationID int64
		admin      auth.Actor
	)

	lendRequest := func(color string) transaction.LendRequest {
		return transaction.LendRequest{CreateRequest: transaction.CreateRequest{
			LocationID:    locationID,
			BorrowerName:  "Rivka Cohen",
			BorrowerPhone: strPtr("555-0100"),
			Color:         strPtr(color),
			PaymentMethod: "cash",
		}}
	}

	countTransactions := func() int64 {
		var n int64
		Expect(conn.Model(&transactionDatamodel.Transaction{}).Count(&n).Error).To(Succeed())
		return n
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		conn, err = testutil.OpenSQLite()
		Expect(err).NotTo(HaveOccurred())

		loc, err := testutil.SeedLocation(conn, "TX1", 0, "cash", "stripe")
		Expect(err).NotTo(HaveOccurred())
		locationID = loc.ID

		runner := db.NewFromGorm(conn)
		recorder := audit.NewRecorder(conn, testutil.Logger())
		locations := location.NewService(locationPostgres.NewLocationRepository(conn), nil, testutil.Logger())
		stock = inventory.NewService(inventoryPostgres.NewInventoryRepository(conn), runner, recorder, testutil.Logger())
		service = transaction.NewService(
			transactionPostgres.NewTransactionRepository(conn),
			runner,
			locations,
			stock,
			recorder,
			testutil.Logger(),
		)
		admin = auth.Actor{UserID: 1, Role: auth.RoleAdmin}

		_, err = stock.Adjust(ctx, locationID, "red", 3)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Lend", func() {
		It("should create the loan and take one item off the shelf", func() {
			t, err := service.Lend(ctx, admin, lendRequest("red"))

			Expect(err).NotTo(HaveOccurred())
			Expect(t.Status).To(Equal(transaction.StatusActive))
			Expect(t.DepositAmount.Equal(decimal.NewFromInt(20))).To(BeTrue())
			total, err := stock.Total(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
		})

		It("should write nothing when the color is out of stock", func() {
			_, err := service.Lend(ctx, admin, lendRequest("blue"))

			Expect(internal.HasCode(err, internal.ErrCodeInsufficientStock)).To(BeTrue())
			Expect(countTransactions()).To(Equal(int64(0)))
		})

		It("should require a color", func() {
			req := lendRequest("red")
			req.Color = nil
			_, err := service.Lend(ctx, admin, req)
			Expect(err).To(HaveOccurred())
			Expect(countTransactions()).To(Equal(int64(0)))
		})

		It("should reject an inactive location", func() {
			Expect(conn.Model(&locationDatamodel.Location{}).Where("id = ?", locationID).Update("is_active", false).Error).To(Succeed())

			_, err := service.Lend(ctx, admin, lendRequest("red"))
			Expect(internal.HasCode(err, internal.ErrCodeLocationInactive)).To(BeTrue())
		})

		It("should forbid an operator of another location", func() {
			other := locationID + 1
			_, err := service.Lend(ctx, auth.Actor{UserID: 5, Role: auth.RoleOperator, LocationID: &other}, lendRequest("red"))
			Expect(internal.HasCode(err, internal.ErrCodeLocationScope)).To(BeTrue())
		})
	})

	Describe("Create", func() {
		It("should not touch inventory", func() {
			_, err := service.Create(ctx, auth.Actor{Role: auth.RoleBorrower}, lendRequest("red").CreateRequest)
			Expect(err).NotTo(HaveOccurred())

			total, err := stock.Total(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
		})

		It("should require a contact method", func() {
			req := lendRequest("red").CreateRequest
			req.BorrowerPhone = nil
			_, err := service.Create(ctx, admin, req)
			Expect(internal.HasCode(err, internal.ErrCodeValidationFailed)).To(BeTrue())
		})

		It("should only allow pay later for card deposits", func() {
			req := lendRequest("red").CreateRequest
			req.PayLater = true
			_, err := service.Create(ctx, admin, req)
			Expect(internal.HasCode(err, internal.ErrCodeInvalidMethod)).To(BeTrue())
		})
	})

	Describe("MarkReturned", func() {
		var loanID int64

		BeforeEach(func() {
			t, err := service.Lend(ctx, admin, lendRequest("red"))
			Expect(err).NotTo(HaveOccurred())
			loanID = t.ID
		})

		It("should default the refund to the full deposit", func() {
			t, err := service.MarkReturned(ctx, admin, loanID, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(t.IsReturned).To(BeTrue())
			Expect(t.ActualReturnDate).NotTo(BeNil())
			Expect(t.RefundAmount.Equal(decimal.NewFromInt(20))).To(BeTrue())
		})

		It("should succeed exactly once", func() {
			first, err := service.MarkReturned(ctx, admin, loanID, amount("15"))
			Expect(err).NotTo(HaveOccurred())

			_, err = service.MarkReturned(ctx, admin, loanID, amount("20"))
			Expect(internal.HasCode(err, internal.ErrCodeAlreadyReturned)).To(BeTrue())

			stored, err := service.Load(ctx, loanID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.RefundAmount.Equal(decimal.NewFromInt(15))).To(BeTrue())
			Expect(stored.ActualReturnDate.Unix()).To(Equal(first.ActualReturnDate.Unix()))
		})

		It("should reject a refund above the deposit", func() {
			_, err := service.MarkReturned(ctx, admin, loanID, amount("21"))
			Expect(internal.HasCode(err, internal.ErrCodeRefundExceedsDeposit)).To(BeTrue())
		})

		It("should accept a zero refund", func() {
			t, err := service.MarkReturned(ctx, admin, loanID, amount("0"))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.RefundAmount.IsZero()).To(BeTrue())
		})

		It("should forbid a borrower", func() {
			_, err := service.MarkReturned(ctx, auth.Actor{Role: auth.RoleBorrower}, loanID, nil)
			Expect(internal.HasCode(err, internal.ErrCodeForbiddenRole)).To(BeTrue())
		})

		It("should forbid an operator from another location", func() {
			other := locationID + 1
			_, err := service.MarkReturned(ctx, auth.Actor{UserID: 3, Role: auth.RoleOperator, LocationID: &other}, loanID, nil)
			Expect(internal.HasCode(err, internal.ErrCodeLocationScope)).To(BeTrue())
		})

		It("should return NotFound for a missing transaction", func() {
			_, err := service.MarkReturned(ctx, admin, 9999, nil)
			Expect(internal.HasCode(err, internal.ErrCodeTransactionNotFound)).To(BeTrue())
		})

		It("should not let a returned loan lose its refund amount", func() {
			err := conn.Exec("UPDATE transactions SET is_returned = ?, actual_return_date = ? WHERE id = ?",
				true, time.Now().UTC(), loanID).Error
			Expect(err).To(HaveOccurred())

			t, err := service.Get(ctx, admin, loanID)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.IsReturned).To(BeFalse())
		})

		It("should refuse a borrower before revealing whether the loan exists", func() {
			_, err := service.MarkReturned(ctx, auth.Actor{Role: auth.RoleBorrower}, 9999, nil)
			Expect(internal.HasCode(err, internal.ErrCodeForbiddenRole)).To(BeTrue())
			Expect(internal.HasCode(err, internal.ErrCodeTransactionNotFound)).To(BeFalse())
		})
	})

	Describe("AppendNote", func() {
		It("should keep earlier notes", func() {
			t, err := service.Lend(ctx, admin, lendRequest("red"))
			Expect(err).NotTo(HaveOccurred())

			Expect(service.AppendNote(ctx, t.ID, "first")).To(Succeed())
			Expect(service.AppendNote(ctx, t.ID, "second")).To(Succeed())

			stored, err := service.Load(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(stored.Notes, "\n")
			Expect(lines).To(HaveLen(2))
			Expect(lines[0]).To(HaveSuffix("first"))
			Expect(lines[1]).To(HaveSuffix("second"))
		})
	})

	Describe("TransitionPayLater", func() {
		var loanID int64

		BeforeEach(func() {
			req := lendRequest("red")
			req.PaymentMethod = "stripe"
			req.PayLater = true
			t, err := service.Lend(ctx, admin, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(*t.PayLaterStatus).To(Equal(transaction.PayLaterRequestCreated))
			loanID = t.ID
		})

		It("should move along allowed edges", func() {
			Expect(service.TransitionPayLater(ctx, nil, loanID,
				[]transaction.PayLaterStatus{transaction.PayLaterRequestCreated},
				transaction.PayLaterCardSetupPending, nil)).To(Succeed())

			stored, err := service.Load(ctx, loanID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*stored.PayLaterStatus).To(Equal(transaction.PayLaterCardSetupPending))
			Expect(stored.PendingCardResolution()).To(BeTrue())
		})

		It("should fail with InvalidState when the current state does not match", func() {
			err := service.TransitionPayLater(ctx, nil, loanID,
				[]transaction.PayLaterStatus{transaction.PayLaterCardSetupComplete},
				transaction.PayLaterDeclined, nil)
			Expect(internal.HasCode(err, internal.ErrCodeInvalidState)).To(BeTrue())
		})

		It("should resolve exactly once", func() {
			from := []transaction.PayLaterStatus{transaction.PayLaterRequestCreated}
			Expect(service.TransitionPayLater(ctx, nil, loanID, from, transaction.PayLaterDeclined, nil)).To(Succeed())

			err := service.TransitionPayLater(ctx, nil, loanID, from, transaction.PayLaterDeclined, nil)
			Expect(internal.HasCode(err, internal.ErrCodeInvalidState)).To(BeTrue())
		})
	})

	Describe("List", func() {
		It("should scope an operator to their own location", func() {
			_, err := service.Lend(ctx, admin, lendRequest("red"))
			Expect(err).NotTo(HaveOccurred())

			other, err := testutil.SeedLocation(conn, "TX2", 0, "cash")
			Expect(err).NotTo(HaveOccurred())
			otherID := other.ID
			operator := auth.Actor{UserID: 4, Role: auth.RoleOperator, LocationID: &otherID}

			resp, err := service.List(ctx, operator, transaction.Filter{LocationID: &locationID})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Transactions).To(BeEmpty())

			resp, err = service.List(ctx, admin, transaction.Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Total).To(Equal(int64(1)))
		})
	})
})

var _ = Describe("Pay-later state machine", func() {
	DescribeTable("CanTransition",
		func(from, to transaction.PayLaterStatus, allowed bool) {
			Expect(transaction.CanTransition(from, to)).To(Equal(allowed))
		},
		Entry("setup pending to complete", transaction.PayLaterCardSetupPending, transaction.PayLaterCardSetupComplete, true),
		Entry("complete to declined", transaction.PayLaterCardSetupComplete, transaction.PayLaterDeclined, true),
		Entry("attempted to charged", transaction.PayLaterChargeAttempted, transaction.PayLaterCharged, true),
		Entry("requires action back to attempted", transaction.PayLaterChargeRequiresAction, transaction.PayLaterChargeAttempted, true),
		Entry("charged is final", transaction.PayLaterCharged, transaction.PayLaterDeclined, false),
		Entry("declined is final", transaction.PayLaterDeclined, transaction.PayLaterChargeAttempted, false),
		Entry("no skipping card setup", transaction.PayLaterRequestCreated, transaction.PayLaterCharged, false),
	)

	It("should treat charged, declined and expired as resolved", func() {
		for _, s := range []transaction.PayLaterStatus{transaction.PayLaterCharged, transaction.PayLaterDeclined, transaction.PayLaterExpired} {
			Expect(s.IsTerminal()).To(BeTrue())
			Expect(s.IsPendingResolution()).To(BeFalse())
		}
		Expect(transaction.PayLaterChargeFailed.IsPendingResolution()).To(BeTrue())
	})
})
