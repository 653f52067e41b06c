package location_test

import (
	"context"
	"testing"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/location"
	locationPostgres "github.com/mooses23/gemachhub/internal/location/postgres"
	"github.com/mooses23/gemachhub/internal/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestLocation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Location Suite")
}

type plainHasher struct{}

func (plainHasher) HashSecret(secret string) (string, error) {
	return "hashed:" + secret, nil
}

var _ = Describe("Location Service", func() {
	var (
		ctx     context.Context
		db      *gorm.DB
		service *location.Service
		admin   auth.Actor
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		db, err = testutil.OpenSQLite()
		Expect(err).NotTo(HaveOccurred())
		service = location.NewService(locationPostgres.NewLocationRepository(db), plainHasher{}, testutil.Logger())
		admin = auth.Actor{UserID: 1, Role: auth.RoleAdmin}
	})

	Describe("Create", func() {
		It("should create a location with a hashed pin and default deposit", func() {
			loc, err := service.Create(ctx, admin, location.CreateLocationRequest{
				Code:        "bk-1",
				Name:        "Brooklyn",
				OperatorPin: "1234",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(loc.Code).To(Equal("BK-1"))
			Expect(loc.HasOperatorPin).To(BeTrue())
			Expect(loc.DefaultDepositAmount.Equal(decimal.NewFromInt(20))).To(BeTrue())
		})

		It("should reject a duplicate code", func() {
			_, err := service.Create(ctx, admin, location.CreateLocationRequest{Code: "LA", Name: "LA"})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Create(ctx, admin, location.CreateLocationRequest{Code: "la", Name: "LA 2"})
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeDuplicateLocation))
		})

		It("should forbid operators", func() {
			locID := int64(1)
			operator := auth.Actor{UserID: 2, Role: auth.RoleOperator, LocationID: &locID}
			_, err := service.Create(ctx, operator, location.CreateLocationRequest{Code: "X", Name: "X"})
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeForbiddenRole))
		})
	})

	Describe("ResolveMethod", func() {
		var locID int64

		BeforeEach(func() {
			loc, err := testutil.SeedLocation(db, "MIA", 250, "cash", "stripe")
			Expect(err).NotTo(HaveOccurred())
			locID = loc.ID
		})

		It("should return terms for an enabled method", func() {
			terms, err := service.ResolveMethod(ctx, locID, "stripe")
			Expect(err).NotTo(HaveOccurred())
			Expect(terms.FeeBps()).To(Equal(300))
		})

		It("should fail with UnsupportedMethod for a method the location does not accept", func() {
			_, err := service.ResolveMethod(ctx, locID, "paypal")
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeUnsupportedMethod))
		})

		It("should fail with LocationInactive once the location is deactivated", func() {
			inactive := false
			_, err := service.Update(ctx, admin, locID, location.UpdateLocationRequest{IsActive: &inactive})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.ResolveMethod(ctx, locID, "cash")
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeLocationInactive))
		})

		It("should fail with NotFound for an unknown location", func() {
			_, err := service.ResolveMethod(ctx, 9999, "cash")
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeLocationNotFound))
		})
	})

	Describe("SetPaymentMethods", func() {
		It("should replace the ordered list and keep overrides", func() {
			loc, err := testutil.SeedLocation(db, "TLV", 0, "cash", "stripe", "paypal")
			Expect(err).NotTo(HaveOccurred())

			override := 150
			methods, err := service.SetPaymentMethods(ctx, admin, loc.ID, location.SetPaymentMethodsRequest{
				Methods: []location.AcceptedMethodInput{
					{Method: "paypal", FeeOverrideBps: &override},
					{Method: "cash"},
				},
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(methods).To(HaveLen(2))
			Expect(methods[0].Name).To(Equal("paypal"))
			Expect(*methods[0].FeeOverrideBps).To(Equal(150))
			Expect(methods[1].Name).To(Equal("cash"))

			_, err = service.ResolveMethod(ctx, loc.ID, "stripe")
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeUnsupportedMethod))
		})

		It("should reject unknown methods", func() {
			loc, err := testutil.SeedLocation(db, "NYC", 0, "cash")
			Expect(err).NotTo(HaveOccurred())

			_, err = service.SetPaymentMethods(ctx, admin, loc.ID, location.SetPaymentMethodsRequest{
				Methods: []location.AcceptedMethodInput{{Method: "venmo"}},
			})
			Expect(internal.ErrorCodeOf(err)).To(Equal(internal.ErrCodeValidationFailed))
		})
	})
})

var _ = Describe("MethodTerms", func() {
	override := 100

	DescribeTable("fee precedence",
		func(terms location.MethodTerms, amount string, expected string) {
			fee := terms.Fee(decimal.RequireFromString(amount))
			Expect(fee.StringFixed(2)).To(Equal(expected))
		},
		Entry("cash is always free", location.MethodTerms{Method: "cash", LocationFeeBps: 500, MethodFeeBps: 300}, "20", "0.00"),
		Entry("override wins", location.MethodTerms{Method: "stripe", LocationFeeBps: 500, MethodFeeBps: 300, FeeOverrideBps: &override}, "20", "0.20"),
		Entry("method fee beats location fee", location.MethodTerms{Method: "stripe", LocationFeeBps: 500, MethodFeeBps: 300}, "20", "0.60"),
		Entry("location fee is the fallback", location.MethodTerms{Method: "paypal", LocationFeeBps: 500}, "20", "1.00"),
		Entry("rounds half up to cents", location.MethodTerms{Method: "stripe", MethodFeeBps: 290}, "17.50", "0.51"),
		Entry("adds the fixed fee", location.MethodTerms{Method: "stripe", MethodFeeBps: 290, FixedFee: decimal.RequireFromString("0.30")}, "20", "0.88"),
	)
})
