package inventory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/inventory"
	inventoryPostgres "github.com/mooses23/gemachhub/internal/inventory/postgres"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/pkg/db"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

func TestInventory(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Inventory Suite")
}

var _ = Describe("Inventory Service", func() {
	var (
		ctx        context.Context
		conn       *gorm.DB
		service    *inventory.Service
		recorder   *audit.Recorder
		locationID int64
		admin      auth.Actor
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		conn, err = testutil.OpenSQLite()
		Expect(err).NotTo(HaveOccurred())

		loc, err := testutil.SeedLocation(conn, "INV", 0, "cash")
		Expect(err).NotTo(HaveOccurred())
		locationID = loc.ID

		recorder = audit.NewRecorder(conn, testutil.Logger())
		service = inventory.NewService(
			inventoryPostgres.NewInventoryRepository(conn),
			db.NewFromGorm(conn),
			recorder,
			testutil.Logger(),
		)
		admin = auth.Actor{UserID: 1, Role: auth.RoleAdmin}
	})

	Describe("Adjust", func() {
		It("should create the row lazily on first addition", func() {
			qty, err := service.Adjust(ctx, locationID, "red", 3)

			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(3))

			inv, err := service.GetByLocation(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.Items).To(ConsistOf(inventory.Item{Color: "red", Quantity: 3}))
			Expect(inv.Total).To(Equal(3))
		})

		It("should accumulate repeated additions", func() {
			_, err := service.Adjust(ctx, locationID, "blue", 2)
			Expect(err).NotTo(HaveOccurred())

			qty, err := service.Adjust(ctx, locationID, "BLUE", 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(7))
		})

		It("should decrement down to exactly zero", func() {
			_, err := service.Adjust(ctx, locationID, "red", 2)
			Expect(err).NotTo(HaveOccurred())

			qty, err := service.Adjust(ctx, locationID, "red", -2)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(0))
		})

		It("should reject a decrement below zero and leave the quantity unchanged", func() {
			_, err := service.Adjust(ctx, locationID, "red", 2)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Adjust(ctx, locationID, "red", -3)
			Expect(internal.HasCode(err, internal.ErrCodeInsufficientStock)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Details).To(HaveKeyWithValue("available", 2))

			inv, err := service.GetByLocation(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.Items).To(ConsistOf(inventory.Item{Color: "red", Quantity: 2}))
		})

		It("should report zero available for a color never stocked", func() {
			_, err := service.Adjust(ctx, locationID, "pink", -1)

			Expect(internal.HasCode(err, internal.ErrCodeInsufficientStock)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Details).To(HaveKeyWithValue("available", 0))
		})

		It("should reject an unknown color", func() {
			_, err := service.Adjust(ctx, locationID, "chartreuse", 1)
			Expect(err).To(HaveOccurred())
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(400))
		})

		It("should never let concurrent decrements pass zero", func() {
			_, err := service.Adjust(ctx, locationID, "black", 3)
			Expect(err).NotTo(HaveOccurred())

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				rejected  int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := service.Adjust(ctx, locationID, "black", -1)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						succeeded++
						return
					}
					Expect(internal.HasCode(err, internal.ErrCodeInsufficientStock)).To(BeTrue())
					rejected++
				}()
			}
			wg.Wait()

			Expect(succeeded).To(Equal(3))
			Expect(rejected).To(Equal(5))
			total, err := service.Total(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(0))
		})
	})

	Describe("SetAbsolute", func() {
		It("should overwrite the quantity and audit the change", func() {
			_, err := service.Adjust(ctx, locationID, "green", 4)
			Expect(err).NotTo(HaveOccurred())

			qty, err := service.SetAbsolute(ctx, admin, locationID, "green", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(1))

			logs, err := recorder.List(ctx, audit.Filter{EntityType: audit.EntityInventory, EntityID: &locationID, Action: audit.ActionInventorySet})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
		})

		It("should allow setting a new color to zero", func() {
			qty, err := service.SetAbsolute(ctx, admin, locationID, "gray", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(0))
		})

		It("should reject a negative quantity", func() {
			_, err := service.SetAbsolute(ctx, admin, locationID, "green", -1)
			Expect(internal.HasCode(err, internal.ErrCodeValidationFailed)).To(BeTrue())
		})
	})

	Describe("Total", func() {
		It("should sum every color", func() {
			_, err := service.Adjust(ctx, locationID, "red", 3)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Adjust(ctx, locationID, "white", 4)
			Expect(err).NotTo(HaveOccurred())

			total, err := service.Total(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(7))
		})

		It("should be zero for an empty location", func() {
			total, err := service.Total(ctx, locationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(0))
		})
	})

	Describe("AddStock and RemoveStock", func() {
		It("should audit each staff adjustment with the quantities around it", func() {
			_, err := service.AddStock(ctx, admin, locationID, "Red", 5)
			Expect(err).NotTo(HaveOccurred())
			qty, err := service.RemoveStock(ctx, admin, locationID, "red", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(3))

			logs, err := recorder.List(ctx, audit.Filter{EntityType: audit.EntityInventory, EntityID: &locationID})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(2))
			Expect(logs[0].Action).To(Equal(audit.ActionInventoryAdded))
			Expect(string(logs[0].After)).To(MatchJSON(`{"color":"red","quantity":5}`))
			Expect(logs[1].Action).To(Equal(audit.ActionInventoryRemoved))
			Expect(string(logs[1].Before)).To(MatchJSON(`{"color":"red","quantity":5}`))
			Expect(string(logs[1].After)).To(MatchJSON(`{"color":"red","quantity":3}`))
			Expect(*logs[1].ActorID).To(Equal(int64(1)))
		})

		It("should write no audit row when the removal is refused", func() {
			_, err := service.RemoveStock(ctx, admin, locationID, "blue", 1)
			Expect(internal.HasCode(err, internal.ErrCodeInsufficientStock)).To(BeTrue())

			logs, err := recorder.List(ctx, audit.Filter{EntityType: audit.EntityInventory, EntityID: &locationID})
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(BeEmpty())
		})
	})

	Describe("Role scoping", func() {
		It("should forbid a borrower", func() {
			_, err := service.AddStock(ctx, auth.Actor{Role: auth.RoleBorrower}, locationID, "red", 1)
			Expect(internal.HasCode(err, internal.ErrCodeForbiddenRole)).To(BeTrue())
		})

		It("should forbid an operator of another location", func() {
			other := locationID + 100
			operator := auth.Actor{UserID: 2, Role: auth.RoleOperator, LocationID: &other}
			_, err := service.RemoveStock(ctx, operator, locationID, "red", 1)
			Expect(internal.HasCode(err, internal.ErrCodeLocationScope)).To(BeTrue())
		})

		It("should allow an operator on their own location", func() {
			own := locationID
			operator := auth.Actor{UserID: 2, Role: auth.RoleOperator, LocationID: &own}
			qty, err := service.AddStock(ctx, operator, locationID, "red", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(qty).To(Equal(2))
		})
	})
})
