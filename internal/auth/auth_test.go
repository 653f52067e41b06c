package auth

import (
	"github.com/mooses23/gemachhub/internal"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = ginkgo.Describe("Actor", func() {
	locA := int64(1)
	locB := int64(2)

	admin := Actor{UserID: 1, Role: RoleAdmin}
	operatorA := Actor{UserID: 2, Role: RoleOperator, LocationID: &locA}
	borrower := Actor{UserID: 3, Role: RoleBorrower}
	orphan := Actor{UserID: 4, Role: RoleOperator}

	ginkgo.It("lets an admin act on any location", func() {
		gomega.Expect(admin.CanAccessLocation(locA)).To(gomega.Succeed())
		gomega.Expect(admin.CanAccessLocation(locB)).To(gomega.Succeed())
	})

	ginkgo.It("scopes an operator to their own location", func() {
		gomega.Expect(operatorA.CanAccessLocation(locA)).To(gomega.Succeed())
		err := operatorA.CanAccessLocation(locB)
		gomega.Expect(internal.ErrorCodeOf(err)).To(gomega.Equal(internal.ErrCodeLocationScope))
	})

	ginkgo.It("always forbids borrowers", func() {
		err := borrower.CanAccessLocation(locA)
		gomega.Expect(internal.ErrorCodeOf(err)).To(gomega.Equal(internal.ErrCodeForbiddenRole))
		gomega.Expect(borrower.RequireStaff()).ToNot(gomega.Succeed())
	})

	ginkgo.It("forbids an operator without a location", func() {
		gomega.Expect(internal.ErrorCodeOf(orphan.RequireStaff())).To(gomega.Equal(internal.ErrCodeLocationScope))
	})

	ginkgo.It("derives the list scope from the role", func() {
		scope, err := admin.ScopeLocation()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(scope).To(gomega.BeNil())

		scope, err = operatorA.ScopeLocation()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(*scope).To(gomega.Equal(locA))
	})

	ginkgo.It("records no user id for the system actor", func() {
		gomega.Expect(System.ActorID()).To(gomega.BeNil())
		gomega.Expect(System.IsAdmin()).To(gomega.BeTrue())
		gomega.Expect(*admin.ActorID()).To(gomega.Equal(int64(1)))
	})
})
