package paymentsync_test

import (
	"time"

	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Status mapping", func() {
	DescribeTable("MapExternalStatus",
		func(provider, external string, want payment.Status, known bool) {
			got, ok := paymentsync.MapExternalStatus(provider, external)
			Expect(ok).To(Equal(known))
			if known {
				Expect(got).To(Equal(want))
			}
		},
		Entry("stripe succeeded", payment.ProviderStripe, "succeeded", payment.StatusCompleted, true),
		Entry("stripe processing", payment.ProviderStripe, "processing", payment.StatusConfirming, true),
		Entry("stripe requires_action", payment.ProviderStripe, "requires_action", payment.StatusPending, true),
		Entry("stripe canceled", payment.ProviderStripe, "canceled", payment.StatusFailed, true),
		Entry("paypal lower case", payment.ProviderPayPal, "completed", payment.StatusCompleted, true),
		Entry("paypal partially refunded", payment.ProviderPayPal, "PARTIALLY_REFUNDED", payment.StatusCompleted, true),
		Entry("paypal denied", payment.ProviderPayPal, "DENIED", payment.StatusFailed, true),
		Entry("cash awaiting", payment.ProviderCash, payment.CashAwaitingConfirmation, payment.StatusConfirming, true),
		Entry("generic fallback", "other", "Declined", payment.StatusFailed, true),
		Entry("unknown word", payment.ProviderStripe, "mystery", payment.Status(""), false),
	)

	DescribeTable("ClassifyFailure",
		func(code string, retryable bool) {
			Expect(paymentsync.ClassifyFailure(code)).To(Equal(retryable))
		},
		Entry("insufficient funds", "insufficient_funds", true),
		Entry("network", " NETWORK_ERROR ", true),
		Entry("hard decline", "card_declined", false),
		Entry("empty", "", false),
	)

	Describe("RetryPolicy", func() {
		policy := paymentsync.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Minute}
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		It("should space attempts linearly", func() {
			Expect(policy.NextAttempt(now, 1)).To(Equal(now.Add(30 * time.Minute)))
			Expect(policy.NextAttempt(now, 3)).To(Equal(now.Add(90 * time.Minute)))
			Expect(policy.NextAttempt(now, 0)).To(Equal(now.Add(30 * time.Minute)))
		})

		It("should stop after the ceiling", func() {
			Expect(policy.Exhausted(2)).To(BeFalse())
			Expect(policy.Exhausted(3)).To(BeTrue())
		})
	})
})
