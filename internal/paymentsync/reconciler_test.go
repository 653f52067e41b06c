package paymentsync_test

import (
	"context"

	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/pkg/metrics"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// memGuard is an in-process stand-in for the redis marker.
type memGuard struct {
	marked    map[string]bool
	forgotten []string
}

func newMemGuard() *memGuard {
	return &memGuard{marked: map[string]bool{}}
}

func (g *memGuard) CheckAndMark(_ context.Context, id string) (bool, error) {
	if g.marked[id] {
		return true, nil
	}
	g.marked[id] = true
	return false, nil
}

func (g *memGuard) Forget(_ context.Context, id string) error {
	delete(g.marked, id)
	g.forgotten = append(g.forgotten, id)
	return nil
}

var _ = Describe("Reconciler", func() {
	var l *ledger

	stripeUpdate := func(eventID, externalID, status string) paymentsync.Update {
		return paymentsync.Update{
			Provider:       payment.ProviderStripe,
			EventID:        eventID,
			EventType:      "payment_intent.test",
			ExternalID:     externalID,
			ExternalStatus: status,
			Source:         events.SourceWebhook,
		}
	}

	BeforeEach(func() {
		l = newLedger()
	})

	It("should apply a provider event exactly once", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		u := stripeUpdate("evt_1", "pi_1", "succeeded")

		first, err := l.reconciler.Apply(l.ctx, u)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Outcome).To(Equal(paymentsync.OutcomeApplied))
		Expect(first.OldStatus).To(Equal(payment.StatusPending))
		Expect(first.NewStatus).To(Equal(payment.StatusCompleted))

		second, err := l.reconciler.Apply(l.ctx, u)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Outcome).To(Equal(paymentsync.OutcomeDuplicate))

		Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
		Expect(l.auditCount(audit.ActionPaymentSynced)).To(Equal(int64(1)))
		Expect(l.bus.types()).To(Equal([]string{events.EventTypePaymentCompleted}))
	})

	It("should reject an update without an event id", func() {
		_, err := l.reconciler.Apply(l.ctx, paymentsync.Update{Provider: payment.ProviderStripe})

		Expect(err).To(HaveOccurred())
	})

	It("should never move a terminal payment", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusCompleted)

		res, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_late", "pi_1", "payment_failed"))

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(paymentsync.OutcomeUnchanged))
		Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
		Expect(l.auditCount(audit.ActionPaymentSynced)).To(BeZero())
	})

	It("should ignore events for payments it does not know, once", func() {
		res, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_x", "pi_unknown", "succeeded"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(paymentsync.OutcomeIgnored))

		res, err = l.reconciler.Apply(l.ctx, stripeUpdate("evt_x", "pi_unknown", "succeeded"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(paymentsync.OutcomeDuplicate))
	})

	It("should not let confirming fall back to pending", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusConfirming)

		res, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_2", "pi_1", "requires_payment_method"))

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(paymentsync.OutcomeUnchanged))
		Expect(l.reload(p.ID).Status).To(Equal(payment.StatusConfirming))
	})

	Describe("failures", func() {
		It("should schedule a retry for a retryable failure", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			u := stripeUpdate("evt_f1", "pi_1", "payment_failed")
			u.FailureCode = "insufficient_funds"

			res, err := l.reconciler.Apply(l.ctx, u)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentsync.OutcomeRetryScheduled))
			reloaded := l.reload(p.ID)
			Expect(reloaded.Status).To(Equal(payment.StatusPendingRetry))
			Expect(reloaded.RetryCount).To(Equal(1))
			Expect(reloaded.NextRetryAt).NotTo(BeNil())
			Expect(l.auditCount(audit.ActionRetryScheduled)).To(Equal(int64(1)))
			Expect(l.bus.types()).To(Equal([]string{events.EventTypePaymentFailed}))
		})

		It("should hand an exhausted payment to an operator", func() {
			loanID := l.loan("")
			p := l.payment(loanID, payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			l.scheduleRetry(p, 3)
			u := stripeUpdate("evt_f2", "pi_1", "payment_failed")
			u.FailureCode = "insufficient_funds"

			res, err := l.reconciler.Apply(l.ctx, u)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentsync.OutcomeManualReview))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusFailed))
			t, err := l.transactions.Load(l.ctx, loanID)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Notes).To(ContainSubstring("Manual review"))
			Expect(l.auditCount(audit.ActionManualReview)).To(Equal(int64(1)))
			Expect(l.bus.types()).To(ContainElement(events.EventTypeManualReview))
		})

		It("should flag a hard decline without retrying", func() {
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			u := stripeUpdate("evt_f3", "pi_1", "payment_failed")
			u.FailureCode = "card_declined"

			res, err := l.reconciler.Apply(l.ctx, u)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentsync.OutcomeManualReview))
			Expect(l.reload(p.ID).RetryCount).To(BeZero())
		})

		It("should give a failed refund's amount back to the charge", func() {
			loanID := l.loan("")
			charge := l.payment(loanID, payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusCompleted)
			Expect(l.payments.ReserveRefund(l.ctx, nil, charge, charge.DepositAmount)).To(Succeed())
			refund := l.payment(loanID, payment.KindRefund, payment.ProviderStripe, "re_1", payment.StatusConfirming)

			_, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_r1", "re_1", "failed"))

			Expect(err).NotTo(HaveOccurred())
			Expect(l.reload(refund.ID).Status).To(Equal(payment.StatusFailed))
			Expect(l.reload(charge.ID).RefundedAmount.IsZero()).To(BeTrue())
		})
	})

	Describe("pay-later", func() {
		It("should complete card setup and keep the payment method", func() {
			loanID := l.loan(transaction.PayLaterCardSetupPending)
			l.payment(loanID, payment.KindCardHold, payment.ProviderStripe, "seti_1", payment.StatusPending)
			u := stripeUpdate("evt_s1", "seti_1", "succeeded")
			u.PaymentMethodID = "pm_saved"

			_, err := l.reconciler.Apply(l.ctx, u)

			Expect(err).NotTo(HaveOccurred())
			Expect(l.loanStatus(loanID)).To(Equal(transaction.PayLaterCardSetupComplete))
			t, err := l.transactions.Load(l.ctx, loanID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*t.StripePaymentMethodID).To(Equal("pm_saved"))
		})

		It("should settle an attempted charge", func() {
			loanID := l.loan(transaction.PayLaterChargeAttempted)
			l.payment(loanID, payment.KindCharge, payment.ProviderStripe, "pi_c", payment.StatusConfirming)

			_, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_c1", "pi_c", "succeeded"))

			Expect(err).NotTo(HaveOccurred())
			Expect(l.loanStatus(loanID)).To(Equal(transaction.PayLaterCharged))
		})

		It("should leave a released card alone", func() {
			loanID := l.loan(transaction.PayLaterDeclined)
			l.payment(loanID, payment.KindCharge, payment.ProviderStripe, "pi_c", payment.StatusConfirming)

			_, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_c2", "pi_c", "succeeded"))

			Expect(err).NotTo(HaveOccurred())
			Expect(l.loanStatus(loanID)).To(Equal(transaction.PayLaterDeclined))
		})
	})

	Describe("idempotency guard", func() {
		It("should trust the event log over a stale marker", func() {
			guard := newMemGuard()
			l.reconciler.WithGuard(guard)
			p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			guard.marked[payment.ProviderStripe+":evt_g1"] = true

			res, err := l.reconciler.Apply(l.ctx, stripeUpdate("evt_g1", "pi_1", "succeeded"))

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentsync.OutcomeApplied))
			Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
		})

		It("should short-circuit a repeat delivery", func() {
			guard := newMemGuard()
			l.reconciler.WithGuard(guard)
			l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
			u := stripeUpdate("evt_g2", "pi_1", "succeeded")

			_, err := l.reconciler.Apply(l.ctx, u)
			Expect(err).NotTo(HaveOccurred())
			res, err := l.reconciler.Apply(l.ctx, u)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentsync.OutcomeDuplicate))
			Expect(guard.forgotten).To(BeEmpty())
		})
	})

	It("should count outcomes", func() {
		reg := prometheus.NewRegistry()
		l.reconciler.WithMetrics(metrics.NewSyncMetrics(reg))
		l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		u := stripeUpdate("evt_m1", "pi_1", "succeeded")

		_, err := l.reconciler.Apply(l.ctx, u)
		Expect(err).NotTo(HaveOccurred())
		_, err = l.reconciler.Apply(l.ctx, u)
		Expect(err).NotTo(HaveOccurred())

		count, err := promtest.GatherAndCount(reg, "gemachhub_payment_sync_updates_total")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
	})
})
