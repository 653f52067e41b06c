package paymentsync_test

import (
	"context"
	"errors"

	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type pollingProvider struct {
	name   string
	status *payment.StatusResult
	err    error
	polled []string
}

func (p *pollingProvider) Name() string { return p.name }

func (p *pollingProvider) Initiate(context.Context, payment.InitiateRequest) (*payment.InitiateResult, error) {
	return nil, errors.New("not used")
}

func (p *pollingProvider) Refund(context.Context, payment.RefundRequest) (*payment.RefundResult, error) {
	return nil, errors.New("not used")
}

func (p *pollingProvider) Status(_ context.Context, externalID string) (*payment.StatusResult, error) {
	p.polled = append(p.polled, externalID)
	return p.status, p.err
}

type fixedRetrier struct {
	res     *payment.ChargeResult
	handled bool
	calls   int
}

func (r *fixedRetrier) RetryCharge(context.Context, *payment.Payment) (*payment.ChargeResult, bool, error) {
	r.calls++
	return r.res, r.handled, nil
}

var _ = Describe("RetrySweep", func() {
	var (
		l        *ledger
		provider *pollingProvider
		retrier  *fixedRetrier
		sweep    *paymentsync.RetrySweep
	)

	BeforeEach(func() {
		l = newLedger()
		provider = &pollingProvider{name: payment.ProviderStripe, status: &payment.StatusResult{ExternalStatus: "succeeded"}}
		retrier = &fixedRetrier{}
		registry := payment.NewRegistry(provider, payment.NewCashProvider())
		sweep = paymentsync.NewRetrySweep(l.payments, registry, retrier, l.reconciler, 10, testutil.Logger())
	})

	It("should poll due payments and apply what the provider says", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		l.scheduleRetry(p, 1)

		report, err := sweep.Run(l.ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Picked).To(Equal(1))
		Expect(report.Applied).To(Equal(1))
		Expect(provider.polled).To(Equal([]string{"pi_1"}))
		Expect(retrier.calls).To(Equal(1))
		Expect(l.reload(p.ID).Status).To(Equal(payment.StatusCompleted))
	})

	It("should leave payments that are not yet due", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		attempt := 1
		Expect(l.payments.Transition(l.ctx, nil, p.ID, payment.Open, payment.StatusPendingRetry, payment.Change{RetryCount: &attempt})).To(Succeed())

		report, err := sweep.Run(l.ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Picked).To(BeZero())
	})

	It("should use the retrier for saved-card charges", func() {
		retrier.handled = true
		retrier.res = &payment.ChargeResult{ExternalID: "pi_retry", ExternalStatus: "succeeded"}
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		l.scheduleRetry(p, 1)

		_, err := sweep.Run(l.ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(provider.polled).To(BeEmpty())
		reloaded := l.reload(p.ID)
		Expect(reloaded.Status).To(Equal(payment.StatusCompleted))
		Expect(reloaded.ExternalIDOrEmpty()).To(Equal("pi_retry"))
	})

	It("should count a provider outage against the retry ceiling", func() {
		provider.err = errors.New("dial tcp: i/o timeout")
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderStripe, "pi_1", payment.StatusPending)
		l.scheduleRetry(p, 1)

		_, err := sweep.Run(l.ctx)

		Expect(err).NotTo(HaveOccurred())
		reloaded := l.reload(p.ID)
		Expect(reloaded.Status).To(Equal(payment.StatusPendingRetry))
		Expect(reloaded.RetryCount).To(Equal(2))
	})

	It("should fail payments that cannot be polled", func() {
		p := l.payment(l.loan(""), payment.KindCharge, payment.ProviderCash, "", payment.StatusPending)
		l.scheduleRetry(p, 1)

		report, err := sweep.Run(l.ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Applied).To(Equal(1))
		reloaded := l.reload(p.ID)
		Expect(reloaded.Status).To(Equal(payment.StatusFailed))
		Expect(*reloaded.FailureCode).To(Equal("missing_external_id"))
	})
})
