package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/notification"
	"github.com/mooses23/gemachhub/internal/testutil"
	"github.com/mooses23/gemachhub/internal/transaction"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestNotification(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notification Suite")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
	gate chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, m notification.Message) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) RecordBestEffort(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type queue struct {
	jobs []notification.Job
	err  error
}

func (q *queue) Enqueue(job notification.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type loans map[int64]*transaction.Transaction

func (l loans) Load(_ context.Context, id int64) (*transaction.Transaction, error) {
	if t, ok := l[id]; ok {
		return t, nil
	}
	return nil, internal.NewNotFoundError("transaction not found", internal.ErrCodeTransactionNotFound)
}

type locations map[int64]*location.Location

func (l locations) Get(_ context.Context, id int64) (*location.Location, error) {
	if loc, ok := l[id]; ok {
		return loc, nil
	}
	return nil, internal.NewNotFoundError("location not found", internal.ErrCodeLocationNotFound)
}

type bus struct {
	handlers map[string]events.Handler
}

func (b *bus) Subscribe(eventType string, handler events.Handler) {
	b.handlers[eventType] = handler
}

var _ = Describe("Notifier", func() {
	var (
		ctx      context.Context
		q        *queue
		notifier *notification.Notifier
		b        *bus
		email    string
	)

	BeforeEach(func() {
		ctx = context.Background()
		q = &queue{}
		email = "sara@example.com"
		notifier = notification.NewNotifier(
			loans{
				10: {ID: 10, LocationID: 1, BorrowerName: "Sara", BorrowerEmail: &email},
				11: {ID: 11, LocationID: 1, BorrowerName: "Dov"},
			},
			locations{
				1: {ID: 1, Name: "Brooklyn Gemach", ContactEmail: "ops@example.com"},
				2: {ID: 2, Name: "Lakewood Gemach"},
			},
			q,
			testutil.Logger(),
		)
		b = &bus{handlers: map[string]events.Handler{}}
		notifier.Register(b)
	})

	It("should subscribe to the three notifying events", func() {
		Expect(b.handlers).To(HaveKey(events.EventTypePaymentCompleted))
		Expect(b.handlers).To(HaveKey(events.EventTypeDepositRefunded))
		Expect(b.handlers).To(HaveKey(events.EventTypeManualReview))
	})

	Context("When a deposit payment completes", func() {
		It("should queue a receipt to the borrower", func() {
			ev := events.NewPaymentCompletedEvent(5, 10, 1, "cash", "20.00", events.SourceManual)

			Expect(b.handlers[events.EventTypePaymentCompleted](ctx, ev)).To(Succeed())

			Expect(q.jobs).To(HaveLen(1))
			Expect(q.jobs[0].Message.To).To(Equal(email))
			Expect(q.jobs[0].Message.PlainText).To(ContainSubstring("$20.00 at Brooklyn Gemach"))
			Expect(q.jobs[0].EntityType).To(Equal(audit.EntityPayment))
			Expect(q.jobs[0].EntityID).To(Equal(int64(5)))
		})

		It("should skip borrowers without an email", func() {
			ev := events.NewPaymentCompletedEvent(6, 11, 1, "cash", "20.00", events.SourceManual)

			Expect(b.handlers[events.EventTypePaymentCompleted](ctx, ev)).To(Succeed())
			Expect(q.jobs).To(BeEmpty())
		})

		It("should report an unknown loan", func() {
			ev := events.NewPaymentCompletedEvent(7, 99, 1, "cash", "20.00", events.SourceManual)

			Expect(b.handlers[events.EventTypePaymentCompleted](ctx, ev)).NotTo(Succeed())
		})
	})

	Context("When a deposit is refunded", func() {
		It("should queue a refund notice using the event's borrower details", func() {
			ev := events.NewDepositRefundedEvent(10, 1, 8, "15.00", "Sara", email)

			Expect(b.handlers[events.EventTypeDepositRefunded](ctx, ev)).To(Succeed())

			Expect(q.jobs).To(HaveLen(1))
			Expect(q.jobs[0].Message.Subject).To(Equal("Your deposit has been refunded"))
			Expect(q.jobs[0].EntityID).To(Equal(int64(10)))
		})
	})

	Context("When a payment needs manual review", func() {
		It("should alert the location contact", func() {
			ev := events.NewManualReviewEvent(10, 1, 5, "retries exhausted")

			Expect(b.handlers[events.EventTypeManualReview](ctx, ev)).To(Succeed())

			Expect(q.jobs).To(HaveLen(1))
			Expect(q.jobs[0].Message.To).To(Equal("ops@example.com"))
			Expect(q.jobs[0].Message.PlainText).To(ContainSubstring("retries exhausted"))
		})

		It("should skip locations without a contact email", func() {
			ev := events.NewManualReviewEvent(12, 2, 9, "card declined")

			Expect(b.handlers[events.EventTypeManualReview](ctx, ev)).To(Succeed())
			Expect(q.jobs).To(BeEmpty())
		})
	})

	It("should surface a full queue to the bus", func() {
		q.err = notification.ErrQueueFull
		ev := events.NewDepositRefundedEvent(10, 1, 8, "15.00", "Sara", email)

		err := b.handlers[events.EventTypeDepositRefunded](ctx, ev)

		Expect(errors.Is(err, notification.ErrQueueFull)).To(BeTrue())
	})

	It("should reject a mismatched event payload", func() {
		wrong := events.NewManualReviewEvent(10, 1, 5, "x")

		Expect(b.handlers[events.EventTypePaymentCompleted](ctx, wrong)).NotTo(Succeed())
	})
})

var _ = Describe("Dispatcher", func() {
	var (
		sender   *recordingSender
		recorder *recordingAudit
		job      notification.Job
	)

	BeforeEach(func() {
		sender = &recordingSender{}
		recorder = &recordingAudit{}
		job = notification.Job{
			EventType:  events.EventTypeDepositRefunded,
			EntityType: audit.EntityTransaction,
			EntityID:   10,
			Message:    notification.Message{To: "sara@example.com", Subject: "hi"},
		}
	})

	It("should deliver queued messages through the sender", func() {
		d := notification.NewDispatcher(sender, recorder, notification.DispatcherConfig{Workers: 2, QueueSize: 10}, testutil.Logger())
		DeferCleanup(d.Shutdown)

		for i := 0; i < 5; i++ {
			Expect(d.Enqueue(job)).To(Succeed())
		}

		Eventually(sender.count).Should(Equal(5))
		Expect(recorder.actions()).To(BeEmpty())
	})

	It("should audit a failed send against the entity", func() {
		sender.err = errors.New("sendgrid down")
		d := notification.NewDispatcher(sender, recorder, notification.DispatcherConfig{Workers: 1, QueueSize: 10}, testutil.Logger())
		DeferCleanup(d.Shutdown)

		Expect(d.Enqueue(job)).To(Succeed())

		Eventually(recorder.actions).Should(Equal([]string{audit.ActionSideEffectFailed}))
		Expect(recorder.entries[0].EntityID).To(Equal(int64(10)))
		Expect(recorder.entries[0].Notes).To(ContainSubstring("sendgrid down"))
	})

	It("should refuse work once the queue is full", func() {
		sender.gate = make(chan struct{})
		d := notification.NewDispatcher(sender, recorder, notification.DispatcherConfig{Workers: 1, QueueSize: 1}, testutil.Logger())

		Eventually(func() error { return d.Enqueue(job) }).Should(MatchError(notification.ErrQueueFull))

		close(sender.gate)
		d.Shutdown()
	})

	It("should refuse work after shutdown", func() {
		d := notification.NewDispatcher(sender, recorder, notification.DispatcherConfig{}, testutil.Logger())
		d.Shutdown()

		Expect(d.Enqueue(job)).To(MatchError(ContainSubstring("dispatcher stopped")))
	})
})
