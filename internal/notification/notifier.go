package notification

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/transaction"
)

type TransactionLoader interface {
	Load(ctx context.Context, id int64) (*transaction.Transaction, error)
}

type LocationLoader interface {
	Get(ctx context.Context, id int64) (*location.Location, error)
}

type Enqueuer interface {
	Enqueue(job Job) error
}

type Subscriber interface {
	Subscribe(eventType string, handler events.Handler)
}

// Notifier turns ledger events into emails for borrowers and operators.
type Notifier struct {
	transactions TransactionLoader
	locations    LocationLoader
	queue        Enqueuer
	logger       *slog.Logger
}

func NewNotifier(transactions TransactionLoader, locations LocationLoader, queue Enqueuer, logger *slog.Logger) *Notifier {
	return &Notifier{
		transactions: transactions,
		locations:    locations,
		queue:        queue,
		logger:       logger,
	}
}

func (n *Notifier) Register(bus Subscriber) {
	bus.Subscribe(events.EventTypePaymentCompleted, n.onPaymentCompleted)
	bus.Subscribe(events.EventTypeDepositRefunded, n.onDepositRefunded)
	bus.Subscribe(events.EventTypeManualReview, n.onManualReview)
}

func (n *Notifier) onPaymentCompleted(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for %s", event, event.EventType())
	}

	t, err := n.transactions.Load(ctx, ev.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction %d: %w", ev.TransactionID, err)
	}
	if t.BorrowerEmail == nil || *t.BorrowerEmail == "" {
		n.logger.Debug("no borrower email, skipping receipt", "transaction_id", t.ID)
		return nil
	}
	locationName := n.locationName(ctx, ev.LocationID)

	return n.enqueue(Job{
		EventType:  ev.EventType(),
		EntityType: audit.EntityPayment,
		EntityID:   ev.PaymentID,
		Message: Message{
			To:        *t.BorrowerEmail,
			ToName:    t.BorrowerName,
			Subject:   "Your deposit was received",
			PlainText: fmt.Sprintf("Hi %s, we received your deposit of $%s at %s. It will be refunded when the item is returned.", t.BorrowerName, ev.Amount, locationName),
			HTML: fmt.Sprintf("<p>Hi %s,</p><p>We received your deposit of <strong>$%s</strong> at %s. It will be refunded when the item is returned.</p>",
				html.EscapeString(t.BorrowerName), html.EscapeString(ev.Amount), html.EscapeString(locationName)),
		},
	})
}

func (n *Notifier) onDepositRefunded(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.DepositRefundedEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for %s", event, event.EventType())
	}
	if ev.BorrowerEmail == "" {
		n.logger.Debug("no borrower email, skipping refund notice", "transaction_id", ev.TransactionID)
		return nil
	}

	return n.enqueue(Job{
		EventType:  ev.EventType(),
		EntityType: audit.EntityTransaction,
		EntityID:   ev.TransactionID,
		Message: Message{
			To:        ev.BorrowerEmail,
			ToName:    ev.BorrowerName,
			Subject:   "Your deposit has been refunded",
			PlainText: fmt.Sprintf("Hi %s, $%s of your deposit has been refunded. Thank you for returning the item.", ev.BorrowerName, ev.Amount),
			HTML: fmt.Sprintf("<p>Hi %s,</p><p><strong>$%s</strong> of your deposit has been refunded. Thank you for returning the item.</p>",
				html.EscapeString(ev.BorrowerName), html.EscapeString(ev.Amount)),
		},
	})
}

func (n *Notifier) onManualReview(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.ManualReviewEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for %s", event, event.EventType())
	}

	loc, err := n.locations.Get(ctx, ev.LocationID)
	if err != nil {
		return fmt.Errorf("load location %d: %w", ev.LocationID, err)
	}
	if loc.ContactEmail == "" {
		n.logger.Warn("location has no contact email, review alert not sent", "location_id", loc.ID, "transaction_id", ev.TransactionID)
		return nil
	}

	return n.enqueue(Job{
		EventType:  ev.EventType(),
		EntityType: audit.EntityTransaction,
		EntityID:   ev.TransactionID,
		Message: Message{
			To:        loc.ContactEmail,
			ToName:    loc.Name,
			Subject:   fmt.Sprintf("Deposit needs review (loan #%d)", ev.TransactionID),
			PlainText: fmt.Sprintf("Loan #%d at %s needs attention: %s", ev.TransactionID, loc.Name, ev.Reason),
			HTML: fmt.Sprintf("<p>Loan <strong>#%d</strong> at %s needs attention:</p><p>%s</p>",
				ev.TransactionID, html.EscapeString(loc.Name), html.EscapeString(ev.Reason)),
		},
	})
}

func (n *Notifier) locationName(ctx context.Context, id int64) string {
	loc, err := n.locations.Get(ctx, id)
	if err != nil || loc == nil {
		return "the gemach"
	}
	return loc.Name
}

func (n *Notifier) enqueue(job Job) error {
	if err := n.queue.Enqueue(job); err != nil {
		return fmt.Errorf("enqueue %s email: %w", job.EventType, err)
	}
	return nil
}
