package paymentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/mooses23/gemachhub/pkg/metrics"
	"gorm.io/gorm"
)

// EventLog is the durable record of applied provider event ids.
type EventLog interface {
	WithTx(tx *gorm.DB) EventLog
	// Claim records the event id; false means it was applied before.
	Claim(ctx context.Context, provider, eventID, eventType string, paymentID *int64) (bool, error)
	Seen(ctx context.Context, provider, eventID string) (bool, error)
}

// Guard is a fast, expiring "seen" marker in front of the event log.
type Guard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Update is one observation of a payment's status at its provider.
type Update struct {
	Provider       string
	EventID        string
	EventType      string
	PaymentID      int64
	ExternalID     string
	ExternalStatus string
	// Status skips the provider vocabulary when the caller already knows
	// the ledger status (sweep errors).
	Status          payment.Status
	FailureCode     string
	FailureReason   string
	RequiresAction  bool
	PaymentMethodID string
	Raw             json.RawMessage
	Source          string
}

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeManualReview   Outcome = "manual_review"
)

type Result struct {
	Outcome   Outcome
	PaymentID int64
	OldStatus payment.Status
	NewStatus payment.Status
}

// Reconciler applies provider status updates to the ledger exactly once per
// provider event id.
type Reconciler struct {
	tx           db.TxRunner
	events       EventLog
	payments     *payment.Service
	transactions *transaction.Service
	audit        *audit.Recorder
	bus          Publisher
	guard        Guard
	metrics      *metrics.SyncMetrics
	policy       RetryPolicy
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciler(tx db.TxRunner, eventLog EventLog, payments *payment.Service, transactions *transaction.Service, recorder *audit.Recorder, bus Publisher, policy RetryPolicy, logger *slog.Logger) *Reconciler {
	if policy.MaxAttempts <= 0 && policy.BaseDelay <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Reconciler{
		tx:           tx,
		events:       eventLog,
		payments:     payments,
		transactions: transactions,
		audit:        recorder,
		bus:          bus,
		policy:       policy,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithGuard puts a redis marker in front of the event log.
func (r *Reconciler) WithGuard(g Guard) *Reconciler {
	r.guard = g
	return r
}

func (r *Reconciler) WithMetrics(m *metrics.SyncMetrics) *Reconciler {
	r.metrics = m
	return r
}

func guardKey(u Update) string {
	return u.Provider + ":" + u.EventID
}

func (r *Reconciler) Apply(ctx context.Context, u Update) (*Result, error) {
	if u.EventID == "" || u.Provider == "" {
		return nil, internal.NewValidationError("provider and event id are required", internal.ErrCodeValidationFailed)
	}
	lg := r.logger.With("provider", u.Provider, "event_id", u.EventID, "event_type", u.EventType)

	if r.guard != nil {
		marked, err := r.guard.CheckAndMark(ctx, guardKey(u))
		switch {
		case err != nil:
			lg.Warn("idempotency guard unavailable, falling back to event log", "error", err)
		case marked:
			// the marker is set before processing, so confirm it actually committed
			seen, err := r.events.Seen(ctx, u.Provider, u.EventID)
			if err != nil {
				return nil, internal.NewInternalError("failed to check webhook event", err)
			}
			if seen {
				r.metrics.IncUpdate(u.Provider, metrics.OutcomeDuplicate)
				lg.Info("duplicate provider event skipped")
				return &Result{Outcome: OutcomeDuplicate}, nil
			}
		}
	}

	res := &Result{}
	var effects []events.Event
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		p, err := r.locate(ctx, tx, u)
		if err != nil {
			return err
		}
		var paymentID *int64
		if p != nil {
			paymentID = &p.ID
			res.PaymentID = p.ID
			res.OldStatus = p.Status
			res.NewStatus = p.Status
		}
		claimed, err := r.events.WithTx(tx).Claim(ctx, u.Provider, u.EventID, u.EventType, paymentID)
		if err != nil {
			return internal.NewInternalError("failed to record webhook event", err)
		}
		if !claimed {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		if p == nil {
			lg.Warn("provider event for unknown payment", "external_id", u.ExternalID, "payment_id", u.PaymentID)
			res.Outcome = OutcomeIgnored
			return nil
		}
		effects, err = r.apply(ctx, tx, p, u, res)
		return err
	})
	if err != nil {
		if r.guard != nil {
			if ferr := r.guard.Forget(ctx, guardKey(u)); ferr != nil {
				lg.Warn("failed to clear idempotency marker", "error", ferr)
			}
		}
		r.metrics.IncUpdate(u.Provider, metrics.OutcomeError)
		lg.Error("failed to apply provider update", "error", err)
		return nil, err
	}

	switch res.Outcome {
	case OutcomeDuplicate:
		r.metrics.IncUpdate(u.Provider, metrics.OutcomeDuplicate)
		lg.Info("duplicate provider event skipped")
	case OutcomeIgnored, OutcomeUnchanged:
		r.metrics.IncUpdate(u.Provider, metrics.OutcomeIgnored)
	default:
		r.metrics.IncUpdate(u.Provider, metrics.OutcomeApplied)
		lg.Info("provider update applied",
			"payment_id", res.PaymentID,
			"old_status", res.OldStatus,
			"new_status", res.NewStatus,
			"outcome", res.Outcome)
	}
	switch res.Outcome {
	case OutcomeRetryScheduled:
		r.metrics.IncRetryScheduled(u.Provider)
	case OutcomeManualReview:
		r.metrics.IncManualReview(u.Provider)
	}
	r.publish(ctx, effects)
	return res, nil
}

func (r *Reconciler) locate(ctx context.Context, tx *gorm.DB, u Update) (*payment.Payment, error) {
	if u.PaymentID != 0 {
		p, err := r.payments.LoadTx(ctx, tx, u.PaymentID)
		if internal.HasCode(err, internal.ErrCodePaymentNotFound) {
			return nil, nil
		}
		return p, err
	}
	if u.ExternalID == "" {
		return nil, nil
	}
	return r.payments.FindByExternalID(ctx, tx, u.Provider, u.ExternalID)
}

func (r *Reconciler) apply(ctx context.Context, tx *gorm.DB, p *payment.Payment, u Update, res *Result) ([]events.Event, error) {
	target := u.Status
	if target == "" {
		mapped, ok := MapExternalStatus(u.Provider, u.ExternalStatus)
		if !ok {
			r.logger.Warn("unmapped provider status", "provider", u.Provider, "external_status", u.ExternalStatus, "payment_id", p.ID)
			res.Outcome = OutcomeIgnored
			return nil, nil
		}
		target = mapped
	}

	if p.Status.IsTerminal() {
		r.logger.Info("payment already terminal, update ignored", "payment_id", p.ID, "status", p.Status, "external_status", u.ExternalStatus)
		res.Outcome = OutcomeUnchanged
		return nil, nil
	}

	t, err := r.transactions.LoadTx(ctx, tx, p.TransactionID)
	if err != nil {
		return nil, err
	}

	change := payment.Change{
		ProviderData:  u.Raw,
		FailureCode:   u.FailureCode,
		FailureReason: u.FailureReason,
	}
	if u.ExternalID != "" && u.ExternalID != p.ExternalIDOrEmpty() {
		change.ExternalID = u.ExternalID
	}

	var reviewReason string
	if target == payment.StatusFailed {
		target, reviewReason = r.classify(p, u, &change)
	}

	// confirming never falls back to pending
	unchanged := (target == p.Status && target != payment.StatusPendingRetry) ||
		(target == payment.StatusPending && p.Status == payment.StatusConfirming)
	if unchanged {
		if err := r.payments.Annotate(ctx, tx, p.ID, change); err != nil {
			return nil, err
		}
		if err := r.syncPayLater(ctx, tx, p, t, p.Status, u); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeUnchanged
		return nil, nil
	}

	if err := r.payments.Transition(ctx, tx, p.ID, payment.Open, target, change); err != nil {
		if internal.HasCode(err, internal.ErrCodeInvalidState) {
			res.Outcome = OutcomeUnchanged
			return nil, nil
		}
		return nil, err
	}
	res.NewStatus = target
	res.Outcome = OutcomeApplied

	if err := r.audit.WithTx(tx).Record(ctx, audit.Entry{
		Actor:      auth.System,
		Action:     audit.ActionPaymentSynced,
		EntityType: audit.EntityPayment,
		EntityID:   p.ID,
		Before:     audit.StatusChange{Status: string(p.Status)},
		After:      audit.StatusChange{Status: string(target)},
		Notes:      fmt.Sprintf("%s reported %q (%s, %s)", u.Provider, u.ExternalStatus, u.Source, u.EventID),
	}); err != nil {
		return nil, err
	}

	if target == payment.StatusPendingRetry {
		res.Outcome = OutcomeRetryScheduled
		if err := r.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      auth.System,
			Action:     audit.ActionRetryScheduled,
			EntityType: audit.EntityPayment,
			EntityID:   p.ID,
			After:      map[string]interface{}{"retry_count": *change.RetryCount, "next_retry_at": *change.NextRetryAt},
			Notes:      u.FailureCode,
		}); err != nil {
			return nil, err
		}
	}

	if target == payment.StatusFailed && p.Kind == payment.KindRefund {
		if err := r.releaseRefund(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	if err := r.syncPayLater(ctx, tx, p, t, target, u); err != nil {
		return nil, err
	}

	var effects []events.Event
	if reviewReason != "" {
		res.Outcome = OutcomeManualReview
		if err := r.transactions.AppendNoteTx(ctx, tx, t.ID, "Manual review: "+reviewReason); err != nil {
			return nil, err
		}
		if err := r.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      auth.System,
			Action:     audit.ActionManualReview,
			EntityType: audit.EntityTransaction,
			EntityID:   t.ID,
			Notes:      reviewReason,
		}); err != nil {
			return nil, err
		}
		effects = append(effects, events.NewManualReviewEvent(t.ID, t.LocationID, p.ID, reviewReason))
	}

	source := u.Source
	if source == "" {
		source = events.SourceWebhook
	}
	switch {
	case target == payment.StatusCompleted && p.Kind == payment.KindRefund:
		effects = append(effects, events.NewDepositRefundedEvent(t.ID, t.LocationID, p.ID, p.DepositAmount.Abs().StringFixed(2), t.BorrowerName, t.EmailOrEmpty()))
	case target == payment.StatusCompleted:
		effects = append(effects, events.NewPaymentCompletedEvent(p.ID, t.ID, t.LocationID, p.PaymentMethod, p.TotalAmount.StringFixed(2), source))
	case target == payment.StatusFailed || target == payment.StatusPendingRetry:
		retries := p.RetryCount
		if change.RetryCount != nil {
			retries = *change.RetryCount
		}
		effects = append(effects, events.NewPaymentFailedEvent(p.ID, t.ID, t.LocationID, u.FailureCode, u.FailureReason, retries, source))
	}
	return effects, nil
}

// classify decides between another attempt and a terminal failure that a
// human has to look at.
func (r *Reconciler) classify(p *payment.Payment, u Update, change *payment.Change) (payment.Status, string) {
	code := u.FailureCode
	if code == "" {
		code = "unknown"
	}
	if p.Kind == payment.KindRefund {
		return payment.StatusFailed, fmt.Sprintf("refund payment %d failed at %s (%s)", p.ID, u.Provider, code)
	}
	if !ClassifyFailure(code) {
		return payment.StatusFailed, fmt.Sprintf("payment %d failed at %s (%s)", p.ID, u.Provider, code)
	}
	if r.policy.Exhausted(p.RetryCount) {
		return payment.StatusFailed, fmt.Sprintf("payment %d still failing after %d retries (%s)", p.ID, p.RetryCount, code)
	}
	attempt := p.RetryCount + 1
	next := r.policy.NextAttempt(r.now(), attempt)
	change.RetryCount = &attempt
	change.NextRetryAt = &next
	return payment.StatusPendingRetry, ""
}

func (r *Reconciler) releaseRefund(ctx context.Context, tx *gorm.DB, refund *payment.Payment) error {
	charge, err := r.payments.CompletedCharge(ctx, tx, refund.TransactionID)
	if err != nil {
		return err
	}
	if charge == nil {
		return nil
	}
	return r.payments.ReleaseRefund(ctx, tx, charge.ID, refund.DepositAmount.Abs())
}

// syncPayLater moves the loan's card sub-state along with its hold or charge
// row. A sub-state that has already moved on is left alone.
func (r *Reconciler) syncPayLater(ctx context.Context, tx *gorm.DB, p *payment.Payment, t *transaction.Transaction, status payment.Status, u Update) error {
	if t.PayLaterStatus == nil {
		return nil
	}
	var (
		from   []transaction.PayLaterStatus
		to     transaction.PayLaterStatus
		fields map[string]interface{}
	)
	switch p.Kind {
	case payment.KindCardHold:
		switch status {
		case payment.StatusCompleted:
			from = []transaction.PayLaterStatus{transaction.PayLaterCardSetupPending}
			to = transaction.PayLaterCardSetupComplete
			if u.PaymentMethodID != "" {
				fields = map[string]interface{}{"stripe_payment_method_id": u.PaymentMethodID}
			}
		case payment.StatusFailed:
			from = []transaction.PayLaterStatus{transaction.PayLaterRequestCreated, transaction.PayLaterCardSetupPending}
			to = transaction.PayLaterExpired
		}
	case payment.KindCharge:
		switch {
		case status == payment.StatusCompleted:
			from = []transaction.PayLaterStatus{transaction.PayLaterChargeAttempted, transaction.PayLaterChargeRequiresAction, transaction.PayLaterChargeFailed}
			to = transaction.PayLaterCharged
		case status == payment.StatusFailed || status == payment.StatusPendingRetry:
			from = []transaction.PayLaterStatus{transaction.PayLaterChargeAttempted, transaction.PayLaterChargeRequiresAction}
			to = transaction.PayLaterChargeFailed
		case u.RequiresAction:
			from = []transaction.PayLaterStatus{transaction.PayLaterChargeAttempted}
			to = transaction.PayLaterChargeRequiresAction
		}
	}
	if to == "" || *t.PayLaterStatus == to {
		return nil
	}
	err := r.transactions.TransitionPayLater(ctx, tx, t.ID, from, to, fields)
	if internal.HasCode(err, internal.ErrCodeInvalidState) {
		r.logger.Info("pay-later status already moved on", "transaction_id", t.ID, "current", *t.PayLaterStatus, "wanted", to)
		return nil
	}
	return err
}

func (r *Reconciler) publish(ctx context.Context, effects []events.Event) {
	if r.bus == nil {
		return
	}
	for _, ev := range effects {
		if err := r.bus.Publish(ctx, ev); err != nil {
			r.logger.Error("failed to publish event", "event_type", ev.EventType(), "error", err)
		}
	}
}
