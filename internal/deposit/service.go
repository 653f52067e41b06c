package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/payment"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LocationAPI interface {
	RequireActive(ctx context.Context, id int64) (*location.Location, error)
	ResolveMethod(ctx context.Context, locationID int64, method string) (*location.MethodTerms, error)
}

type StockAdjuster interface {
	AdjustTx(ctx context.Context, tx *gorm.DB, locationID int64, color string, delta int) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Config struct {
	Currency string
}

type Deps struct {
	Tx           db.TxRunner
	Locations    LocationAPI
	Transactions *transaction.Service
	Payments     *payment.Service
	Stock        StockAdjuster
	Providers    *payment.Registry
	Audit        *audit.Recorder
	Bus          Publisher
	Policy       paymentsync.RetryPolicy
	Logger       *slog.Logger
}

// Service orchestrates a deposit from collection to refund or card charge.
// Every money movement commits its status change and audit entry together;
// notifications follow on the event bus and never undo the movement.
type Service struct {
	tx           db.TxRunner
	locations    LocationAPI
	transactions *transaction.Service
	payments     *payment.Service
	stock        StockAdjuster
	providers    *payment.Registry
	audit        *audit.Recorder
	bus          Publisher
	policy       paymentsync.RetryPolicy
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	policy := deps.Policy
	if policy.MaxAttempts <= 0 && policy.BaseDelay <= 0 {
		policy = paymentsync.DefaultRetryPolicy()
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Service{
		tx:           deps.Tx,
		locations:    deps.Locations,
		transactions: deps.Transactions,
		payments:     deps.Payments,
		stock:        deps.Stock,
		providers:    deps.Providers,
		audit:        deps.Audit,
		bus:          deps.Bus,
		policy:       policy,
		cfg:          cfg,
		logger:       deps.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// declinableFrom lists the sub-states a card hold may be released from. A
// charge in flight has to settle first.
var declinableFrom = []transaction.PayLaterStatus{
	transaction.PayLaterRequestCreated,
	transaction.PayLaterCardSetupPending,
	transaction.PayLaterCardSetupComplete,
	transaction.PayLaterApproved,
	transaction.PayLaterChargeRequiresAction,
	transaction.PayLaterChargeFailed,
}

// InitiateDeposit opens the loan and starts collecting its deposit. The loan
// row, the stock decrement and the payment row commit together; the provider
// is called after that commit.
func (s *Service) InitiateDeposit(ctx context.Context, actor auth.Actor, req InitiateDepositRequest) (*InitiateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleOperator {
		if err := actor.CanAccessLocation(req.LocationID); err != nil {
			return nil, err
		}
	}
	loc, err := s.locations.RequireActive(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	terms, err := s.locations.ResolveMethod(ctx, loc.ID, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	provider, err := s.provider(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var (
		t *transaction.Transaction
		p *payment.Payment
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		if req.Color != nil {
			t, err = s.transactions.LendTx(ctx, tx, actor, loc, transaction.LendRequest{CreateRequest: req.CreateRequest})
		} else {
			t, err = s.transactions.CreateTx(ctx, tx, actor, loc, req.CreateRequest)
		}
		if err != nil {
			return err
		}
		p, err = s.createPaymentRow(ctx, tx, actor, t, terms)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.start(ctx, actor, provider, t, p)
}

// InitiatePayment starts collecting the deposit of an existing loan.
func (s *Service) InitiatePayment(ctx context.Context, actor auth.Actor, req InitiatePaymentRequest) (*InitiateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.transactions.Load(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.LocationID != req.LocationID {
		return nil, internal.NewValidationFieldError("locationId", "transaction does not belong to this location", internal.ErrCodeValidationFailed)
	}
	if actor.Role == auth.RoleOperator {
		if err := actor.CanAccessLocation(t.LocationID); err != nil {
			return nil, err
		}
	}
	if t.IsReturned {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("transaction %d has already been returned", t.ID))
	}
	if t.PayLaterStatus != nil && *t.PayLaterStatus != transaction.PayLaterRequestCreated {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("card setup for transaction %d has already started", t.ID))
	}
	if t.PayLaterStatus != nil && req.PaymentMethod != location.MethodStripe {
		return nil, internal.NewValidationError("pay later is only available for card deposits", internal.ErrCodeInvalidMethod)
	}

	terms, err := s.locations.ResolveMethod(ctx, t.LocationID, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	provider, err := s.provider(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var p *payment.Payment
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		for _, kind := range []payment.Kind{payment.KindCharge, payment.KindCardHold} {
			existing, err := s.payments.Latest(ctx, tx, t.ID, kind, append([]payment.Status{payment.StatusCompleted}, payment.Open...)...)
			if err != nil {
				return err
			}
			if existing != nil {
				return internal.NewInvalidStateError(fmt.Sprintf("transaction %d already has payment %d in status %s", t.ID, existing.ID, existing.Status))
			}
		}
		var err error
		p, err = s.createPaymentRow(ctx, tx, actor, t, terms)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.start(ctx, actor, provider, t, p)
}

func (s *Service) provider(method string) (payment.Provider, error) {
	p, err := s.providers.Get(method)
	if err != nil {
		s.logger.Warn("payment method has no configured provider", "method", method, "error", err)
		return nil, internal.NewUnsupportedMethodError(method)
	}
	return p, nil
}

func (s *Service) createPaymentRow(ctx context.Context, tx *gorm.DB, actor auth.Actor, t *transaction.Transaction, terms *location.MethodTerms) (*payment.Payment, error) {
	kind := payment.KindCharge
	if t.PayLaterStatus != nil {
		kind = payment.KindCardHold
	}
	p, err := s.payments.CreateTx(ctx, tx, payment.NewRow{
		TransactionID: t.ID,
		Kind:          kind,
		Method:        terms.Method,
		Provider:      terms.Method,
		DepositAmount: t.DepositAmount,
		ProcessingFee: terms.Fee(t.DepositAmount),
		Status:        payment.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit.WithTx(tx).Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionPaymentInitiated,
		EntityType: audit.EntityPayment,
		EntityID:   p.ID,
		After:      p,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// start hands the payment to its provider and records what came back.
func (s *Service) start(ctx context.Context, actor auth.Actor, provider payment.Provider, t *transaction.Transaction, p *payment.Payment) (*InitiateResponse, error) {
	callCtx, cancel := internal.WithProviderTimeout(ctx)
	res, err := provider.Initiate(callCtx, payment.InitiateRequest{
		PaymentID:     p.ID,
		TransactionID: t.ID,
		LocationID:    t.LocationID,
		Amount:        p.TotalAmount,
		Currency:      s.cfg.Currency,
		BorrowerName:  t.BorrowerName,
		BorrowerEmail: t.EmailOrEmpty(),
		PayLater:      p.Kind == payment.KindCardHold,
	})
	cancel()
	if err != nil {
		s.logger.Error("provider failed to initiate payment",
			"provider", provider.Name(),
			"payment_id", p.ID,
			"transaction_id", t.ID,
			"error", err)
		s.failInitiation(ctx, actor, p)
		return nil, internal.NewProviderError(provider.Name(), err)
	}

	status, ok := paymentsync.MapExternalStatus(provider.Name(), res.ExternalStatus)
	if !ok || status.IsTerminal() {
		status = payment.StatusPending
	}
	change := payment.Change{ExternalID: res.ExternalID, ProviderData: res.Raw}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if status == payment.StatusPending {
			if err := s.payments.Annotate(ctx, tx, p.ID, change); err != nil {
				return err
			}
		} else if err := s.payments.Transition(ctx, tx, p.ID, []payment.Status{payment.StatusPending}, status, change); err != nil {
			return err
		}
		if p.Kind != payment.KindCardHold {
			return nil
		}
		if err := s.transactions.SetProviderRefs(ctx, tx, t.ID, transaction.ProviderRefs{
			StripeCustomerID:    res.CustomerID,
			StripeSetupIntentID: res.ExternalID,
		}); err != nil {
			return err
		}
		return s.transactions.TransitionPayLater(ctx, tx, t.ID,
			[]transaction.PayLaterStatus{transaction.PayLaterRequestCreated},
			transaction.PayLaterCardSetupPending, nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"transaction_id", t.ID,
		"provider", provider.Name(),
		"status", status)
	return &InitiateResponse{
		TransactionID:  t.ID,
		PaymentID:      p.ID,
		Status:         status,
		ClientSecret:   res.ClientSecret,
		PublishableKey: res.PublishableKey,
		ApprovalURL:    res.ApprovalURL,
	}, nil
}

func (s *Service) failInitiation(ctx context.Context, actor auth.Actor, p *payment.Payment) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.Transition(ctx, tx, p.ID, payment.Open, payment.StatusFailed, payment.Change{
			FailureCode:   "provider_error",
			FailureReason: "provider rejected the payment request",
		}); err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionInitiationFailed,
			EntityType: audit.EntityPayment,
			EntityID:   p.ID,
			Before:     audit.StatusChange{Status: string(p.Status)},
			After:      audit.StatusChange{Status: string(payment.StatusFailed)},
		})
	})
	if err != nil {
		s.logger.Error("failed to record initiation failure", "payment_id", p.ID, "error", err)
	}
}

// ConfirmPayment is the operator's verdict on a pending or confirming
// charge. A payment that already reached a terminal status is rejected with
// InvalidState and left as it is.
func (s *Service) ConfirmPayment(ctx context.Context, actor auth.Actor, paymentID int64, req ConfirmRequest) (*payment.Payment, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.payments.Load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	t, err := s.transactions.Load(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := actor.CanAccessLocation(t.LocationID); err != nil {
		return nil, err
	}
	if p.Kind != payment.KindCharge {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("payment %d is a %s and cannot be confirmed", p.ID, p.Kind))
	}

	confirmed := *req.Confirmed
	to, action := payment.StatusCompleted, audit.ActionPaymentConfirmed
	change := payment.Change{}
	if !confirmed {
		to, action = payment.StatusFailed, audit.ActionPaymentRejected
		change.FailureCode = "rejected_by_operator"
		change.FailureReason = req.Notes
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.Transition(ctx, tx, p.ID, payment.Confirmable, to, change); err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     action,
			EntityType: audit.EntityPayment,
			EntityID:   p.ID,
			Before:     audit.StatusChange{Status: string(p.Status)},
			After:      audit.StatusChange{Status: string(to)},
			Notes:      req.Notes,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment confirmation recorded",
		"payment_id", p.ID,
		"transaction_id", t.ID,
		"old_status", p.Status,
		"new_status", to,
		"actor_id", actor.UserID)
	if confirmed {
		s.publish(ctx, events.NewPaymentCompletedEvent(p.ID, t.ID, t.LocationID, p.PaymentMethod, p.TotalAmount.StringFixed(2), events.SourceManual))
	} else {
		s.publish(ctx, events.NewPaymentFailedEvent(p.ID, t.ID, t.LocationID, change.FailureCode, req.Notes, p.RetryCount, events.SourceManual))
	}
	return s.payments.Load(ctx, p.ID)
}

// BulkConfirm confirms each payment independently. One failure never stops
// the rest; each failure is audited against its payment.
func (s *Service) BulkConfirm(ctx context.Context, actor auth.Actor, req BulkConfirmRequest) (*BulkConfirmResult, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	confirmed := true
	result := &BulkConfirmResult{}
	for _, id := range req.PaymentIDs {
		_, err := s.ConfirmPayment(ctx, actor, id, ConfirmRequest{Confirmed: &confirmed, Notes: "bulk confirm"})
		if err == nil {
			result.Success++
			continue
		}
		result.Failed++
		s.logger.Warn("bulk confirm skipped payment", "payment_id", id, "error", err)
		s.audit.RecordBestEffort(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionBulkConfirm,
			EntityType: audit.EntityPayment,
			EntityID:   id,
			Notes:      fmt.Sprintf("bulk confirm failed: %s", failureLabel(err)),
		})
	}
	s.logger.Info("bulk confirm finished", "success", result.Success, "failed", result.Failed, "actor_id", actor.UserID)
	return result, nil
}

// ListPending returns open charges: everything for admins, the operator's
// own location otherwise.
func (s *Service) ListPending(ctx context.Context, actor auth.Actor) (*PendingResponse, error) {
	scope, err := actor.ScopeLocation()
	if err != nil {
		return nil, err
	}
	rows, err := s.payments.ListPending(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &PendingResponse{Payments: rows, Total: len(rows)}, nil
}

// RefundDeposit refunds up to the collected deposit. The refund is a new
// payment row carrying negated amounts; the charge itself only tracks how
// much of it has been handed back.
func (s *Service) RefundDeposit(ctx context.Context, actor auth.Actor, transactionID int64, req RefundRequest) (*RefundResult, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.transactions.Load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := actor.CanAccessLocation(t.LocationID); err != nil {
		return nil, err
	}
	if req.LocationID != nil && *req.LocationID != t.LocationID {
		return nil, internal.NewForbiddenError("transaction belongs to a different location", internal.ErrCodeLocationScope)
	}
	return s.refund(ctx, actor, t, req.RefundAmount)
}

func (s *Service) refund(ctx context.Context, actor auth.Actor, t *transaction.Transaction, requested *decimal.Decimal) (*RefundResult, error) {
	amount := t.DepositAmount
	if requested != nil {
		if err := transaction.ValidateRefund(*requested, t.DepositAmount); err != nil {
			return nil, err
		}
		amount = requested.Round(2)
	}

	charge, err := s.payments.CompletedCharge(ctx, nil, t.ID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, internal.NewNoChargeToRefundError(t.ID)
	}
	bookkeeping := charge.Provider == payment.ProviderCash

	if amount.IsZero() {
		s.audit.RecordBestEffort(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionRefundIssued,
			EntityType: audit.EntityTransaction,
			EntityID:   t.ID,
			After:      map[string]string{"amount": "0.00"},
			Notes:      "deposit kept in full",
		})
		return &RefundResult{Success: true, Amount: decimal.Zero, BookkeepingOnly: bookkeeping}, nil
	}

	provider, err := s.provider(charge.Provider)
	if err != nil {
		return nil, err
	}

	var refundRow *payment.Payment
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.ReserveRefund(ctx, tx, charge, amount); err != nil {
			return err
		}
		var err error
		refundRow, err = s.payments.CreateTx(ctx, tx, payment.NewRow{
			TransactionID: t.ID,
			Kind:          payment.KindRefund,
			Method:        charge.PaymentMethod,
			Provider:      charge.Provider,
			DepositAmount: amount.Neg(),
			Status:        payment.StatusPending,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := internal.WithProviderTimeout(ctx)
	res, err := provider.Refund(callCtx, payment.RefundRequest{
		PaymentID:  refundRow.ID,
		ExternalID: charge.ExternalIDOrEmpty(),
		Amount:     amount,
		Currency:   s.cfg.Currency,
		Reason:     "deposit returned",
	})
	cancel()

	status := payment.StatusFailed
	if err == nil {
		if mapped, ok := paymentsync.MapExternalStatus(provider.Name(), res.ExternalStatus); ok {
			status = mapped
		} else {
			status = payment.StatusConfirming
		}
		if status == payment.StatusPending {
			status = payment.StatusConfirming
		}
	}
	if status == payment.StatusFailed {
		if err == nil {
			err = fmt.Errorf("refund %s reported status %q", res.ExternalID, res.ExternalStatus)
		}
		s.logger.Error("provider refund failed",
			"provider", provider.Name(),
			"transaction_id", t.ID,
			"charge_payment_id", charge.ID,
			"refund_payment_id", refundRow.ID,
			"amount", amount.StringFixed(2),
			"error", err)
		s.failRefund(ctx, actor, t, charge, refundRow, amount)
		return nil, internal.NewProviderError(provider.Name(), err)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.Transition(ctx, tx, refundRow.ID, []payment.Status{payment.StatusPending}, status, payment.Change{
			ExternalID:   res.ExternalID,
			ProviderData: res.Raw,
		}); err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionRefundIssued,
			EntityType: audit.EntityTransaction,
			EntityID:   t.ID,
			After: map[string]interface{}{
				"refund_payment_id": refundRow.ID,
				"amount":            amount.StringFixed(2),
				"status":            status,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("deposit refunded",
		"transaction_id", t.ID,
		"refund_payment_id", refundRow.ID,
		"amount", amount.StringFixed(2),
		"status", status)
	if status == payment.StatusCompleted {
		s.publish(ctx, events.NewDepositRefundedEvent(t.ID, t.LocationID, refundRow.ID, amount.StringFixed(2), t.BorrowerName, t.EmailOrEmpty()))
	}
	refundRow, err = s.payments.Load(ctx, refundRow.ID)
	if err != nil {
		return nil, err
	}
	return &RefundResult{Success: true, Amount: amount, Refund: refundRow, BookkeepingOnly: bookkeeping}, nil
}

func (s *Service) failRefund(ctx context.Context, actor auth.Actor, t *transaction.Transaction, charge, refundRow *payment.Payment, amount decimal.Decimal) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.Transition(ctx, tx, refundRow.ID, payment.Open, payment.StatusFailed, payment.Change{
			FailureCode:   "provider_error",
			FailureReason: "provider rejected the refund",
		}); err != nil {
			return err
		}
		if err := s.payments.ReleaseRefund(ctx, tx, charge.ID, amount); err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionRefundFailed,
			EntityType: audit.EntityTransaction,
			EntityID:   t.ID,
			After:      map[string]interface{}{"refund_payment_id": refundRow.ID, "amount": amount.StringFixed(2)},
		})
	})
	if err != nil {
		s.logger.Error("failed to record refund failure", "transaction_id", t.ID, "refund_payment_id", refundRow.ID, "error", err)
	}
}

// ProcessReturn takes the item back exactly once, settles any card hold and
// refunds the deposit. The requested amount is the loan's total refund, so
// whatever RefundDeposit already handed back is only topped up. A refund that
// fails after the return is noted on the loan and can be re-driven through
// RefundDeposit.
func (s *Service) ProcessReturn(ctx context.Context, actor auth.Actor, transactionID int64, req transaction.ReturnRequest) (*ReturnResult, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		returned        *transaction.Transaction
		alreadyRefunded = decimal.Zero
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		t, err := s.transactions.LoadTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if err := actor.CanAccessLocation(t.LocationID); err != nil {
			return err
		}
		charge, err := s.payments.CompletedCharge(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if charge != nil {
			alreadyRefunded = charge.RefundedAmount
			total := t.DepositAmount
			if req.RefundAmount != nil {
				total = req.RefundAmount.Round(2)
			}
			if total.LessThan(alreadyRefunded) {
				return internal.NewValidationFieldError("refundAmount",
					fmt.Sprintf("refundAmount %s is below the %s already refunded", total.StringFixed(2), alreadyRefunded.StringFixed(2)),
					internal.ErrCodeInvalidAmount)
			}
		}
		returned, err = s.transactions.MarkReturnedTx(ctx, tx, t, req.RefundAmount)
		if err != nil {
			return err
		}
		if color := returned.ColorOrEmpty(); color != "" {
			if _, err := s.stock.AdjustTx(ctx, tx, returned.LocationID, color, 1); err != nil {
				return err
			}
		}
		return s.audit.WithTx(tx).Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionTransactionReturned,
			EntityType: audit.EntityTransaction,
			EntityID:   returned.ID,
			Before:     audit.StatusChange{Status: t.Status},
			After:      map[string]interface{}{"status": returned.Status, "refund_amount": returned.RefundAmount.StringFixed(2)},
		})
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.NewTransactionReturnedEvent(returned.ID, returned.LocationID, returned.ColorOrEmpty(), returned.RefundAmount.StringFixed(2)))

	result := &ReturnResult{Transaction: returned}
	if returned.PendingCardResolution() {
		if *returned.PayLaterStatus == transaction.PayLaterChargeAttempted {
			s.flag(ctx, returned, "item returned while a card charge was in flight")
		} else {
			released, err := s.releaseCard(ctx, actor, returned, "item returned")
			if err != nil {
				return nil, err
			}
			result.CardReleased = true
			result.Transaction = released
		}
	}

	amount := returned.RefundAmount.Sub(alreadyRefunded)
	if !amount.IsPositive() {
		if alreadyRefunded.IsPositive() {
			s.logger.Info("return needs no further refund", "transaction_id", returned.ID, "already_refunded", alreadyRefunded.StringFixed(2))
		}
		return result, nil
	}
	refund, err := s.refund(ctx, actor, returned, &amount)
	switch {
	case err == nil:
		result.Refund = refund
	case internal.HasCode(err, internal.ErrCodeNoChargeToRefund):
		s.logger.Info("returned loan had no collected deposit", "transaction_id", returned.ID)
	default:
		s.flag(ctx, returned, fmt.Sprintf("refund of %s failed after return (%s)", amount.StringFixed(2), failureLabel(err)))
		return nil, err
	}
	return result, nil
}

// ChargeCard charges the card kept on file for a pay-later loan. A card that
// needs the borrower to authenticate comes back with RequiresAction set.
func (s *Service) ChargeCard(ctx context.Context, actor auth.Actor, transactionID int64) (*ChargeResult, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	t, err := s.transactions.Load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := actor.CanAccessLocation(t.LocationID); err != nil {
		return nil, err
	}
	if t.PayLaterStatus == nil {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("transaction %d has no card on file", t.ID))
	}
	if !chargeable(*t.PayLaterStatus) {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("transaction %d card status %s does not allow a charge", t.ID, *t.PayLaterStatus))
	}
	if t.StripeCustomerID == nil || t.StripePaymentMethodID == nil {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("card setup for transaction %d is not complete", t.ID))
	}
	vault, err := s.providers.Vault(t.DepositPaymentMethod)
	if err != nil {
		return nil, internal.NewUnsupportedMethodError(t.DepositPaymentMethod)
	}

	fee := decimal.Zero
	hold, err := s.payments.Latest(ctx, nil, t.ID, payment.KindCardHold)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		fee = hold.ProcessingFee
	}

	var (
		charge     *payment.Payment
		superseded []string
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, transaction.ChargeableFrom, transaction.PayLaterChargeAttempted, nil); err != nil {
			return err
		}
		var err error
		superseded, err = s.failOpenCharges(ctx, tx, t.ID, "superseded", "replaced by a new charge attempt")
		if err != nil {
			return err
		}
		charge, err = s.payments.CreateTx(ctx, tx, payment.NewRow{
			TransactionID: t.ID,
			Kind:          payment.KindCharge,
			Method:        t.DepositPaymentMethod,
			Provider:      t.DepositPaymentMethod,
			DepositAmount: t.DepositAmount,
			ProcessingFee: fee,
			Status:        payment.StatusPending,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.voidCharges(ctx, actor, t, vault, superseded)

	callCtx, cancel := internal.WithProviderTimeout(ctx)
	res, err := vault.ChargeSavedCard(callCtx, payment.ChargeRequest{
		PaymentID:       charge.ID,
		TransactionID:   t.ID,
		CustomerID:      *t.StripeCustomerID,
		PaymentMethodID: *t.StripePaymentMethodID,
		Amount:          charge.TotalAmount,
		Currency:        s.cfg.Currency,
	})
	cancel()
	return s.settleCharge(ctx, actor, t, charge, res, err)
}

func chargeable(st transaction.PayLaterStatus) bool {
	for _, c := range transaction.ChargeableFrom {
		if c == st {
			return true
		}
	}
	return false
}

// settleCharge records the outcome of an off-session charge attempt.
func (s *Service) settleCharge(ctx context.Context, actor auth.Actor, t *transaction.Transaction, charge *payment.Payment, res *payment.ChargeResult, callErr error) (*ChargeResult, error) {
	attempted := []transaction.PayLaterStatus{transaction.PayLaterChargeAttempted}

	if callErr != nil {
		s.logger.Error("card charge failed at provider",
			"transaction_id", t.ID,
			"payment_id", charge.ID,
			"error", callErr)
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			if err := s.payments.Transition(ctx, tx, charge.ID, payment.Open, payment.StatusFailed, payment.Change{
				FailureCode:   "provider_error",
				FailureReason: "provider request failed",
			}); err != nil {
				return err
			}
			if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, attempted, transaction.PayLaterChargeFailed, nil); err != nil {
				return err
			}
			return s.recordCard(ctx, tx, actor, t, audit.ActionCardChargeFailed, transaction.PayLaterChargeFailed, "provider request failed")
		})
		if err != nil {
			s.logger.Error("failed to record card charge failure", "transaction_id", t.ID, "error", err)
		}
		return nil, internal.NewProviderError(charge.Provider, callErr)
	}

	status, ok := paymentsync.MapExternalStatus(charge.Provider, res.ExternalStatus)
	if !ok {
		status = payment.StatusConfirming
	}
	change := payment.Change{
		ExternalID:    res.ExternalID,
		ProviderData:  res.Raw,
		FailureCode:   res.FailureCode,
		FailureReason: res.FailureReason,
	}
	piFields := map[string]interface{}{}
	if res.ExternalID != "" {
		piFields["stripe_payment_intent_id"] = res.ExternalID
	}

	out := &ChargeResult{}
	var (
		effects      []events.Event
		reviewReason string
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		switch {
		case res.RequiresAction:
			out.RequiresAction = true
			out.Status = payment.StatusPending
			if err := s.payments.Annotate(ctx, tx, charge.ID, change); err != nil {
				return err
			}
			if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, attempted, transaction.PayLaterChargeRequiresAction, piFields); err != nil {
				return err
			}
			return s.recordCard(ctx, tx, actor, t, audit.ActionCardRequiresAction, transaction.PayLaterChargeRequiresAction, res.FailureCode)

		case status == payment.StatusCompleted:
			out.Success = true
			out.Status = payment.StatusCompleted
			if err := s.payments.Transition(ctx, tx, charge.ID, payment.Open, payment.StatusCompleted, change); err != nil {
				return err
			}
			if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, attempted, transaction.PayLaterCharged, piFields); err != nil {
				return err
			}
			effects = append(effects, events.NewPaymentCompletedEvent(charge.ID, t.ID, t.LocationID, charge.PaymentMethod, charge.TotalAmount.StringFixed(2), events.SourceManual))
			return s.recordCard(ctx, tx, actor, t, audit.ActionCardCharged, transaction.PayLaterCharged, "")

		case status == payment.StatusFailed:
			out.Status = payment.StatusFailed
			if paymentsync.ClassifyFailure(res.FailureCode) && !s.policy.Exhausted(charge.RetryCount) {
				attempt := charge.RetryCount + 1
				next := s.policy.NextAttempt(s.now(), attempt)
				change.RetryCount = &attempt
				change.NextRetryAt = &next
				out.Status = payment.StatusPendingRetry
			} else {
				reviewReason = fmt.Sprintf("card charge for payment %d declined (%s)", charge.ID, failureCodeOr(res.FailureCode))
			}
			if err := s.payments.Transition(ctx, tx, charge.ID, payment.Open, out.Status, change); err != nil {
				return err
			}
			if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, attempted, transaction.PayLaterChargeFailed, piFields); err != nil {
				return err
			}
			effects = append(effects, events.NewPaymentFailedEvent(charge.ID, t.ID, t.LocationID, res.FailureCode, res.FailureReason, charge.RetryCount, events.SourceManual))
			if reviewReason != "" {
				if err := s.transactions.AppendNoteTx(ctx, tx, t.ID, "Manual review: "+reviewReason); err != nil {
					return err
				}
				effects = append(effects, events.NewManualReviewEvent(t.ID, t.LocationID, charge.ID, reviewReason))
			}
			return s.recordCard(ctx, tx, actor, t, audit.ActionCardChargeFailed, transaction.PayLaterChargeFailed, res.FailureCode)

		default:
			// processing: the provider's webhook settles it
			out.Status = payment.StatusConfirming
			return s.payments.Transition(ctx, tx, charge.ID, []payment.Status{payment.StatusPending}, payment.StatusConfirming, change)
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("card charge attempted",
		"transaction_id", t.ID,
		"payment_id", charge.ID,
		"status", out.Status,
		"requires_action", out.RequiresAction)
	for _, ev := range effects {
		s.publish(ctx, ev)
	}
	out.Payment, err = s.payments.Load(ctx, charge.ID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recordCard(ctx context.Context, tx *gorm.DB, actor auth.Actor, t *transaction.Transaction, action string, to transaction.PayLaterStatus, notes string) error {
	before := ""
	if t.PayLaterStatus != nil {
		before = string(*t.PayLaterStatus)
	}
	return s.audit.WithTx(tx).Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: audit.EntityTransaction,
		EntityID:   t.ID,
		Before:     audit.StatusChange{Status: before},
		After:      audit.StatusChange{Status: string(to)},
		Notes:      notes,
	})
}

// RetryCharge re-attempts a failed pay-later charge for the retry sweep.
// Payments that are not saved-card charges are left to status polling.
func (s *Service) RetryCharge(ctx context.Context, p *payment.Payment) (*payment.ChargeResult, bool, error) {
	if p.Kind != payment.KindCharge {
		return nil, false, nil
	}
	t, err := s.transactions.Load(ctx, p.TransactionID)
	if err != nil {
		return nil, false, err
	}
	if t.PayLaterStatus == nil || t.StripeCustomerID == nil || t.StripePaymentMethodID == nil {
		return nil, false, nil
	}
	vault, err := s.providers.Vault(p.PaymentMethod)
	if err != nil {
		return nil, false, nil
	}

	err = s.transactions.TransitionPayLater(ctx, nil, t.ID,
		[]transaction.PayLaterStatus{transaction.PayLaterChargeFailed},
		transaction.PayLaterChargeAttempted, nil)
	if internal.HasCode(err, internal.ErrCodeInvalidState) {
		// the card was released or charged some other way
		return &payment.ChargeResult{
			ExternalStatus: "canceled",
			FailureCode:    "card_released",
			FailureReason:  fmt.Sprintf("card status is %s", *t.PayLaterStatus),
		}, true, nil
	}
	if err != nil {
		return nil, true, err
	}

	res, err := vault.ChargeSavedCard(ctx, payment.ChargeRequest{
		PaymentID:       p.ID,
		TransactionID:   t.ID,
		CustomerID:      *t.StripeCustomerID,
		PaymentMethodID: *t.StripePaymentMethodID,
		Amount:          p.TotalAmount,
		Currency:        s.cfg.Currency,
		Attempt:         p.RetryCount,
	})
	return res, true, err
}

// DeclineCard releases a pay-later hold without charging it.
func (s *Service) DeclineCard(ctx context.Context, actor auth.Actor, transactionID int64, req DeclineRequest) (*transaction.Transaction, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.transactions.Load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := actor.CanAccessLocation(t.LocationID); err != nil {
		return nil, err
	}
	if t.PayLaterStatus == nil {
		return nil, internal.NewInvalidStateError(fmt.Sprintf("transaction %d has no card on file", t.ID))
	}
	return s.releaseCard(ctx, actor, t, req.Reason)
}

func (s *Service) releaseCard(ctx context.Context, actor auth.Actor, t *transaction.Transaction, reason string) (*transaction.Transaction, error) {
	var voids []string
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.transactions.TransitionPayLater(ctx, tx, t.ID, declinableFrom, transaction.PayLaterDeclined, nil); err != nil {
			return err
		}
		hold, err := s.payments.Latest(ctx, tx, t.ID, payment.KindCardHold, payment.Open...)
		if err != nil {
			return err
		}
		if hold != nil {
			if err := s.payments.Transition(ctx, tx, hold.ID, payment.Open, payment.StatusFailed, payment.Change{
				FailureCode:   "card_released",
				FailureReason: reason,
			}); err != nil {
				return err
			}
		}
		voids, err = s.failOpenCharges(ctx, tx, t.ID, "card_released", reason)
		if err != nil {
			return err
		}
		if err := s.transactions.AppendNoteTx(ctx, tx, t.ID, "Card released: "+reason); err != nil {
			return err
		}
		return s.recordCard(ctx, tx, actor, t, audit.ActionCardDeclined, transaction.PayLaterDeclined, reason)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("card hold released", "transaction_id", t.ID, "reason", reason)
	if vault, verr := s.providers.Vault(t.DepositPaymentMethod); verr == nil {
		s.voidCharges(ctx, actor, t, vault, voids)
		release := payment.ReleaseRequest{}
		if t.StripeSetupIntentID != nil {
			release.SetupIntentID = *t.StripeSetupIntentID
		}
		if t.StripePaymentMethodID != nil {
			release.PaymentMethodID = *t.StripePaymentMethodID
		}
		callCtx, cancel := internal.WithProviderTimeout(ctx)
		rerr := vault.ReleaseCard(callCtx, release)
		cancel()
		if rerr != nil {
			s.logger.Error("failed to release card at provider", "transaction_id", t.ID, "error", rerr)
			s.audit.RecordBestEffort(ctx, audit.Entry{
				Actor:      actor,
				Action:     audit.ActionSideEffectFailed,
				EntityType: audit.EntityTransaction,
				EntityID:   t.ID,
				Notes:      "card release at provider failed",
			})
		}
	}
	return s.transactions.Load(ctx, t.ID)
}

// failOpenCharges fails every unsettled charge row of the loan so at most one
// charge can ever complete. It returns the provider ids still to be voided.
func (s *Service) failOpenCharges(ctx context.Context, tx *gorm.DB, transactionID int64, code, reason string) ([]string, error) {
	var voids []string
	for {
		open, err := s.payments.Latest(ctx, tx, transactionID, payment.KindCharge, payment.Open...)
		if err != nil {
			return nil, err
		}
		if open == nil {
			return voids, nil
		}
		if err := s.payments.Transition(ctx, tx, open.ID, payment.Open, payment.StatusFailed, payment.Change{
			FailureCode:   code,
			FailureReason: reason,
		}); err != nil {
			return nil, err
		}
		if id := open.ExternalIDOrEmpty(); id != "" {
			voids = append(voids, id)
		}
	}
}

func (s *Service) voidCharges(ctx context.Context, actor auth.Actor, t *transaction.Transaction, vault payment.CardVault, externalIDs []string) {
	for _, id := range externalIDs {
		callCtx, cancel := internal.WithProviderTimeout(ctx)
		err := vault.CancelCharge(callCtx, id)
		cancel()
		if err == nil {
			continue
		}
		s.logger.Error("failed to void superseded charge at provider", "transaction_id", t.ID, "external_id", id, "error", err)
		s.audit.RecordBestEffort(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionSideEffectFailed,
			EntityType: audit.EntityTransaction,
			EntityID:   t.ID,
			Notes:      fmt.Sprintf("void of charge %s at provider failed", id),
		})
	}
}

// flag leaves a note on the loan for an operator and raises the review
// event. It never fails the caller.
func (s *Service) flag(ctx context.Context, t *transaction.Transaction, reason string) {
	if err := s.transactions.AppendNote(ctx, t.ID, "Manual review: "+reason); err != nil {
		s.logger.Error("failed to flag transaction for review", "transaction_id", t.ID, "error", err)
	}
	s.audit.RecordBestEffort(ctx, audit.Entry{
		Actor:      auth.System,
		Action:     audit.ActionManualReview,
		EntityType: audit.EntityTransaction,
		EntityID:   t.ID,
		Notes:      reason,
	})
	s.publish(ctx, events.NewManualReviewEvent(t.ID, t.LocationID, 0, reason))
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish event", "event_type", ev.EventType(), "error", err)
	}
}

func failureLabel(err error) string {
	if code := internal.ErrorCodeOf(err); code != "" {
		return string(code)
	}
	return "internal error"
}

func failureCodeOr(code string) string {
	if code == "" {
		return "unknown"
	}
	return code
}
