package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RepositoryAPI interface {
	WithTx(tx *gorm.DB) RepositoryAPI
	Create(ctx context.Context, row *transactionDatamodel.Transaction) error
	GetByID(ctx context.Context, id int64) (*transactionDatamodel.Transaction, error)
	List(ctx context.Context, f Filter) ([]*transactionDatamodel.Transaction, int64, error)
	// MarkReturned flips is_returned only if it is still false.
	MarkReturned(ctx context.Context, id int64, returnedAt time.Time, refund decimal.Decimal) (bool, error)
	AppendNote(ctx context.Context, id int64, entry string) error
	// CompareAndSetPayLater moves pay_later_status to `to` only from one of `from`.
	CompareAndSetPayLater(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error)
	Update(ctx context.Context, id int64, fields map[string]interface{}) error
}

type LocationReader interface {
	RequireActive(ctx context.Context, id int64) (*location.Location, error)
}

type StockAdjuster interface {
	AdjustTx(ctx context.Context, tx *gorm.DB, locationID int64, color string, delta int) (int, error)
}

type Service struct {
	repo      RepositoryAPI
	tx        db.TxRunner
	locations LocationReader
	stock     StockAdjuster
	audit     *audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo RepositoryAPI, tx db.TxRunner, locations LocationReader, stock StockAdjuster, recorder *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		locations: locations,
		stock:     stock,
		audit:     recorder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create records a loan without touching inventory.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	loc, err := s.locations.RequireActive(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	var created *Transaction
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = s.CreateTx(ctx, tx, actor, loc, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Lend records a loan and takes one item of the chosen color off the shelf in
// the same unit of work. If stock is short nothing is written.
func (s *Service) Lend(ctx context.Context, actor auth.Actor, req LendRequest) (*Transaction, error) {
	if err := actor.CanAccessLocation(req.LocationID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	loc, err := s.locations.RequireActive(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	var created *Transaction
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = s.LendTx(ctx, tx, actor, loc, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// LendTx is Lend inside a caller's unit of work. req must already be
// validated and loc resolved as active.
func (s *Service) LendTx(ctx context.Context, tx *gorm.DB, actor auth.Actor, loc *location.Location, req LendRequest) (*Transaction, error) {
	created, err := s.CreateTx(ctx, tx, actor, loc, req.CreateRequest)
	if err != nil {
		return nil, err
	}
	if _, err := s.stock.AdjustTx(ctx, tx, created.LocationID, created.ColorOrEmpty(), -1); err != nil {
		return nil, err
	}
	return created, nil
}

// CreateTx inserts the loan inside tx.
func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, actor auth.Actor, loc *location.Location, req CreateRequest) (*Transaction, error) {
	amount := loc.DefaultDepositAmount
	if req.DepositAmount != nil {
		amount = *req.DepositAmount
	}
	row := &transactionDatamodel.Transaction{
		LocationID:           loc.ID,
		BorrowerName:         req.BorrowerName,
		BorrowerPhone:        trimmed(req.BorrowerPhone),
		BorrowerEmail:        trimmed(req.BorrowerEmail),
		Color:                lowered(req.Color),
		DepositAmount:        amount.Round(2),
		DepositPaymentMethod: req.PaymentMethod,
		BorrowDate:           s.now(),
		ExpectedReturnDate:   req.ExpectedReturnDate,
		Notes:                strings.TrimSpace(req.Notes),
	}
	if req.PayLater {
		status := string(PayLaterRequestCreated)
		row.PayLaterStatus = &status
	}

	if err := s.repo.WithTx(tx).Create(ctx, row); err != nil {
		s.logger.Error("failed to create transaction", "location_id", loc.ID, "error", err)
		return nil, internal.NewInternalError("failed to create transaction", err)
	}
	created := FromDataModel(row)
	if err := s.audit.WithTx(tx).Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionTransactionCreated,
		EntityType: audit.EntityTransaction,
		EntityID:   row.ID,
		After:      created,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("transaction created",
		"transaction_id", row.ID,
		"location_id", row.LocationID,
		"payment_method", row.DepositPaymentMethod,
		"deposit_amount", row.DepositAmount.StringFixed(2))
	return created, nil
}

// Load fetches a transaction without any role check.
func (s *Service) Load(ctx context.Context, id int64) (*Transaction, error) {
	return s.LoadTx(ctx, nil, id)
}

// LoadTx reads through tx when it is non-nil.
func (s *Service) LoadTx(ctx context.Context, tx *gorm.DB, id int64) (*Transaction, error) {
	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	row, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, internal.NewInternalError("failed to load transaction", err)
	}
	if row == nil {
		return nil, internal.NewNotFoundError(fmt.Sprintf("transaction %d not found", id), internal.ErrCodeTransactionNotFound)
	}
	return FromDataModel(row), nil
}

// Get returns a transaction the actor is allowed to see.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id int64) (*Transaction, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	t, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := actor.CanAccessLocation(t.LocationID); err != nil {
		return nil, err
	}
	return t, nil
}

// List is scoped to the operator's own location; admins may filter freely.
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter) (*ListResponse, error) {
	scope, err := actor.ScopeLocation()
	if err != nil {
		return nil, err
	}
	if scope != nil {
		f.LocationID = scope
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, total, err := s.repo.List(ctx, f)
	if err != nil {
		s.logger.Error("failed to list transactions", "error", err)
		return nil, internal.NewInternalError("failed to list transactions", err)
	}
	out := make([]*Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromDataModel(row))
	}
	return &ListResponse{Transactions: out, Total: total}, nil
}

// MarkReturned closes the loan exactly once. A second call fails with
// AlreadyReturned and changes nothing.
func (s *Service) MarkReturned(ctx context.Context, actor auth.Actor, id int64, refundAmount *decimal.Decimal) (*Transaction, error) {
	if err := actor.RequireStaff(); err != nil {
		return nil, err
	}
	var returned *Transaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		t, err := s.LoadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := actor.CanAccessLocation(t.LocationID); err != nil {
			return err
		}
		returned, err = s.MarkReturnedTx(ctx, tx, t, refundAmount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return returned, nil
}

// MarkReturnedTx performs the exactly-once return of t inside tx.
func (s *Service) MarkReturnedTx(ctx context.Context, tx *gorm.DB, t *Transaction, refundAmount *decimal.Decimal) (*Transaction, error) {
	if t.IsReturned {
		return nil, internal.NewAlreadyReturnedError(t.ID)
	}
	refund := t.DepositAmount
	if refundAmount != nil {
		if err := ValidateRefund(*refundAmount, t.DepositAmount); err != nil {
			return nil, err
		}
		refund = refundAmount.Round(2)
	}

	returnedAt := s.now()
	ok, err := s.repo.WithTx(tx).MarkReturned(ctx, t.ID, returnedAt, refund)
	if err != nil {
		s.logger.Error("failed to mark transaction returned", "transaction_id", t.ID, "error", err)
		return nil, internal.NewInternalError("failed to mark transaction returned", err)
	}
	if !ok {
		return nil, internal.NewAlreadyReturnedError(t.ID)
	}

	out := *t
	out.IsReturned = true
	out.Status = StatusReturned
	out.ActualReturnDate = &returnedAt
	out.RefundAmount = &refund
	s.logger.Info("transaction returned", "transaction_id", t.ID, "location_id", t.LocationID, "refund_amount", refund.StringFixed(2))
	return &out, nil
}

// ValidateRefund checks 0 <= amount <= deposit.
func ValidateRefund(amount, deposit decimal.Decimal) error {
	if amount.IsNegative() {
		return internal.NewValidationFieldError("refundAmount", "refundAmount must not be negative", internal.ErrCodeInvalidAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return internal.NewValidationFieldError("refundAmount", "refundAmount must have at most two decimal places", internal.ErrCodeInvalidAmount)
	}
	if amount.GreaterThan(deposit) {
		return internal.NewRefundExceedsDepositError(amount.StringFixed(2), deposit.StringFixed(2))
	}
	return nil
}

// AppendNote adds a timestamped line to the transaction's notes.
func (s *Service) AppendNote(ctx context.Context, id int64, note string) error {
	return s.AppendNoteTx(ctx, nil, id, note)
}

func (s *Service) AppendNoteTx(ctx context.Context, tx *gorm.DB, id int64, note string) error {
	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	entry := fmt.Sprintf("[%s] %s", s.now().Format(time.RFC3339), strings.TrimSpace(note))
	if err := repo.AppendNote(ctx, id, entry); err != nil {
		s.logger.Error("failed to append transaction note", "transaction_id", id, "error", err)
		return internal.NewInternalError("failed to annotate transaction", err)
	}
	return nil
}

// TransitionPayLater is a compare-and-set on the pay-later sub-state. It
// fails with InvalidState when the current sub-state is not in allowedFrom.
func (s *Service) TransitionPayLater(ctx context.Context, tx *gorm.DB, id int64, allowedFrom []PayLaterStatus, to PayLaterStatus, fields map[string]interface{}) error {
	from := make([]string, 0, len(allowedFrom))
	for _, f := range allowedFrom {
		if !CanTransition(f, to) {
			return fmt.Errorf("pay-later transition %s -> %s is not allowed", f, to)
		}
		from = append(from, string(f))
	}

	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	ok, err := repo.CompareAndSetPayLater(ctx, id, from, string(to), fields)
	if err != nil {
		s.logger.Error("failed to update pay-later status", "transaction_id", id, "to", to, "error", err)
		return internal.NewInternalError("failed to update pay-later status", err)
	}
	if !ok {
		return internal.NewInvalidStateError(fmt.Sprintf("transaction %d is not in a state that allows %s", id, to))
	}
	s.logger.Info("pay-later status changed", "transaction_id", id, "new_status", to)
	return nil
}

// SetProviderRefs stores provider customer/intent identifiers.
func (s *Service) SetProviderRefs(ctx context.Context, tx *gorm.DB, id int64, refs ProviderRefs) error {
	fields := refs.fields()
	if len(fields) == 0 {
		return nil
	}
	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	if err := repo.Update(ctx, id, fields); err != nil {
		return internal.NewInternalError("failed to store provider references", err)
	}
	return nil
}

type ProviderRefs struct {
	StripeCustomerID      string
	StripeSetupIntentID   string
	StripePaymentMethodID string
	StripePaymentIntentID string
}

func (r ProviderRefs) fields() map[string]interface{} {
	fields := map[string]interface{}{}
	if r.StripeCustomerID != "" {
		fields["stripe_customer_id"] = r.StripeCustomerID
	}
	if r.StripeSetupIntentID != "" {
		fields["stripe_setup_intent_id"] = r.StripeSetupIntentID
	}
	if r.StripePaymentMethodID != "" {
		fields["stripe_payment_method_id"] = r.StripePaymentMethodID
	}
	if r.StripePaymentIntentID != "" {
		fields["stripe_payment_intent_id"] = r.StripePaymentIntentID
	}
	return fields
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func lowered(s *string) *string {
	v := trimmed(s)
	if v == nil {
		return nil
	}
	l := strings.ToLower(*v)
	return &l
}
