package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mooses23/gemachhub/internal"
	paymentDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/payment"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RepositoryAPI interface {
	WithTx(tx *gorm.DB) RepositoryAPI
	Create(ctx context.Context, row *paymentDatamodel.Payment) error
	GetByID(ctx context.Context, id int64) (*paymentDatamodel.Payment, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*paymentDatamodel.Payment, error)
	ListByTransaction(ctx context.Context, transactionID int64) ([]*paymentDatamodel.Payment, error)
	// FindLatest returns the newest row of kind for the transaction, optionally
	// restricted to statuses.
	FindLatest(ctx context.Context, transactionID int64, kind string, statuses []string) (*paymentDatamodel.Payment, error)
	// CompareAndSetStatus moves status to `to` only from one of `from`.
	CompareAndSetStatus(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error)
	// ReserveRefund advances refunded_amount only while it stays within the
	// charge's deposit amount.
	ReserveRefund(ctx context.Context, id int64, amount decimal.Decimal) (bool, error)
	ReleaseRefund(ctx context.Context, id int64, amount decimal.Decimal) error
	ListPending(ctx context.Context, locationID *int64, statuses []string) ([]*PendingPayment, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*paymentDatamodel.Payment, error)
	Update(ctx context.Context, id int64, fields map[string]interface{}) error
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) repoFor(tx *gorm.DB) RepositoryAPI {
	if tx != nil {
		return s.repo.WithTx(tx)
	}
	return s.repo
}

// NewRow describes a payment row about to be recorded.
type NewRow struct {
	TransactionID int64
	Kind          Kind
	Method        string
	Provider      string
	ExternalID    string
	DepositAmount decimal.Decimal
	ProcessingFee decimal.Decimal
	Status        Status
	ProviderData  json.RawMessage
}

func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, in NewRow) (*Payment, error) {
	row := &paymentDatamodel.Payment{
		TransactionID: in.TransactionID,
		Kind:          string(in.Kind),
		PaymentMethod: in.Method,
		Provider:      in.Provider,
		DepositAmount: in.DepositAmount.Round(2),
		ProcessingFee: in.ProcessingFee.Round(2),
		TotalAmount:   in.DepositAmount.Add(in.ProcessingFee).Round(2),
		Status:        string(in.Status),
	}
	if in.ExternalID != "" {
		ext := in.ExternalID
		row.ExternalPaymentID = &ext
	}
	if len(in.ProviderData) > 0 {
		row.ProviderData = datatypes.JSON(in.ProviderData)
	}
	if in.Status == StatusCompleted {
		now := s.now()
		row.CompletedAt = &now
	}
	if err := s.repoFor(tx).Create(ctx, row); err != nil {
		s.logger.Error("failed to create payment", "transaction_id", in.TransactionID, "kind", in.Kind, "error", err)
		return nil, internal.NewInternalError("failed to record payment", err)
	}
	s.logger.Info("payment recorded",
		"payment_id", row.ID,
		"transaction_id", row.TransactionID,
		"kind", row.Kind,
		"status", row.Status,
		"total_amount", row.TotalAmount.StringFixed(2))
	return FromDataModel(row), nil
}

func (s *Service) Load(ctx context.Context, id int64) (*Payment, error) {
	return s.LoadTx(ctx, nil, id)
}

func (s *Service) LoadTx(ctx context.Context, tx *gorm.DB, id int64) (*Payment, error) {
	row, err := s.repoFor(tx).GetByID(ctx, id)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	if row == nil {
		return nil, internal.NewNotFoundError(fmt.Sprintf("payment %d not found", id), internal.ErrCodePaymentNotFound)
	}
	return FromDataModel(row), nil
}

// FindByExternalID returns nil when no row carries the provider's id.
func (s *Service) FindByExternalID(ctx context.Context, tx *gorm.DB, provider, externalID string) (*Payment, error) {
	row, err := s.repoFor(tx).GetByExternalID(ctx, provider, externalID)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	if row == nil {
		return nil, nil
	}
	return FromDataModel(row), nil
}

func (s *Service) ListByTransaction(ctx context.Context, transactionID int64) ([]*Payment, error) {
	rows, err := s.repo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, internal.NewInternalError("failed to list payments", err)
	}
	out := make([]*Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromDataModel(row))
	}
	return out, nil
}

// CompletedCharge returns the collected deposit for a loan, or nil.
func (s *Service) CompletedCharge(ctx context.Context, tx *gorm.DB, transactionID int64) (*Payment, error) {
	return s.Latest(ctx, tx, transactionID, KindCharge, StatusCompleted)
}

// Latest returns the newest row of kind in one of statuses (any status when
// none are given), or nil.
func (s *Service) Latest(ctx context.Context, tx *gorm.DB, transactionID int64, kind Kind, statuses ...Status) (*Payment, error) {
	row, err := s.repoFor(tx).FindLatest(ctx, transactionID, string(kind), toStrings(statuses))
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	if row == nil {
		return nil, nil
	}
	return FromDataModel(row), nil
}

// Change carries the optional columns written alongside a status change.
type Change struct {
	ExternalID    string
	ProviderData  json.RawMessage
	FailureCode   string
	FailureReason string
	RetryCount    *int
	NextRetryAt   *time.Time
}

func (c Change) fields() map[string]interface{} {
	fields := map[string]interface{}{}
	if c.ExternalID != "" {
		fields["external_payment_id"] = c.ExternalID
	}
	if len(c.ProviderData) > 0 {
		fields["provider_data"] = datatypes.JSON(c.ProviderData)
	}
	if c.FailureCode != "" {
		fields["failure_code"] = c.FailureCode
	}
	if c.FailureReason != "" {
		fields["failure_reason"] = c.FailureReason
	}
	if c.RetryCount != nil {
		fields["retry_count"] = *c.RetryCount
	}
	if c.NextRetryAt != nil {
		fields["next_retry_at"] = *c.NextRetryAt
	}
	return fields
}

// Transition is a compare-and-set on the payment status. It fails with
// InvalidState when the row is no longer in one of allowedFrom, which is
// how a terminal status guards itself against late or repeated updates.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, id int64, allowedFrom []Status, to Status, change Change) error {
	fields := change.fields()
	switch to {
	case StatusCompleted:
		fields["completed_at"] = s.now()
		fields["next_retry_at"] = nil
	case StatusFailed, StatusRefunded:
		fields["next_retry_at"] = nil
	}
	ok, err := s.repoFor(tx).CompareAndSetStatus(ctx, id, toStrings(allowedFrom), string(to), fields)
	if err != nil {
		s.logger.Error("failed to update payment status", "payment_id", id, "new_status", to, "error", err)
		return internal.NewInternalError("failed to update payment status", err)
	}
	if !ok {
		return internal.NewInvalidStateError(fmt.Sprintf("payment %d cannot move to %s from its current status", id, to))
	}
	s.logger.Info("payment status changed", "payment_id", id, "new_status", to)
	return nil
}

// Annotate writes provider references without touching the status.
func (s *Service) Annotate(ctx context.Context, tx *gorm.DB, id int64, change Change) error {
	fields := change.fields()
	if len(fields) == 0 {
		return nil
	}
	if err := s.repoFor(tx).Update(ctx, id, fields); err != nil {
		return internal.NewInternalError("failed to update payment", err)
	}
	return nil
}

// ReserveRefund claims amount against the charge's refundable balance. Two
// refunds racing for the same balance cannot both win.
func (s *Service) ReserveRefund(ctx context.Context, tx *gorm.DB, charge *Payment, amount decimal.Decimal) error {
	ok, err := s.repoFor(tx).ReserveRefund(ctx, charge.ID, amount)
	if err != nil {
		return internal.NewInternalError("failed to reserve refund", err)
	}
	if !ok {
		current, err := s.LoadTx(ctx, tx, charge.ID)
		if err != nil {
			return err
		}
		return internal.NewRefundExceedsDepositError(amount.StringFixed(2), current.Refundable().StringFixed(2))
	}
	return nil
}

func (s *Service) ReleaseRefund(ctx context.Context, tx *gorm.DB, chargeID int64, amount decimal.Decimal) error {
	if err := s.repoFor(tx).ReleaseRefund(ctx, chargeID, amount); err != nil {
		s.logger.Error("failed to release refund reservation", "payment_id", chargeID, "amount", amount.StringFixed(2), "error", err)
		return internal.NewInternalError("failed to release refund reservation", err)
	}
	return nil
}

// ListPending returns open payments, scoped to one location when locationID
// is set.
func (s *Service) ListPending(ctx context.Context, locationID *int64) ([]*PendingPayment, error) {
	rows, err := s.repo.ListPending(ctx, locationID, toStrings(Open))
	if err != nil {
		s.logger.Error("failed to list pending payments", "error", err)
		return nil, internal.NewInternalError("failed to list pending payments", err)
	}
	return rows, nil
}

// DueRetries returns pending_retry rows whose next attempt time has passed.
func (s *Service) DueRetries(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := s.repo.ListDueRetries(ctx, s.now(), limit)
	if err != nil {
		return nil, internal.NewInternalError("failed to list due retries", err)
	}
	out := make([]*Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromDataModel(row))
	}
	return out, nil
}

func toStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
