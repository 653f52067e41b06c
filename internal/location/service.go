package location

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
	locationDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/location"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/shopspring/decimal"
)

type RepositoryAPI interface {
	GetAll(ctx context.Context, includeInactive bool) ([]*locationDatamodel.Location, error)
	GetByID(ctx context.Context, id int64) (*locationDatamodel.Location, error)
	GetByCode(ctx context.Context, code string) (*locationDatamodel.Location, error)
	Create(ctx context.Context, loc *locationDatamodel.Location) error
	Update(ctx context.Context, id int64, fields map[string]interface{}) error
	ListPaymentMethods(ctx context.Context) ([]*locationDatamodel.PaymentMethod, error)
	ListAccepted(ctx context.Context, locationID int64) ([]AcceptedRow, error)
	ReplaceAccepted(ctx context.Context, locationID int64, links []*locationDatamodel.LocationPaymentMethod) error
}

// AcceptedRow is a join of location_payment_methods and payment_methods.
type AcceptedRow struct {
	Link   locationDatamodel.LocationPaymentMethod
	Method locationDatamodel.PaymentMethod
}

// SecretHasher hashes operator PINs.
type SecretHasher interface {
	HashSecret(secret string) (string, error)
}

type Service struct {
	repo   RepositoryAPI
	hasher SecretHasher
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, hasher SecretHasher, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		hasher: hasher,
		logger: logger,
	}
}

func (s *Service) List(ctx context.Context, includeInactive bool) ([]*Location, error) {
	rows, err := s.repo.GetAll(ctx, includeInactive)
	if err != nil {
		s.logger.Error("failed to list locations", "error", err)
		return nil, internal.NewInternalError("failed to list locations", err)
	}
	out := make([]*Location, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromDataModel(row))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Location, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, internal.NewInternalError("failed to load location", err)
	}
	if row == nil {
		return nil, internal.NewNotFoundError(fmt.Sprintf("location %d not found", id), internal.ErrCodeLocationNotFound)
	}
	return FromDataModel(row), nil
}

// RequireActive loads a location that can take new loans.
func (s *Service) RequireActive(ctx context.Context, id int64) (*Location, error) {
	loc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !loc.IsActive {
		return nil, internal.NewLocationInactiveError(id)
	}
	return loc, nil
}

func (s *Service) Detail(ctx context.Context, id int64) (*LocationDetailResponse, error) {
	loc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	methods, err := s.AcceptedMethods(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LocationDetailResponse{Location: loc, PaymentMethods: methods}, nil
}

func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateLocationRequest) (*Location, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	existing, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, internal.NewInternalError("failed to check location code", err)
	}
	if existing != nil {
		return nil, internal.NewConflictError(fmt.Sprintf("location code %s already exists", code), internal.ErrCodeDuplicateLocation)
	}

	row := &locationDatamodel.Location{
		Code:                 code,
		Name:                 strings.TrimSpace(req.Name),
		Address:              req.Address,
		ContactEmail:         req.ContactEmail,
		ContactPhone:         req.ContactPhone,
		IsActive:             true,
		DefaultDepositAmount: decimal.NewFromInt(20),
		ProcessingFeeBps:     req.ProcessingFeeBps,
	}
	if req.DefaultDepositAmount != nil {
		row.DefaultDepositAmount = *req.DefaultDepositAmount
	}
	if req.OperatorPin != "" {
		hash, err := s.hasher.HashSecret(req.OperatorPin)
		if err != nil {
			return nil, err
		}
		row.OperatorPinHash = hash
	}

	if err := s.repo.Create(ctx, row); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, internal.NewConflictError(fmt.Sprintf("location code %s already exists", code), internal.ErrCodeDuplicateLocation).WithCause(err)
		}
		s.logger.Error("failed to create location", "code", code, "error", err)
		return nil, internal.NewInternalError("failed to create location", err)
	}

	s.logger.Info("location created", "location_id", row.ID, "code", code, "actor_id", actor.UserID)
	return FromDataModel(row), nil
}

// Update changes location attributes. Locations are deactivated, never deleted.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id int64, req UpdateLocationRequest) (*Location, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if req.Name != nil {
		fields["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Address != nil {
		fields["address"] = *req.Address
	}
	if req.ContactEmail != nil {
		fields["contact_email"] = *req.ContactEmail
	}
	if req.ContactPhone != nil {
		fields["contact_phone"] = *req.ContactPhone
	}
	if req.IsActive != nil {
		fields["is_active"] = *req.IsActive
	}
	if req.DefaultDepositAmount != nil {
		fields["default_deposit_amount"] = *req.DefaultDepositAmount
	}
	if req.ProcessingFeeBps != nil {
		fields["processing_fee_bps"] = *req.ProcessingFeeBps
	}
	if req.OperatorPin != nil {
		hash, err := s.hasher.HashSecret(*req.OperatorPin)
		if err != nil {
			return nil, err
		}
		fields["operator_pin_hash"] = hash
	}

	if len(fields) > 0 {
		if err := s.repo.Update(ctx, id, fields); err != nil {
			s.logger.Error("failed to update location", "location_id", id, "error", err)
			return nil, internal.NewInternalError("failed to update location", err)
		}
		s.logger.Info("location updated", "location_id", id, "fields", len(fields), "actor_id", actor.UserID)
	}
	return s.Get(ctx, id)
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	rows, err := s.repo.ListPaymentMethods(ctx)
	if err != nil {
		return nil, internal.NewInternalError("failed to list payment methods", err)
	}
	out := make([]PaymentMethod, 0, len(rows))
	for _, row := range rows {
		out = append(out, MethodFromDataModel(row))
	}
	return out, nil
}

// AcceptedMethods returns the location's payment methods in display order.
func (s *Service) AcceptedMethods(ctx context.Context, locationID int64) ([]AcceptedMethod, error) {
	rows, err := s.repo.ListAccepted(ctx, locationID)
	if err != nil {
		return nil, internal.NewInternalError("failed to list accepted payment methods", err)
	}
	out := make([]AcceptedMethod, 0, len(rows))
	for i := range rows {
		out = append(out, AcceptedMethod{
			PaymentMethod:  MethodFromDataModel(&rows[i].Method),
			SortOrder:      rows[i].Link.SortOrder,
			IsEnabled:      rows[i].Link.IsEnabled,
			FeeOverrideBps: rows[i].Link.FeeOverrideBps,
		})
	}
	return out, nil
}

// SetPaymentMethods replaces the location's ordered method list.
func (s *Service) SetPaymentMethods(ctx context.Context, actor auth.Actor, locationID int64, req SetPaymentMethodsRequest) ([]AcceptedMethod, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, locationID); err != nil {
		return nil, err
	}

	methods, err := s.repo.ListPaymentMethods(ctx)
	if err != nil {
		return nil, internal.NewInternalError("failed to list payment methods", err)
	}
	byName := make(map[string]*locationDatamodel.PaymentMethod, len(methods))
	for _, m := range methods {
		byName[m.Name] = m
	}

	links := make([]*locationDatamodel.LocationPaymentMethod, 0, len(req.Methods))
	for i, in := range req.Methods {
		method, ok := byName[in.Method]
		if !ok {
			return nil, internal.NewValidationFieldError("methods", fmt.Sprintf("payment method %s is not configured", in.Method), internal.ErrCodeInvalidMethod)
		}
		links = append(links, &locationDatamodel.LocationPaymentMethod{
			LocationID:      locationID,
			PaymentMethodID: method.ID,
			SortOrder:       i,
			IsEnabled:       true,
			FeeOverrideBps:  in.FeeOverrideBps,
		})
	}

	if err := s.repo.ReplaceAccepted(ctx, locationID, links); err != nil {
		s.logger.Error("failed to replace payment methods", "location_id", locationID, "error", err)
		return nil, internal.NewInternalError("failed to update payment methods", err)
	}
	s.logger.Info("location payment methods updated", "location_id", locationID, "count", len(links), "actor_id", actor.UserID)
	return s.AcceptedMethods(ctx, locationID)
}

// ResolveMethod checks that the location is active and accepts method, and
// returns the fee terms for it.
func (s *Service) ResolveMethod(ctx context.Context, locationID int64, method string) (*MethodTerms, error) {
	loc, err := s.RequireActive(ctx, locationID)
	if err != nil {
		return nil, err
	}
	accepted, err := s.AcceptedMethods(ctx, locationID)
	if err != nil {
		return nil, err
	}
	for _, m := range accepted {
		if m.Name != method {
			continue
		}
		if !m.IsEnabled || !m.IsActive {
			break
		}
		return &MethodTerms{
			LocationID:     locationID,
			Method:         method,
			LocationFeeBps: loc.ProcessingFeeBps,
			MethodFeeBps:   m.ProcessingFeeBps,
			FeeOverrideBps: m.FeeOverrideBps,
			FixedFee:       m.FixedFee,
		}, nil
	}
	return nil, internal.NewUnsupportedMethodError(method)
}
