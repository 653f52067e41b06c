package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
)

type RepositoryAPI interface {
	Totals(ctx context.Context, locationID *int64) (*Totals, error)
	PaymentsByStatus(ctx context.Context, locationID *int64) ([]StatusCount, error)
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// DepositSummary aggregates deposits for locationID, or for every location
// when it is nil. Operators are pinned to their own location whatever they ask
// for; only admins see the cross-location view.
func (s *Service) DepositSummary(ctx context.Context, actor auth.Actor, locationID *int64) (*DepositSummary, error) {
	scope, err := actor.ScopeLocation()
	if err != nil {
		return nil, err
	}
	if scope != nil {
		if locationID != nil && *locationID != *scope {
			return nil, internal.NewForbiddenError("operator may only act on their own location", internal.ErrCodeLocationScope)
		}
		locationID = scope
	}

	totals, err := s.repo.Totals(ctx, locationID)
	if err != nil {
		s.logger.Error("deposit summary totals failed", "location_id", locationID, "error", err)
		return nil, internal.NewInternalError("failed to build deposit summary", err)
	}
	counts, err := s.repo.PaymentsByStatus(ctx, locationID)
	if err != nil {
		s.logger.Error("deposit summary status counts failed", "location_id", locationID, "error", err)
		return nil, internal.NewInternalError("failed to build deposit summary", err)
	}

	byStatus := make(map[string]int64, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}

	return &DepositSummary{
		LocationID:       locationID,
		ActiveLoans:      totals.ActiveLoans,
		Collected:        totals.Collected,
		Refunded:         totals.Refunded,
		NetHeld:          totals.Collected.Sub(totals.Refunded),
		PaymentsByStatus: byStatus,
		PendingPayLater:  totals.PendingPayLater,
		GeneratedAt:      s.now().UTC(),
	}, nil
}
