package paymentsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/payment"
)

const SweepJobName = "payment_retry_sweep"

// Retrier re-attempts a saved-card charge. handled is false for payments it
// does not own, which are polled instead.
type Retrier interface {
	RetryCharge(ctx context.Context, p *payment.Payment) (res *payment.ChargeResult, handled bool, err error)
}

type ProviderLookup interface {
	Get(method string) (payment.Provider, error)
}

type SweepReport struct {
	Picked  int
	Applied int
	Failed  int
}

// RetrySweep re-drives pending_retry payments whose backoff has elapsed.
// It keeps no state of its own; the rows are the queue.
type RetrySweep struct {
	payments   *payment.Service
	providers  ProviderLookup
	retrier    Retrier
	reconciler *Reconciler
	batchSize  int
	logger     *slog.Logger
}

func NewRetrySweep(payments *payment.Service, providers ProviderLookup, retrier Retrier, reconciler *Reconciler, batchSize int, logger *slog.Logger) *RetrySweep {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RetrySweep{
		payments:   payments,
		providers:  providers,
		retrier:    retrier,
		reconciler: reconciler,
		batchSize:  batchSize,
		logger:     logger,
	}
}

func (s *RetrySweep) Name() string {
	return SweepJobName
}

func (s *RetrySweep) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	due, err := s.payments.DueRetries(ctx, s.batchSize)
	if err != nil {
		return report, err
	}
	report.Picked = len(due)

	for _, p := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		u := s.redrive(ctx, p)
		u.Provider = p.Provider
		u.PaymentID = p.ID
		u.EventID = fmt.Sprintf("sweep:%d:%d", p.ID, p.RetryCount)
		u.EventType = "retry_sweep"
		u.Source = events.SourceSweep

		res, err := s.reconciler.Apply(ctx, u)
		if err != nil {
			report.Failed++
			s.logger.Error("retry sweep failed to apply update", "payment_id", p.ID, "error", err)
			continue
		}
		if res.Outcome != OutcomeDuplicate && res.Outcome != OutcomeIgnored {
			report.Applied++
		}
	}

	s.logger.Info("retry sweep finished", "picked", report.Picked, "applied", report.Applied, "failed", report.Failed)
	return report, nil
}

func (s *RetrySweep) redrive(ctx context.Context, p *payment.Payment) Update {
	callCtx, cancel := internal.WithProviderTimeout(ctx)
	defer cancel()

	if s.retrier != nil && p.Kind == payment.KindCharge {
		res, handled, err := s.retrier.RetryCharge(callCtx, p)
		if handled {
			if err != nil {
				return s.callFailed(p, err)
			}
			return Update{
				ExternalID:     res.ExternalID,
				ExternalStatus: res.ExternalStatus,
				FailureCode:    res.FailureCode,
				FailureReason:  res.FailureReason,
				RequiresAction: res.RequiresAction,
				Raw:            res.Raw,
			}
		}
	}

	externalID := p.ExternalIDOrEmpty()
	if externalID == "" {
		return Update{Status: payment.StatusFailed, FailureCode: "missing_external_id", FailureReason: "payment has no provider reference to poll"}
	}
	provider, err := s.providers.Get(p.Provider)
	if err != nil {
		return Update{Status: payment.StatusFailed, FailureCode: "provider_unavailable", FailureReason: err.Error()}
	}
	st, err := provider.Status(callCtx, externalID)
	if err != nil {
		if errors.Is(err, payment.ErrStatusUnsupported) {
			return Update{Status: payment.StatusFailed, FailureCode: "status_unsupported", FailureReason: err.Error()}
		}
		return s.callFailed(p, err)
	}
	return Update{
		ExternalStatus: st.ExternalStatus,
		FailureCode:    st.FailureCode,
		FailureReason:  st.FailureReason,
		Raw:            st.Raw,
	}
}

// callFailed turns a transport failure into a retryable failure so the
// attempt still counts against the ceiling.
func (s *RetrySweep) callFailed(p *payment.Payment, err error) Update {
	s.logger.Warn("provider call failed during retry sweep", "payment_id", p.ID, "provider", p.Provider, "error", err)
	return Update{Status: payment.StatusFailed, FailureCode: "network_error", FailureReason: "provider request failed"}
}
