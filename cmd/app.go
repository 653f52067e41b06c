package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	authPostgres "github.com/mooses23/gemachhub/internal/auth/postgres"
	"github.com/mooses23/gemachhub/internal/core/events"
	"github.com/mooses23/gemachhub/internal/deposit"
	"github.com/mooses23/gemachhub/internal/inventory"
	inventoryPostgres "github.com/mooses23/gemachhub/internal/inventory/postgres"
	"github.com/mooses23/gemachhub/internal/location"
	locationPostgres "github.com/mooses23/gemachhub/internal/location/postgres"
	"github.com/mooses23/gemachhub/internal/notification"
	"github.com/mooses23/gemachhub/internal/payment"
	paymentPostgres "github.com/mooses23/gemachhub/internal/payment/postgres"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	paymentsyncPostgres "github.com/mooses23/gemachhub/internal/paymentsync/postgres"
	"github.com/mooses23/gemachhub/internal/scheduler"
	"github.com/mooses23/gemachhub/internal/transaction"
	transactionPostgres "github.com/mooses23/gemachhub/internal/transaction/postgres"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/mooses23/gemachhub/pkg/metrics"
	"github.com/mooses23/gemachhub/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
)

// app holds the services shared by the server and worker commands.
type app struct {
	cfg    *internal.Config
	logger *slog.Logger

	db       *db.Client
	sqlx     *sqlx.DB
	redis    *redis.Client
	registry *prometheus.Registry
	bus      *events.EventBus

	recorder     *audit.Recorder
	auth         *auth.Service
	locations    *location.Service
	inventory    *inventory.Service
	transactions *transaction.Service
	payments     *payment.Service
	providers    *payment.Registry
	paypal       paymentsync.PayPalClient
	reconciler   *paymentsync.Reconciler
	deposits     *deposit.Service
}

func buildApp(ctx context.Context, cfg *internal.Config, lg *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: lg}

	dbClient, err := db.Open(db.Options{
		DSN:             cfg.Database.GetDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := dbClient.Ping(ctx); err != nil {
		_ = dbClient.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	a.db = dbClient

	// Raw-SQL readers share the GORM pool.
	sqlDB, err := dbClient.SQL()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	a.sqlx = sqlx.NewDb(sqlDB, "pgx")

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rc
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.bus = events.NewEventBus(lg)
	a.recorder = audit.NewRecorder(dbClient.DB(), lg)

	tokens := auth.NewJWTTokenGenerator(
		cfg.Security.JWTSecret,
		cfg.Security.JWTRefreshSecret,
		cfg.Security.AccessTokenDuration,
		cfg.Security.RefreshTokenDuration,
	)
	a.auth = auth.NewService(authPostgres.NewUserRepository(dbClient.DB()), tokens, cfg.Security.BCryptCost, lg)

	a.locations = location.NewService(locationPostgres.NewLocationRepository(dbClient.DB()), a.auth, lg)
	a.inventory = inventory.NewService(inventoryPostgres.NewInventoryRepository(dbClient.DB()), dbClient, a.recorder, lg)
	a.transactions = transaction.NewService(
		transactionPostgres.NewTransactionRepository(dbClient.DB()),
		dbClient,
		a.locations,
		a.inventory,
		a.recorder,
		lg,
	)
	a.payments = payment.NewService(paymentPostgres.NewPaymentRepository(dbClient.DB()), lg)

	if err := a.buildProviders(); err != nil {
		_ = a.Close()
		return nil, err
	}

	policy := paymentsync.RetryPolicy{
		MaxAttempts: cfg.Payment.Retry.MaxAttempts,
		BaseDelay:   cfg.Payment.Retry.BaseDelay,
	}

	a.reconciler = paymentsync.NewReconciler(
		dbClient,
		paymentsyncPostgres.NewWebhookEventRepository(dbClient.DB()),
		a.payments,
		a.transactions,
		a.recorder,
		a.bus,
		policy,
		lg,
	).WithMetrics(metrics.NewSyncMetrics(a.registry))

	if a.redis != nil {
		guard, err := redis.NewIdempotencyGuard(a.redis, cfg.Redis.IdempotencyTTL, "webhook")
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to build idempotency guard: %w", err)
		}
		a.reconciler = a.reconciler.WithGuard(guard)
	}

	a.deposits = deposit.NewService(deposit.Deps{
		Tx:           dbClient,
		Locations:    a.locations,
		Transactions: a.transactions,
		Payments:     a.payments,
		Stock:        a.inventory,
		Providers:    a.providers,
		Audit:        a.recorder,
		Bus:          a.bus,
		Policy:       policy,
		Logger:       lg,
	}, deposit.Config{Currency: cfg.Payment.Currency})

	return a, nil
}

// buildProviders registers cash always and the online processors that are
// enabled in config.
func (a *app) buildProviders() error {
	cfg := a.cfg.Payment
	a.providers = payment.NewRegistry(payment.NewCashProvider())

	if cfg.Stripe.Enabled {
		a.providers.Register(payment.NewStripeProvider(payment.StripeConfig{
			SecretKey:      cfg.Stripe.SecretKey,
			PublishableKey: cfg.Stripe.PublishableKey,
			Currency:       cfg.Currency,
		}))
		a.logger.Info("stripe provider enabled", "environment", cfg.Stripe.Environment)
	}

	if cfg.PayPal.Enabled {
		gateway, err := payment.NewPayPalGateway(cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, cfg.PayPal.Environment)
		if err != nil {
			return fmt.Errorf("failed to build paypal gateway: %w", err)
		}
		provider := payment.NewPayPalProvider(gateway, payment.PayPalConfig{
			Currency:  cfg.Currency,
			ReturnURL: cfg.PayPal.ReturnURL,
			CancelURL: cfg.PayPal.CancelURL,
		})
		a.providers.Register(provider)
		a.paypal = provider
		a.logger.Info("paypal provider enabled", "environment", cfg.PayPal.Environment)
	}
	return nil
}

// lockFactory returns nil without redis; jobs then run unlocked.
func (a *app) lockFactory() scheduler.LockFactory {
	if a.redis == nil {
		return nil
	}
	return func(name string) (scheduler.Locker, error) {
		return redis.NewLock(a.redis, a.redis.LockKey(name), a.cfg.Payment.Retry.LockTTL)
	}
}

func (a *app) retrySweep() *paymentsync.RetrySweep {
	return paymentsync.NewRetrySweep(
		a.payments,
		a.providers,
		a.deposits,
		a.reconciler,
		a.cfg.Payment.Retry.BatchSize,
		a.logger,
	)
}

// startNotifications subscribes the email notifier to the bus. The caller
// owns the returned dispatcher and must Shutdown it.
func (a *app) startNotifications() *notification.Dispatcher {
	cfg := a.cfg.Notification
	var sender notification.Sender
	if cfg.Enabled {
		sender = notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName)
	} else {
		a.logger.Info("email notifications disabled, logging messages instead")
		sender = notification.NewLogSender(a.logger)
	}

	dispatcher := notification.NewDispatcher(sender, a.recorder, notification.DispatcherConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}, a.logger)
	notification.NewNotifier(a.transactions, a.locations, dispatcher, a.logger).Register(a.bus)
	return dispatcher
}

func (a *app) Close() error {
	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}
