package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/deposit"
	"github.com/mooses23/gemachhub/internal/inventory"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/notification"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/report"
	reportPostgres "github.com/mooses23/gemachhub/internal/report/postgres"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/internal/transport"
	"github.com/mooses23/gemachhub/internal/transport/rest"
	"github.com/mooses23/gemachhub/internal/transport/swagger"
	"github.com/mooses23/gemachhub/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var openAPIPath string

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	App        *app
	Router     *chi.Mux
	Dispatcher *notification.Dispatcher
	Logger     *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	cfg := deps.App.cfg
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "env", cfg.Env)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := deps.shutdown(ctx, server); err != nil {
			deps.Logger.Error("Shutdown finished with errors", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Logger.Error("Server failed to start", "error", err)
			_ = deps.App.Close()
			os.Exit(1)
		}
	}

	deps.Logger.Info("Server stopped")
}

// shutdown drains HTTP and then the event handlers so nothing enqueues mail
// after the dispatcher stops, then releases the connections.
func (d *Dependencies) shutdown(ctx context.Context, server *http.Server) error {
	var err error
	if serr := server.Shutdown(ctx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("server shutdown: %w", serr))
	}
	if werr := d.App.bus.Wait(ctx); werr != nil {
		err = multierr.Append(err, werr)
	}
	d.Dispatcher.Shutdown()
	if cerr := d.App.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close connections: %w", cerr))
	}
	return err
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.InitWithOptions(config.Env, config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.L()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := buildApp(ctx, config, lg)
	if err != nil {
		return nil, err
	}

	dispatcher := a.startNotifications()

	var rawDoc []byte
	if openAPIPath != "" {
		raw, _, err := swagger.LoadDocument(ctx, openAPIPath)
		if err != nil {
			dispatcher.Shutdown()
			_ = a.Close()
			return nil, err
		}
		rawDoc = raw
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, buildHandlers(a), rest.Options{
		AllowedOrigins: config.Server.AllowedOrigins,
		OpenAPI:        rawDoc,
		Metrics:        metricsHandler(a),
		MetricsPath:    config.Observability.Metrics.Path,
	})

	return &Dependencies{
		App:        a,
		Router:     router,
		Dispatcher: dispatcher,
		Logger:     lg,
	}, nil
}

func buildHandlers(a *app) rest.Handlers {
	base := transport.NewBaseHandler(a.logger)

	var pingers map[string]rest.Pinger
	if a.redis != nil {
		pingers = map[string]rest.Pinger{"redis": rest.PingFunc(a.redis.Ping)}
	}

	reports := report.NewService(reportPostgres.NewDepositRepository(a.sqlx), a.logger)

	return rest.Handlers{
		Health:      rest.NewHealthHandler(a.sqlx, pingers),
		Auth:        auth.NewHandler(base, a.auth),
		Deposit:     deposit.NewHandler(base, a.deposits),
		Transaction: transaction.NewHandler(base, a.transactions, a.payments),
		Location:    location.NewHandler(base, a.locations),
		Inventory:   inventory.NewHandler(base, a.inventory),
		Audit:       audit.NewHandler(base, a.recorder),
		Report:      report.NewHandler(base, reports),
		Webhooks: paymentsync.NewWebhookHandler(base, a.reconciler, a.paypal, paymentsync.WebhookConfig{
			StripeSecret:    a.cfg.Payment.Stripe.WebhookSecret,
			PayPalWebhookID: a.cfg.Payment.PayPal.WebhookID,
		}),
	}
}

func metricsHandler(a *app) http.Handler {
	if !a.cfg.Observability.Metrics.Enabled {
		return nil
	}
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

func init() {
	httpServerCmd.Flags().StringVar(&openAPIPath, "openapi", "api/openapi.yml", "OpenAPI document served at /openapi.yml (empty disables swagger)")
}
