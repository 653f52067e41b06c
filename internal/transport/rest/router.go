package rest

import (
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
	"github.com/mooses23/gemachhub/internal/deposit"
	"github.com/mooses23/gemachhub/internal/inventory"
	"github.com/mooses23/gemachhub/internal/location"
	"github.com/mooses23/gemachhub/internal/paymentsync"
	"github.com/mooses23/gemachhub/internal/report"
	"github.com/mooses23/gemachhub/internal/transaction"
	"github.com/mooses23/gemachhub/internal/transport/middleware"
	"github.com/mooses23/gemachhub/internal/transport/swagger"
)

// Handlers groups every HTTP handler the API mounts. A nil handler leaves
// its routes unmounted.
type Handlers struct {
	Health      *HealthHandler
	Auth        *auth.Handler
	Deposit     *deposit.Handler
	Transaction *transaction.Handler
	Location    *location.Handler
	Inventory   *inventory.Handler
	Audit       *audit.Handler
	Report      *report.Handler
	Webhooks    *paymentsync.WebhookHandler
}

type Options struct {
	AllowedOrigins string
	// OpenAPI is the validated api/openapi.yml; nil disables /openapi.yml and swagger.
	OpenAPI []byte
	// Metrics is mounted at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, opts Options) {
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware)
	router.Use(middleware.CORS(opts.AllowedOrigins))

	if opts.OpenAPI != nil {
		router.Get(swagger.DocumentURL, swagger.DocumentHandler(opts.OpenAPI))
		router.Handle("/swagger/*", swagger.Handler())
	}
	if opts.Metrics != nil && opts.MetricsPath != "" {
		router.Handle(opts.MetricsPath, opts.Metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		if h.Health != nil {
			r.Get("/health", h.Health.healthCheckHandler)
			r.Get("/ping", h.Health.pingHandler)
		}

		// Provider callbacks read the raw body for signature checks, so
		// they stay outside the body-logging middleware.
		if h.Webhooks != nil {
			r.Post("/webhooks/stripe", h.Webhooks.Stripe)
			r.Post("/webhooks/paypal", h.Webhooks.PayPal)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logging)

			if h.Auth == nil {
				return
			}

			r.Route("/auth", func(ar chi.Router) {
				ar.Post("/login", h.Auth.Login)
				ar.Post("/refresh", h.Auth.RefreshToken)
			})

			// Borrower self-service and public catalog reads.
			r.Group(func(pr chi.Router) {
				pr.Use(h.Auth.OptionalAuthMiddleware)

				if h.Deposit != nil {
					pr.Post("/deposits/initiate", h.Deposit.Initiate)
				}
				if h.Location != nil {
					pr.Get("/locations", h.Location.GetLocations)
					pr.Get("/locations/{id}", h.Location.GetLocation)
					pr.Get("/payment-methods", h.Location.GetPaymentMethods)
				}
				if h.Inventory != nil {
					pr.Get("/locations/{id}/inventory", h.Inventory.GetInventory)
				}
			})

			r.Group(func(pr chi.Router) {
				pr.Use(h.Auth.AuthMiddleware)
				pr.Use(h.Auth.RequireRoles(auth.RoleAdmin, auth.RoleOperator))

				if h.Deposit != nil {
					pr.Post("/deposits/{id}/confirm", h.Deposit.Confirm)
					pr.Post("/deposits/bulk-confirm", h.Deposit.BulkConfirm)
					pr.Get("/deposits/pending", h.Deposit.Pending)
					pr.Post("/deposits/{id}/refund", h.Deposit.Refund)
					pr.Patch("/transactions/{id}/return", h.Deposit.Return)
					pr.Post("/transactions/{id}/charge", h.Deposit.Charge)
					pr.Post("/transactions/{id}/decline", h.Deposit.Decline)
				}
				if h.Transaction != nil {
					pr.Get("/transactions", h.Transaction.GetTransactions)
					pr.Get("/transactions/{id}", h.Transaction.GetTransaction)
					pr.Post("/transactions", h.Transaction.CreateTransaction)
				}
				if h.Inventory != nil {
					pr.Post("/locations/{id}/inventory", h.Inventory.AddStock)
					pr.Put("/locations/{id}/inventory", h.Inventory.SetStock)
					pr.Delete("/locations/{id}/inventory", h.Inventory.RemoveStock)
				}
				if h.Report != nil {
					pr.Get("/reports/deposits", h.Report.GetDepositSummary)
				}

				pr.Group(func(ar chi.Router) {
					ar.Use(h.Auth.RequireRoles(auth.RoleAdmin))

					if h.Location != nil {
						ar.Post("/locations", h.Location.CreateLocation)
						ar.Put("/locations/{id}", h.Location.UpdateLocation)
						ar.Put("/locations/{id}/payment-methods", h.Location.SetPaymentMethods)
					}
					if h.Audit != nil {
						ar.Get("/audit", h.Audit.GetAuditTrail)
					}
				})
			})
		})
	})
}
