// Package router assembles the HTTP surface: channel webhooks, the
// billing webhook, the web chat endpoints, health probes, metrics and
// the JWT-protected admin API.
package router

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vocalys/rdv-platform/internal/http/handlers"
	httpmiddleware "github.com/vocalys/rdv-platform/internal/http/middleware"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger   *logging.Logger
	Webhooks *handlers.Webhooks
	Admin    *handlers.Admin

	// BillingWebhook serves POST /v1/payment/webhook. Optional.
	BillingWebhook http.Handler
	// ChatWS serves the live webchat socket. Optional.
	ChatWS http.Handler
	// MetricsHandler serves GET /metrics. Optional.
	MetricsHandler http.Handler

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// DB backs the readiness probe. Nil means degraded in-memory mode.
	DB *sql.DB

	// Webhook rate limit, requests per second per IP. Zero disables.
	WebhookRate  float64
	WebhookBurst int
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(cfg.DB))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.WebhookRate > 0 {
			v1.Use(httpmiddleware.RateLimit(cfg.WebhookRate, cfg.WebhookBurst))
		}
		v1.Post("/voice/webhook", cfg.Webhooks.Voice)
		v1.Post("/whatsapp/webhook", cfg.Webhooks.WhatsApp)
		v1.Post("/chat", cfg.Webhooks.Chat)
		if cfg.ChatWS != nil {
			v1.Handle("/chat/ws", cfg.ChatWS)
		}
		if cfg.BillingWebhook != nil {
			v1.Post("/payment/webhook", cfg.BillingWebhook.ServeHTTP)
		}
	})

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Post("/tenants", cfg.Admin.CreateTenant)
			admin.Route("/tenants/{tenantID}", func(t chi.Router) {
				t.Get("/", cfg.Admin.GetTenant)
				t.Put("/", cfg.Admin.UpdateTenant)
				t.Put("/routing", cfg.Admin.PutRouting)
				t.Post("/api-keys", cfg.Admin.MintAPIKey)
				t.Get("/calls/{callID}", cfg.Admin.GetCallTranscript)
			})
		})
	}

	return r
}
