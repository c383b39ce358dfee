package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vocalys/rdv-platform/internal/api/router"
	"github.com/vocalys/rdv-platform/internal/audit"
	"github.com/vocalys/rdv-platform/internal/billing"
	"github.com/vocalys/rdv-platform/internal/booking"
	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/channels/webchat"
	appconfig "github.com/vocalys/rdv-platform/internal/config"
	"github.com/vocalys/rdv-platform/internal/dialog"
	"github.com/vocalys/rdv-platform/internal/engine"
	"github.com/vocalys/rdv-platform/internal/faq"
	"github.com/vocalys/rdv-platform/internal/http/handlers"
	"github.com/vocalys/rdv-platform/internal/journal"
	"github.com/vocalys/rdv-platform/internal/notify"
	"github.com/vocalys/rdv-platform/internal/observability/metrics"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/internal/transcript"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting rdv-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"multi_tenant", cfg.MultiTenantMode,
	)

	ctx := context.Background()

	// Postgres is optional: without DATABASE_URL the service runs in
	// degraded in-memory mode (no journal, no durable sessions).
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database not reachable at startup", "error", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, running in-memory only")
	}

	// Tenancy.
	var tenants tenancy.Store
	var routes tenancy.RouteStore
	if db != nil && cfg.UsePGTenants {
		tenants = tenancy.NewCachedStore(tenancy.NewPGStore(db), 30*time.Second)
		routes = tenancy.NewPGRouteStore(db)
	} else {
		tenants = tenancy.NewMemoryStore()
		routes = tenancy.NewMemoryRouteStore()
	}
	resolver := tenancy.NewResolver(routes)

	// Call journal and per-call lock ride a pgx pool; the lock needs
	// transactional row locks the database/sql layer does not expose.
	var jl *journal.Log
	var lock *journal.CallLock
	if db != nil && cfg.UsePGJournal {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create journal pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		jl = journal.NewLog(pool, logger)
		lock = journal.NewCallLock(pool, jl, cfg.CallLockTimeout, logger)
	} else {
		jl = journal.NewLog(nil, logger)
	}

	// Redis transcripts. Optional; nil store is a no-op.
	var transcripts *transcript.Store
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient := redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, transcripts disabled", "error", err)
		} else {
			transcripts = transcript.NewStore(redisClient)
		}
	}

	// Confirmation email.
	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		sesCfg := notify.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}
		client, err := notify.NewSESClient(ctx, sesCfg)
		if err != nil {
			logger.Warn("ses client unavailable, confirmations disabled", "error", err)
		} else {
			sender = notify.NewSESSender(client, sesCfg, logger)
		}
	default:
		if sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sg != nil {
			sender = sg
		}
	}
	notifier := notify.NewService(sender, logger)

	// Calendar adapters.
	var idem booking.IdempotencyStore
	if db != nil {
		idem = booking.NewPGIdempotencyStore(db)
	} else {
		idem = booking.NewMemoryIdempotencyStore()
	}
	var googleFactory, internalFactory func(t *tenancy.Tenant) booking.Adapter
	if cfg.GoogleCalendarCredentialsJSON != "" {
		svc, err := booking.NewGoogleService(ctx, cfg.GoogleCalendarCredentialsJSON)
		if err != nil {
			logger.Error("google calendar init failed", "error", err)
			os.Exit(1)
		}
		googleFactory = func(t *tenancy.Tenant) booking.Adapter {
			return booking.NewGoogleAdapter(svc, t, idem, logger)
		}
	}
	if db != nil {
		internalFactory = func(t *tenancy.Tenant) booking.Adapter {
			return booking.NewInternalAdapter(db, t, idem)
		}
	}
	selector := booking.NewSelector(googleFactory, internalFactory)

	// Dialog FSM with audit trail and FAQ answers.
	var sink dialog.AuditSink
	var faqStore dialog.FAQStore
	if db != nil {
		sink = audit.NewPGSink(db, logger)
		faqStore = faq.NewPGStore(db)
	} else {
		sink = audit.NewMemorySink()
		faqStore = faq.NewMemoryStore()
	}
	d := dialog.NewEngine(selector.ForTenant, sink, faqStore, logger)

	// Sessions: process-local cache, durable web sessions in Postgres.
	cache := session.NewCache(cfg.SessionTTL)
	var durable session.WebSessionRepo
	if db != nil && cfg.MultiTenantMode {
		durable = session.NewPGWebSessionRepo(db)
	}
	sessions := session.NewHybridStore(cache, durable, cfg.MultiTenantMode, logger)
	go sweepSessions(cache, cfg.SessionTTL, logger)

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	engineMetrics := metrics.NewEngineMetrics(reg)
	billingMetrics := metrics.NewBillingMetrics(reg)

	eng := engine.New(d, sessions, jl, lock, transcripts, notifier, engineMetrics, logger)

	// Billing webhook.
	var billingWebhook http.Handler
	if db != nil && cfg.StripeWebhookSecret != "" {
		var fetcher billing.SubscriptionFetcher
		if cfg.StripeSecretKey != "" {
			fetcher = billing.NewStripeClient(cfg.StripeSecretKey, logger)
		}
		billingWebhook = billing.NewWebhookHandler(
			cfg.StripeWebhookSecret, billing.NewStore(db), tenants, fetcher, billingMetrics, logger)
	}

	chatWS := webchat.NewWSHandler(wsTurn(eng, tenants), resolver, transcripts, logger)

	webhooks := handlers.NewWebhooks(eng, tenants, resolver, handlers.ChannelSecrets{
		VoiceSecret:   cfg.VoiceWebhookSecret,
		WhatsAppToken: cfg.WhatsAppAuthToken,
		WhatsAppURL:   cfg.PublicBaseURL + "/v1/whatsapp/webhook",
	}, engineMetrics, logger)
	admin := handlers.NewAdmin(tenants, routes, transcripts, jl, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		Webhooks:           webhooks,
		Admin:              admin,
		BillingWebhook:     billingWebhook,
		ChatWS:             chatWS,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AdminJWTSecret:     cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		DB:                 db,
		WebhookRate:        float64(cfg.WebhookRatePerSec),
		WebhookBurst:       cfg.WebhookBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// wsTurn adapts the engine to the websocket handler's turn callback.
func wsTurn(eng *engine.Engine, tenants tenancy.Store) webchat.TurnFunc {
	return func(ctx context.Context, tenantID int64, convID, text string) (string, bool, error) {
		t, err := tenants.Get(ctx, tenantID)
		if err != nil {
			return "", false, err
		}
		reply, err := eng.HandleTurn(ctx, t, channels.Message{
			Channel: session.ChannelWeb,
			CallID:  "web:" + convID,
			Text:    text,
		})
		if err != nil {
			return "", false, err
		}
		return reply.Text, reply.EndCall, nil
	}
}

// sweepSessions drops expired sessions so abandoned conversations do
// not pin memory.
func sweepSessions(cache *session.Cache, ttl time.Duration, logger *logging.Logger) {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		if n := cache.Sweep(time.Now()); n > 0 {
			logger.Debug("expired sessions swept", "count", n)
		}
	}
}
