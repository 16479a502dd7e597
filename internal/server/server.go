package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hollisdev/subledger/internal/auth0"
	"github.com/hollisdev/subledger/internal/backup"
	"github.com/hollisdev/subledger/internal/email"
	"github.com/hollisdev/subledger/internal/handler"
	"github.com/hollisdev/subledger/internal/magiclink"
	"github.com/hollisdev/subledger/internal/middleware"
	"github.com/hollisdev/subledger/internal/monitor"
	"github.com/hollisdev/subledger/internal/push"
	"github.com/hollisdev/subledger/internal/store"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

type Config struct {
	Stripe stripeapi.Config
	Auth0  auth0.Config
	Backup backup.Config

	// AppURL is the storefront the browser flows bounce back to.
	AppURL string
	// ClientAppURL is the application entitlements unlock; magic links
	// point there.
	ClientAppURL    string
	MagicLinkSecret string

	// AdminTokenHash is a bcrypt hash of the operator bearer token.
	AdminTokenHash string

	PushPublicKey  string
	PushPrivateKey string
	PushSubscriber string

	PostmarkServerToken string
	AlertFromEmail      string
	AlertToEmail        string
}

type Server struct {
	db            *sql.DB
	registrations *store.RegistrationStore
	entitlements  *store.EntitlementStore
	settings      *store.SettingsStore
	events        *store.EventStore
	pushSubs      *store.PushStore
	backups       *store.BackupStore

	stripeClient *stripeapi.Client
	auth0Client  *auth0.Client

	webhookH    *handler.WebhookHandler
	successH    *handler.SuccessHandler
	callbackH   *handler.CallbackHandler
	recoveryH   *handler.RecoveryHandler
	validateH   *handler.ValidateHandler
	monitoringH *handler.MonitoringHandler
	settingsH   *handler.SettingsHandler
	pushH       *handler.PushHandler
	backupH     *handler.BackupHandler

	feed          *monitor.Feed
	notifier      *monitor.Notifier
	backupManager *backup.Manager
	rateLimiter   *middleware.RateLimiter

	adminTokenHash string
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	registrations := store.NewRegistrationStore(db)
	entitlements := store.NewEntitlementStore(db)
	settings := store.NewSettingsStore(db)
	events := store.NewEventStore(db)
	pushSubs := store.NewPushStore(db)
	backups := store.NewBackupStore(db)

	stripeClient := stripeapi.NewClient(cfg.Stripe, stripeapi.WithCallRecorder(events))
	auth0Client := auth0.NewClient(cfg.Auth0)
	links := magiclink.NewSigner(cfg.MagicLinkSecret, cfg.ClientAppURL)

	agg := monitor.NewAggregator(events)
	feed := monitor.NewFeed(logger.With("component", "feed"))

	pushSvc := push.NewService(cfg.PushPublicKey, cfg.PushPrivateKey, cfg.PushSubscriber, pushSubs, logger.With("component", "push"))
	mailer := email.NewClient(cfg.PostmarkServerToken, cfg.AlertFromEmail, cfg.AlertToEmail)
	notifier := monitor.NewNotifier(agg, feed, pushSvc, mailer, logger.With("component", "notifier"))

	backupManager := backup.NewManager(cfg.Backup, db, backups, logger.With("component", "backup"))

	return &Server{
		db:            db,
		registrations: registrations,
		entitlements:  entitlements,
		settings:      settings,
		events:        events,
		pushSubs:      pushSubs,
		backups:       backups,
		stripeClient:  stripeClient,
		auth0Client:   auth0Client,

		webhookH:    handler.NewWebhookHandler(stripeClient, auth0Client, registrations, events, logger.With("component", "webhook")),
		successH:    handler.NewSuccessHandler(stripeClient, auth0Client, registrations, events, cfg.AppURL, logger.With("component", "success")),
		callbackH:   handler.NewCallbackHandler(stripeClient, auth0Client, registrations, entitlements, events, links, cfg.AppURL, logger.With("component", "callback")),
		recoveryH:   handler.NewRecoveryHandler(stripeClient, auth0Client, registrations, events, logger.With("component", "recovery")),
		validateH:   handler.NewValidateHandler(stripeClient, entitlements, settings, events, logger.With("component", "validate")),
		monitoringH: handler.NewMonitoringHandler(agg, logger.With("component", "monitoring")),
		settingsH:   handler.NewSettingsHandler(settings, logger.With("component", "settings")),
		pushH:       handler.NewPushHandler(pushSvc, pushSubs, logger.With("component", "push")),
		backupH:     handler.NewBackupHandler(backupManager, logger.With("component", "backup")),

		feed:           feed,
		notifier:       notifier,
		backupManager:  backupManager,
		rateLimiter:    middleware.NewRateLimiter(),
		adminTokenHash: cfg.AdminTokenHash,
	}
}

// Notifier returns the alert notifier so main can run its loop.
func (s *Server) Notifier() *monitor.Notifier { return s.notifier }

// BackupManager returns the backup manager so main can run its schedule.
func (s *Server) BackupManager() *backup.Manager { return s.backupManager }

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter { return s.rateLimiter }

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook (public; signature-verified).
	mux.HandleFunc("POST /api/webhook", s.webhookH.HandleStripeWebhook)

	// Browser flows (public).
	mux.HandleFunc("GET /subscription/stripe/success", s.successH.HandleSuccess)
	mux.HandleFunc("GET /subscription/auth/callback", s.callbackH.HandleCallback)

	// Client validation (public, rate-limited per IP).
	validateMw := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 120, time.Minute)
	mux.Handle("GET /api/validate/{auth0_id}", validateMw(http.HandlerFunc(s.validateH.HandleValidate)))

	// Operator API.
	admin := middleware.RequireAdmin(s.adminTokenHash)
	adminRoutes := map[string]http.HandlerFunc{
		"POST /subscription/admin/recover": s.recoveryH.HandleRecover,

		"GET /api/admin/subscription-settings":  s.settingsH.HandleGet,
		"POST /api/admin/subscription-settings": s.settingsH.HandleUpdate,

		"GET /api/admin/monitoring/summary":         s.monitoringH.HandleSummary,
		"GET /api/admin/monitoring/timeline":        s.monitoringH.HandleTimeline,
		"GET /api/admin/monitoring/recent-failures": s.monitoringH.HandleRecentFailures,
		"GET /api/admin/monitoring/alerts":          s.monitoringH.HandleAlerts,
		"GET /api/admin/monitoring/feed":            s.feed.Handler(),

		"GET /api/admin/push/vapid-key":    s.pushH.HandleVAPIDKey,
		"POST /api/admin/push/subscribe":   s.pushH.HandleSubscribe,
		"POST /api/admin/push/unsubscribe": s.pushH.HandleUnsubscribe,

		"GET /api/admin/backup/status": s.backupH.HandleStatus,
		"POST /api/admin/backup/run":   s.backupH.HandleRun,
	}
	for pattern, h := range adminRoutes {
		mux.Handle(pattern, admin(h))
	}

	return mux
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
