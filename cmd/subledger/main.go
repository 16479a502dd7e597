package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hollisdev/subledger/internal/auth0"
	"github.com/hollisdev/subledger/internal/backup"
	"github.com/hollisdev/subledger/internal/database"
	"github.com/hollisdev/subledger/internal/logging"
	"github.com/hollisdev/subledger/internal/middleware"
	"github.com/hollisdev/subledger/internal/server"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := logging.Setup(os.Getenv("SUBLEDGER_LOG_LEVEL"))

	port := envOr("SUBLEDGER_PORT", "8091")
	dbPath := envOr("SUBLEDGER_DB_PATH", "subledger.db")
	appURL := envOr("APP_URL", "http://localhost:"+port)

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		Stripe: stripeapi.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Auth0: auth0.Config{
			Domain:       os.Getenv("AUTH0_DOMAIN"),
			ClientID:     os.Getenv("AUTH0_CLIENT_ID"),
			ClientSecret: os.Getenv("AUTH0_CLIENT_SECRET"),
			ConnectionID: os.Getenv("AUTH0_CONNECTION_ID"),
			RedirectURI:  envOr("AUTH0_REDIRECT_URI", appURL+"/subscription/auth/callback"),
		},
		Backup: backup.Config{
			S3: backup.S3Config{
				Endpoint:  os.Getenv("BACKUP_S3_ENDPOINT"),
				Bucket:    os.Getenv("BACKUP_S3_BUCKET"),
				Region:    envOr("BACKUP_S3_REGION", "auto"),
				AccessKey: os.Getenv("BACKUP_S3_ACCESS_KEY"),
				SecretKey: os.Getenv("BACKUP_S3_SECRET_KEY"),
			},
			DBPath:        dbPath,
			Passphrase:    os.Getenv("BACKUP_PASSPHRASE"),
			ScheduleHour:  envInt("BACKUP_SCHEDULE_HOUR", 3),
			RetentionDays: envInt("BACKUP_RETENTION_DAYS", 30),
		},
		AppURL:          appURL,
		ClientAppURL:    envOr("CLIENT_APP_URL", appURL),
		MagicLinkSecret: os.Getenv("MAGIC_LINK_SECRET"),
		AdminTokenHash:  os.Getenv("ADMIN_TOKEN_HASH"),

		PushPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		PushPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber: os.Getenv("VAPID_SUBSCRIBER"),

		PostmarkServerToken: os.Getenv("POSTMARK_SERVER_TOKEN"),
		AlertFromEmail:      os.Getenv("ALERT_FROM_EMAIL"),
		AlertToEmail:        os.Getenv("ALERT_TO_EMAIL"),
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(srv.Router())),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	srv.Notifier().Start(bgCtx)
	defer srv.Notifier().Stop()

	if srv.BackupManager().Enabled() {
		srv.BackupManager().Start(bgCtx)
		defer srv.BackupManager().Stop()
	}

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("subledger starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
