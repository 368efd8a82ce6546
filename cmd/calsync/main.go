package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Elmontag/calsync/internal/auth"
	"github.com/Elmontag/calsync/internal/config"
	"github.com/Elmontag/calsync/internal/crypto"
	"github.com/Elmontag/calsync/internal/db"
	"github.com/Elmontag/calsync/internal/engine"
	"github.com/Elmontag/calsync/internal/health"
	"github.com/Elmontag/calsync/internal/jobs"
	"github.com/Elmontag/calsync/internal/mailbox"
	"github.com/Elmontag/calsync/internal/notify"
	"github.com/Elmontag/calsync/internal/validator"
	"github.com/Elmontag/calsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()
	if err := cfg.Validate(startupCtx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	encryptor, err := crypto.NewEncryptor(cfg.Security.SecretKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	eng := engine.New(database, encryptor)
	fetcher := mailbox.NewFetcher(time.Duration(cfg.IMAP.ClientTimeoutSeconds) * time.Second)

	orch := jobs.New(database, eng, encryptor, fetcher, jobs.AutoSyncPreferences{
		Enabled:         cfg.AutoSync.Enabled,
		IntervalMinutes: cfg.AutoSync.IntervalMinutes,
		AutoResponse:    db.ResponseStatus(cfg.AutoSync.AutoResponse),
	})

	alertCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookEnabled,
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.Alerts.EmailEnabled,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}
	if err := notify.ValidateConfig(alertCfg); err != nil {
		log.Fatalf("Invalid alert configuration: %v", err)
	}
	notifier := notify.New(alertCfg)
	if notifier.IsEnabled() {
		orch.SetNotifier(notifier)
		log.Println("Alert notifications enabled")
	}

	var authHandlers *web.AuthHandlers
	if cfg.AuthEnabled() {
		provider, err := auth.NewProvider(startupCtx, cfg.OIDC.Issuer, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret, cfg.OIDC.RedirectURL)
		if err != nil {
			log.Fatalf("Failed to initialize OIDC provider: %v", err)
		}
		sessions := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())
		authHandlers = web.NewAuthHandlers(sessions, provider)
		log.Println("OIDC authentication enabled")
	} else {
		log.Println("No OIDC issuer configured, API runs unauthenticated")
	}

	healthChecker := health.NewChecker(database, orch)

	handlers := web.NewHandlers(
		cfg,
		database,
		encryptor,
		eng,
		orch,
		fetcher,
		web.ListCalendars,
		validator.New(),
		healthChecker,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	router.Use(web.CORS(cfg.Server.AllowedOrigins))

	web.SetupRoutes(router, handlers, authHandlers)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	orch.Start()

	go func() {
		log.Printf("Starting CalSync server on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
