package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tripmail/internal/api"
	"tripmail/internal/api/handlers"
	"tripmail/internal/api/middleware"
	"tripmail/internal/engine/webhooks"
	"tripmail/internal/pkg/logger"
	"tripmail/internal/pkg/validator"
	"tripmail/internal/platform/audit"
	"tripmail/internal/platform/auth"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/database"
	"tripmail/internal/platform/repositories"
	"tripmail/internal/platform/secrets"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.Security.CronSecret == "" {
		log.Warn().Msg("security.cron_secret is empty; internal webhook endpoints will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	box, err := secrets.New(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load encryption key")
	}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	deliveryRepo := repositories.NewDeliveryRepository(db)
	collaboratorRepo := repositories.NewCollaboratorRepository(db)
	auditLog := audit.NewLogger(db)
	defer auditLog.Wait()

	// Services
	urlValidator := validator.NewWebhookURLValidator(net.DefaultResolver)
	dispatcher := webhooks.NewDispatcher(webhookRepo, deliveryRepo, collaboratorRepo)
	worker := webhooks.NewWorker(deliveryRepo, webhookRepo, box, urlValidator, cfg.Webhooks)
	tokenSvc := auth.NewTokenService(cfg.Security.SessionSecret, cfg.Security.SessionTTL)

	// Rate limiting
	var rdb *redis.Client
	var limiter middleware.Limiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid redis.url")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		limiter = middleware.NewRedisLimiter(rdb, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
		log.Info().Str("addr", opts.Addr).Msg("Using Redis rate limiter")
	} else {
		memLimiter := middleware.NewMemoryLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
		memLimiter.StartCleanup(ctx, cfg.RateLimit.Window)
		limiter = memLimiter
		log.Info().Msg("Using in-process rate limiter")
	}

	// Router
	deps := &api.Dependencies{
		WebhookHandler:  handlers.NewWebhookHandler(webhookRepo, deliveryRepo, userRepo, urlValidator, box, dispatcher, auditLog, cfg.Webhooks),
		APIKeyHandler:   handlers.NewAPIKeyHandler(apiKeyRepo, auditLog),
		AuditHandler:    handlers.NewAuditHandler(auditLog),
		UserHandler:     handlers.NewUserHandler(userRepo, webhookRepo, cfg.Webhooks),
		InternalHandler: handlers.NewInternalHandler(worker, dispatcher, cfg.Webhooks.PassTimeout),
		HealthHandler:   handlers.NewHealthHandler(db, rdb),
		MetricsHandler:  handlers.NewMetricsHandler(worker.Stats()),
		AuthMiddleware:  middleware.NewAuthMiddleware(apiKeyRepo, tokenSvc, cfg.Security.SessionCookie),
		Limiter:         limiter,
		CronSecret:      cfg.Security.CronSecret,
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      middleware.HTTPLogger(middleware.Recover(router)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
