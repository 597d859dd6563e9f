package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hazakura/license-server/internal/config"
	"github.com/hazakura/license-server/internal/handlers"
	"github.com/hazakura/license-server/internal/services"
	"github.com/hazakura/license-server/internal/store"
	"github.com/hazakura/license-server/internal/workers"
	"github.com/hazakura/license-server/pkg/database"
	"github.com/hazakura/license-server/pkg/ratelimit"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting license server")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	log.Info().Msg("Running database migrations...")
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Migrations completed successfully")

	// Initialize services
	pg := store.NewPostgres(db)
	hub := services.NewHub()
	notifier := services.NewNotifier(cfg.DiscordWebhookURL)
	engine := services.NewActivationService(pg, hub, cfg.KeyGenMaxAttempts)

	// Public rate limiter: Redis when configured, in-process otherwise
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitPerMinute, "license:rate_limit")
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, falling back to in-process rate limiting")
			limiter = ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
		} else {
			defer redisLimiter.Close()
			limiter = redisLimiter
		}
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
	}

	// Initialize handlers
	licenseHandler := handlers.NewLicenseHandler(engine)
	adminHandler := handlers.NewAdminHandler(engine, pg, notifier, cfg)
	eventsHandler := handlers.NewEventsHandler(hub)
	healthHandler := handlers.NewHealthHandler(pg)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Admin-Secret")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", healthHandler.Health)

	// Public device endpoints
	r.Group(func(r chi.Router) {
		r.Use(handlers.RateLimit(limiter))
		r.Post("/activateKey", licenseHandler.ActivateKey)
		r.Post("/verifyKey", licenseHandler.VerifyKey)
	})

	// Admin login
	r.Post("/admin/session", adminHandler.CreateSession)

	// Privileged routes
	r.Group(func(r chi.Router) {
		r.Use(handlers.AdminAuth(cfg))

		r.Post("/generateKey", adminHandler.GenerateKey)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/keys", adminHandler.ListKeys)
			r.Get("/keys/{id}", adminHandler.GetKey)
			r.Put("/keys/{id}", adminHandler.UpdateKey)
			r.Delete("/keys/{id}", adminHandler.DeleteKey)
			r.Get("/keys/{id}/logs", adminHandler.GetLogs)
			r.Post("/cleanup", adminHandler.Cleanup)
			r.Get("/events", eventsHandler.Stream)
		})
	})

	// Start the expiry janitor
	janitor := workers.NewJanitor(pg, notifier, cfg)
	go janitor.Start(ctx)

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
