package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"valet/internal/auth"
	"valet/internal/config"
	"valet/internal/handler"
	"valet/internal/handler/sse"
	"valet/internal/middleware"
	"valet/internal/repository/postgres"
	"valet/internal/service/agent"
	chatService "valet/internal/service/chat"
	"valet/internal/service/display"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()

	limits, err := config.LoadLimits()
	if err != nil {
		log.Fatalf("Failed to load limits: %v", err)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	logOutput := os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.SetupLogFile(cfg.LogDir, 10)
		if err != nil {
			log.Fatalf("Failed to set up log file: %v", err)
		}
		defer logFile.Close()
		logOutput = logFile
	}

	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Token verification: JWKS takes precedence, then the shared HMAC
	// secret. Neither configured means unauthenticated dev mode.
	var verifier auth.TokenVerifier
	switch {
	case cfg.AuthJWKSURL != "":
		verifier, err = auth.NewJWKSVerifier(cfg.AuthJWKSURL, logger)
		if err != nil {
			log.Fatalf("Failed to create JWKS verifier: %v", err)
		}
		defer verifier.Close()
	case cfg.AuthSecret != "":
		verifier, err = auth.NewHMACVerifier(cfg.AuthSecret)
		if err != nil {
			log.Fatalf("Failed to create HMAC verifier: %v", err)
		}
	default:
		logger.Warn("auth disabled: no AUTH_JWKS_URL or AUTH_SECRET configured")
	}

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	tables := postgres.NewTableNames(cfg.TablePrefix)
	if err := postgres.EnsureSchema(ctx, pool, tables); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	logger.Info("database connected", "sessions_table", tables.Sessions, "usage_table", tables.Usage)

	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	sessionRepo := postgres.NewSessionRepository(repoConfig)
	usageRepo := postgres.NewUsageRepository(repoConfig)

	// Core engine services
	sessions, err := chatService.NewSessionStore(ctx, sessionRepo, logger)
	if err != nil {
		log.Fatalf("Failed to load sessions: %v", err)
	}
	usage, err := chatService.NewUsageTracker(ctx, usageRepo, limits, logger)
	if err != nil {
		log.Fatalf("Failed to load usage: %v", err)
	}

	// The lorem runner stands in for a real agent backend. Swap in a
	// production AgentRunner and Summarizer here when wiring one up.
	runner := agent.NewLoremRunner()
	summarizer := agent.LoremSummarizer{}

	compactor := chatService.NewCompactor(sessions, summarizer, limits, logger)
	hub := display.NewHub(logger)
	scheduler := chatService.NewScheduler(runner, hub, sessions, usage, compactor, limits, logger)

	chatHandler := handler.NewChatHandler(scheduler, sessions, usage, hub, sse.DefaultConfig(), logger)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", chatHandler.HealthCheck)

	mux.HandleFunc("POST /api/conversations/{id}/messages", chatHandler.SubmitMessage)
	mux.HandleFunc("GET /api/conversations/{id}/stream", chatHandler.StreamConversation)
	mux.HandleFunc("POST /api/conversations/{id}/clear", chatHandler.ClearConversation)
	mux.HandleFunc("POST /api/conversations/{id}/cancel", chatHandler.CancelTurn)
	mux.HandleFunc("GET /api/conversations/{id}/usage", chatHandler.GetUsage)
	mux.HandleFunc("POST /api/conversations/{id}/usage/reset", chatHandler.ResetUsage)

	// Build middleware chain
	var root http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Auth → Routes
	root = middleware.Auth(verifier, logger)(root)
	root = middleware.Recovery(logger)(root)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})
	root = corsHandler.Handler(root)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
