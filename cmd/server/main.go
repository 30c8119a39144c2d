package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley-backend/internal/config"
	"parley-backend/internal/database"
	"parley-backend/internal/handlers"
	"parley-backend/internal/middleware"
	"parley-backend/internal/repository"
	"parley-backend/internal/router"
	"parley-backend/internal/services"
	"parley-backend/internal/websocket"
)

func main() {
	log.Println("🚀 Starting Parley Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	conversationRepo := repository.NewConversationRepo(pool)
	messageRepo := repository.NewMessageRepo(pool)
	modelConfigRepo := repository.NewModelConfigRepo(pool)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	credentials := services.NewCredentialProvider(cfg.UpstreamAPIToken)
	upstream := services.NewUpstreamClient(cfg.UpstreamResourceGroup, cfg.UpstreamChunkTokens)
	relay := services.NewStreamRelay(
		conversationRepo,
		messageRepo,
		modelConfigRepo,
		credentials,
		upstream,
		cfg.DefaultDeploymentURL,
		redisClients.Publisher,
	)
	modelConfigService := services.NewModelConfigService(modelConfigRepo)
	log.Println("✓ Stream relay initialized")

	// ──── Initialize Handlers ────
	chatHandler := handlers.NewChatHandler(relay)
	conversationHandler := handlers.NewConversationHandler(conversationRepo, messageRepo)
	modelConfigHandler := handlers.NewModelConfigHandler(modelConfigService)

	// ──── Step 5: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.Subscriber, cfg.JWTSecret)
	defer wsHub.Close()
	log.Println("✓ WebSocket hub started")

	// ──── Step 6: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		chatHandler,
		conversationHandler,
		modelConfigHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: r,
		// No WriteTimeout: chat responses stream for as long as the model
		// generates. Upstream lifetime is bound to the request context.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ Parley Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
