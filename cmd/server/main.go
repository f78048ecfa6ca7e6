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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chattered/internal/config"
	"chattered/internal/database"
	"chattered/internal/handlers"
	"chattered/internal/middleware"
	"chattered/internal/models"
	"chattered/internal/router"
	"chattered/internal/services"
	"chattered/internal/websocket"
	"chattered/internal/worker"
)

func main() {
	log.Println("🚀 Starting Chattered...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize Redis Client (optional) ────
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("✗ Redis connection failed: %v", err)
		}
		defer client.Close()
		redisClient = client
		log.Println("✓ Redis connected")
	} else {
		log.Println("✓ Redis not configured, page updates stay in process")
	}

	// ──── Step 3: Initialize Model Backend ────
	factory, closeFactory, err := services.NewSessionFactory(context.Background(), cfg)
	if err != nil {
		log.Fatalf("✗ Model backend initialization failed: %v", err)
	}
	defer closeFactory()
	log.Printf("✓ %s backend initialized (model: %s)", cfg.ModelBackend, cfg.Model.Model)

	// ──── Step 4: Initialize Services ────
	pageAuth := middleware.NewPageAuth(cfg.PageTokenSecret, cfg.PageTokenTTL)
	wsHub := websocket.NewHub(redisClient, pageAuth)
	presenter := services.NewPresenter(services.NewMarkdownRenderer())
	pageService := services.NewPageService(factory, wsHub, presenter, cfg.PageIdleTimeout)
	pageService.SetCloser(wsHub)
	pageService.Start()

	wsHub.SetGreeter(func(pageID uuid.UUID) (models.WSMessage, bool) {
		page, err := pageService.Get(pageID)
		if err != nil {
			return models.WSMessage{}, false
		}
		return models.WSMessage{
			Type:    models.WSTypeState,
			Payload: presenter.Present(page.Controller.Snapshot()),
		}, true
	})
	log.Println("✓ WebSocket hub started")

	// ──── Step 5: Start Dispatch Pool ────
	dispatchPool := worker.NewPool(cfg.DispatchWorkers, cfg.DispatchQueueSize)
	dispatchPool.Start()
	log.Printf("✓ Dispatch pool started (%d goroutines)", cfg.DispatchWorkers)

	var submitLimiter *middleware.RateLimiter
	if cfg.SubmitRateLimit > 0 {
		submitLimiter = middleware.NewRateLimiter(cfg.SubmitRateLimit, time.Minute)
		defer submitLimiter.Stop()
		log.Printf("✓ Submit rate limit: %d per page per minute", cfg.SubmitRateLimit)
	}

	// ──── Step 6: Start HTTP Server ────
	chatHandler := handlers.NewChatHandler(pageService, dispatchPool, presenter, pageAuth, wsHub)
	r := router.New(pageAuth, chatHandler, wsHub, submitLimiter)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	idleConnsClosed := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		server.Shutdown(ctx)
		if err := dispatchPool.Stop(ctx); err != nil {
			log.Printf("Dispatch pool did not drain: %v", err)
		}
		pageService.Stop()
		close(idleConnsClosed)
	}()

	log.Printf("✓ Chattered ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	<-idleConnsClosed
}
