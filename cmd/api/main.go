// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/cache"
	"github.com/psam21/ncoin-messaging/internal/config"
	"github.com/psam21/ncoin-messaging/internal/handler"
	"github.com/psam21/ncoin-messaging/internal/middleware"
	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/internal/reconcile"
	"github.com/psam21/ncoin-messaging/internal/relay"
	"github.com/psam21/ncoin-messaging/internal/service"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/tracing"
)

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "ncoin-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to the relay
	relayClient, err := relay.Connect(relay.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to relay", zap.Error(err))
		os.Exit(1)
	}
	defer relayClient.Close()

	// Ensure the message stream exists
	streamManager := relay.NewStreamManager(relayClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", zap.Error(err))
		os.Exit(1)
	}

	// Connect to the conversation cache
	cacheClient, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	if err != nil {
		log.Error("failed to connect to cache", zap.Error(err))
		os.Exit(1)
	}
	defer cacheClient.Close()

	// Initialize the messaging engine
	messenger := service.NewMessenger(relayAdapter{streamManager}, cacheClient, reconcile.Options{
		RecentWindow:      cfg.RecentIDWindow,
		CorrelationWindow: cfg.CorrelationWindow,
	}, log)
	defer messenger.Close()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(relayClient, cacheClient)
	conversationHandler := handler.NewConversationHandler(messenger, log)
	messageHandler := handler.NewMessageHandler(messenger, log)
	streamHandler := handler.NewStreamHandler(messenger, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{pubkey}", func(r chi.Router) {
				r.Post("/read", conversationHandler.MarkRead)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.With(middleware.SendRateLimit(cfg.SendLimitRequests, cfg.SendLimitWindow)).
					Post("/messages", messageHandler.Send)
				r.Delete("/messages/{ref}", messageHandler.Remove)
			})
		})

		// Streaming
		r.Get("/stream", streamHandler.Stream)
	})

	// Publish stream totals to the metrics registry periodically
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := streamManager.RecordStreamMetrics(infoCtx); err != nil {
				log.Warn("failed to record stream metrics", zap.Error(err))
			}
			cancel()
		}
	}()

	// Create HTTP server. WriteTimeout stays zero: the event stream holds
	// connections open indefinitely.
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: cfg.ServerIdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// relayAdapter narrows *relay.StreamManager to the engine's Relay
// interface; the concrete Subscribe return type needs rewrapping.
type relayAdapter struct {
	*relay.StreamManager
}

func (a relayAdapter) Subscribe(self string, handler func(model.Message)) (service.RelaySubscription, error) {
	sub, err := a.StreamManager.Subscribe(self, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
