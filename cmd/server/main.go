package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridclaim/internal/board"
	"github.com/gridclaim/internal/config"
	"github.com/gridclaim/internal/engine"
	"github.com/gridclaim/internal/handler"
	"github.com/gridclaim/internal/kafka"
	"github.com/gridclaim/internal/lifecycle"
	"github.com/gridclaim/internal/postgres"
	"github.com/gridclaim/internal/ratelimit"
	"github.com/gridclaim/internal/redis"
	"github.com/gridclaim/internal/scoring"
	"github.com/gridclaim/internal/websocket"
	"github.com/gridclaim/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisStore, err := redis.NewStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize core services
	limiter := ratelimit.New(&cfg.RateLimit)
	games := lifecycle.NewManager(&cfg.Game, logger)

	persister := &engine.ClaimPersister{
		Redis:    redisStore,
		Postgres: postgresRepo,
		Logger:   logger,
	}
	boards := board.NewStore(board.FirstClaimWins{}, persister, logger)

	aggregator := scoring.NewAggregator(postgresRepo, redisStore, logger)
	if err := aggregator.LoadPersisted(ctx); err != nil {
		logger.Warn("failed to load leaderboard totals on startup", "error", err)
	}
	aggregator.Start(ctx)

	eng := engine.New(limiter, games, boards, aggregator, wsHub, redisStore, postgresRepo, cfg, logger)
	eng.Start(ctx)

	// Initialize consistency worker
	consistencyWorker := worker.NewConsistencyWorker(
		boards,
		games,
		postgresRepo,
		redisStore,
		aggregator,
		&cfg.Consistency,
		logger,
	)

	// Rebuild rankings from durable totals on startup (recovery)
	logger.Info("syncing rankings from database to Redis")
	if err := consistencyWorker.SyncRankings(ctx); err != nil {
		logger.Warn("failed to sync rankings on startup", "error", err)
	}

	// Start consistency worker
	if cfg.Consistency.Enabled {
		if err := consistencyWorker.Start(ctx); err != nil {
			logger.Error("failed to start consistency worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for high-load claim ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, eng, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(eng, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop consistency worker
	if err := consistencyWorker.Stop(); err != nil {
		logger.Error("failed to stop consistency worker", "error", err)
	}

	// Stop game timers and drain pending result commits
	eng.Stop()
	aggregator.Stop()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
