package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/api/handlers"
	"github.com/emergency-agent/backend/internal/app"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/middleware/ratelimit"
	"github.com/emergency-agent/backend/internal/middleware/security"
	"github.com/emergency-agent/backend/pkg/config"
	appLogger "github.com/emergency-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting emergency equipment recommendation API server")
	metrics.Init()

	ctx := context.Background()
	svc, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to build recommendation pipeline", zap.Error(err))
	}
	defer svc.Close()

	if err := svc.Seed(ctx, ""); err != nil {
		appLogger.Warn("Failed to load regulation seed", zap.String("path", cfg.Seed.Path), zap.Error(err))
	}

	server := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Server.Development}))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimitPerMinute,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	server.Get("/metrics", metrics.MetricsHandler())

	routes := handlers.Routes{
		Recommender: svc.Engine,
		Audit:       svc.Audit,
	}
	if svc.Indexer != nil {
		routes.Indexer = svc.Indexer
	}
	handlers.Register(server.Group("/api/v1", limiter.Middleware(), security.RequireJSON()), routes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
