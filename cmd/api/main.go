package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/delivery-engine/internal/bootstrap"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.OpenInfra(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close() //nolint:errcheck

	metrics := observability.NewMetrics(logger)
	audit := infra.AuditSink(logger.Named("audit"))

	registry, err := bootstrap.NewRegistry(cfg, logger.Named("registry"))
	if err != nil {
		logger.Fatal("provider registry initialization failed", zap.Error(err))
	}

	limiter, err := bootstrap.NewLimiter(cfg, infra.Redis)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	bus, err := bootstrap.NewEventBus(cfg, infra, logger)
	if err != nil {
		logger.Fatal("event bus initialization failed", zap.Error(err))
	}

	policy, err := service.ParseRateLimitPolicy(cfg.RateLimitPolicy)
	if err != nil {
		logger.Fatal("invalid rate limit policy", zap.Error(err))
	}

	deps := service.Dependencies{
		Registry:  registry,
		Limiter:   limiter,
		Publisher: bus.Publisher,
		Metrics:   metrics,
		Audit:     audit,
		Logger:    logger.Named("coordinator"),
	}
	batchRepo := infra.BatchRepository()
	var batches handler.BatchLookup
	if batchRepo != nil {
		deps.Batches = batchRepo
		batches = batchRepo
	}

	coordinator, err := service.NewDeliveryCoordinator(deps, service.Options{
		RateLimitPolicy:     policy,
		MaxWait:             cfg.RateLimitMaxWait(),
		MaxWaiters:          cfg.RateLimitMaxWaiters,
		BatchConcurrency:    cfg.BatchConcurrency,
		AcceptanceThreshold: cfg.AcceptanceThreshold(),
		PublishBudget:       cfg.PublishBudget,
	})
	if err != nil {
		logger.Fatal("delivery coordinator initialization failed", zap.Error(err))
	}

	store, err := bootstrap.NewDeliveryStore(cfg, infra.Redis)
	if err != nil {
		logger.Fatal("webhook delivery store initialization failed", zap.Error(err))
	}
	webhooks, err := bootstrap.NewWebhookQueue(cfg, store, metrics, audit, logger)
	if err != nil {
		logger.Fatal("webhook queue initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
	})
	app.Use(recover.New())
	app.Use(handler.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	checks := []handler.ReadinessCheck{handler.ProvidersCheck(coordinator.ProviderHealth)}
	if infra.SQL != nil {
		checks = append(checks, handler.PostgresCheck(infra.SQL))
	}
	if infra.Redis != nil {
		checks = append(checks, handler.RedisCheck(infra.Redis))
	}
	if infra.Rabbit != nil {
		checks = append(checks, handler.ConnectedCheck("rabbitmq", infra.Rabbit.Connected))
	}
	handler.RegisterHealthRoutes(app, checks...)

	if err := handler.RegisterMessageRoutes(app, coordinator, batches); err != nil {
		logger.Fatal("message routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterProviderRoutes(app, coordinator); err != nil {
		logger.Fatal("provider routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, webhooks); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}

	// Workers outlive the signal context so the bus can drain after the coordinator
	// flushes its last events.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	workers, workerCtx := errgroup.WithContext(workerCtx)
	consumed := make(chan struct{})
	if cfg.RunDispatcherInProcess {
		workers.Go(func() error {
			return webhooks.Start(workerCtx)
		})
		workers.Go(func() error {
			defer close(consumed)
			return bus.Consumer.Consume(workerCtx, webhooks.HandleEvent)
		})
	} else {
		close(consumed)
	}

	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("delivery-engine api started",
			zap.String("addr", addr),
			zap.Strings("providers", registry.Names()),
			zap.String("eventBus", cfg.EventBus),
			zap.String("rateLimitBackend", cfg.RateLimitBackend),
			zap.Bool("dispatcher", cfg.RunDispatcherInProcess),
		)
		serverErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout()); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := coordinator.Close(); err != nil {
		logger.Error("event publisher close failed", zap.Error(err))
	}
	if cfg.EventBus == config.EventBusInProcess {
		select {
		case <-consumed:
		case <-time.After(cfg.ShutdownTimeout()):
			logger.Warn("event bus did not drain before shutdown timeout")
		}
	}
	cancelWorkers()
	if err := workers.Wait(); err != nil {
		logger.Error("background worker failed", zap.Error(err))
	}

	logger.Info("delivery-engine api stopped")
}
