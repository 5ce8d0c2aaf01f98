package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/delivery-engine/internal/bootstrap"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The dispatcher consumes delivery events from RabbitMQ and drives webhook deliveries.
// It serves health, metrics and the delivery lookup routes on API_PORT.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	if cfg.EventBus != config.EventBusRabbitMQ {
		log.Fatalf("dispatcher requires EVENT_BUS=%s", config.EventBusRabbitMQ)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName+"-dispatcher")
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

	store, err := bootstrap.NewDeliveryStore(cfg, infra.Redis)
	if err != nil {
		logger.Fatal("webhook delivery store initialization failed", zap.Error(err))
	}
	if infra.Redis == nil {
		logger.Warn("REDIS_URL not set, webhook deliveries are kept in memory only")
	}

	webhooks, err := bootstrap.NewWebhookQueue(cfg, store, metrics, audit, logger)
	if err != nil {
		logger.Fatal("webhook queue initialization failed", zap.Error(err))
	}

	bus, err := bootstrap.NewEventBus(cfg, infra, logger)
	if err != nil {
		logger.Fatal("event bus initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName + "-dispatcher",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
	})
	app.Use(handler.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	checks := []handler.ReadinessCheck{handler.ConnectedCheck("rabbitmq", infra.Rabbit.Connected)}
	if infra.Redis != nil {
		checks = append(checks, handler.RedisCheck(infra.Redis))
	}
	if infra.SQL != nil {
		checks = append(checks, handler.PostgresCheck(infra.SQL))
	}
	handler.RegisterHealthRoutes(app, checks...)
	if err := handler.RegisterWebhookRoutes(app, webhooks); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webhooks.Start(gctx)
	})
	g.Go(func() error {
		return bus.Consumer.Consume(gctx, webhooks.HandleEvent)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("delivery-engine dispatcher started",
			zap.String("addr", addr),
			zap.Int("endpoints", len(cfg.Webhooks.Endpoints)),
		)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout())
	})

	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped with error", zap.Error(err))
	}
	logger.Info("delivery-engine dispatcher stopped")
}
