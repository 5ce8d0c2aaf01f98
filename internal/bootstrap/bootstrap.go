// Package bootstrap builds the engine's components from a loaded Config. Both binaries
// share it so the api and the standalone dispatcher wire storage and transport the same way.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const consumerPrefetch = 16

// Infra holds the optional external connections. A nil field means the dependency is
// not configured.
type Infra struct {
	DB     *gorm.DB
	SQL    *sql.DB
	Redis  *redis.Client
	Rabbit *queue.RabbitMQ
}

// OpenInfra connects to every configured dependency and runs database migrations.
// Connections opened before a failure are closed.
func OpenInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	infra := &Infra{}

	if strings.TrimSpace(cfg.DatabaseDSN) != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres initialization failed: %w", err)
		}
		infra.DB = db

		if err := migrations.Migrate(db); err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		infra.SQL = sqlDB
		logger.Info("postgres connected")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("redis initialization failed: %w", err)
		}
		infra.Redis = rdb
		logger.Info("redis connected")
	}

	if cfg.EventBus == config.EventBusRabbitMQ {
		rmq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		infra.Rabbit = rmq
		logger.Info("rabbitmq connected")
	}

	return infra, nil
}

func (i *Infra) Close() error {
	var errs []error
	if i.Rabbit != nil {
		errs = append(errs, i.Rabbit.Close())
	}
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}
	if i.SQL != nil {
		errs = append(errs, i.SQL.Close())
	} else if i.DB != nil {
		if sqlDB, err := i.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// AuditSink always logs through zap and also persists to postgres when it is configured.
func (i *Infra) AuditSink(logger *zap.Logger) observability.AuditSink {
	zapSink := observability.NewZapAuditSink(logger)
	if i.DB == nil {
		return zapSink
	}
	return observability.NewFanOutAuditSink(zapSink, repository.NewGormAuditRepo(i.DB))
}

// BatchRepository returns nil without postgres; batch verdicts are then only returned
// to the caller.
func (i *Infra) BatchRepository() *repository.GormBatchRepo {
	if i.DB == nil {
		return nil
	}
	return repository.NewGormBatchRepo(i.DB)
}

// NewRegistry builds one adapter per configured provider.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*provider.Registry, error) {
	registrations := make([]provider.Registration, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		adapter, err := provider.NewAdapter(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		registrations = append(registrations, provider.Registration{Adapter: adapter, Config: pc})
	}

	return provider.NewRegistry(registrations, provider.RegistryOptions{
		HealthTTL:       cfg.Registry.HealthTTL,
		HealthTimeout:   cfg.Registry.HealthTimeout,
		BreakerFailures: cfg.Registry.BreakerFailures,
		BreakerCooldown: cfg.Registry.BreakerCooldown,
	}, logger)
}

// NewLimiter returns the per-provider limiter for the configured backend. Keys are
// provider names.
func NewLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.RateLimiter, error) {
	switch cfg.RateLimitBackend {
	case config.RateLimitBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("%w: redis rate limiter requires REDIS_URL", domain.ErrValidation)
		}
		perKey := make(map[string]domain.RateLimitConfig, len(cfg.Providers))
		for _, pc := range cfg.Providers {
			perKey[pc.Name] = pc.RateLimit
		}
		return infraredis.NewRedisRateLimiter(rdb, domain.RateLimitConfig{}, perKey)
	default:
		limiter := ratelimit.NewMultiWindowLimiter(nil)
		for _, pc := range cfg.Providers {
			limiter.Configure(pc.Name, ratelimit.WindowsFromConfig(pc.RateLimit))
		}
		return limiter, nil
	}
}

// NewDeliveryStore prefers the durable redis store and falls back to memory.
func NewDeliveryStore(cfg *config.Config, rdb *redis.Client) (webhook.Store, error) {
	if rdb == nil {
		return webhook.NewMemoryStore(), nil
	}
	return infraredis.NewDeliveryStore(rdb, cfg.DeliveryRetention())
}

func NewWebhookQueue(
	cfg *config.Config,
	store webhook.Store,
	metrics observability.MetricsSink,
	audit observability.AuditSink,
	logger *zap.Logger,
) (*webhook.Queue, error) {
	return webhook.NewQueue(webhook.Dependencies{
		Store:     store,
		Endpoints: cfg.Webhooks.Endpoints,
		Client:    resty.New(),
		Metrics:   metrics,
		Audit:     audit,
		Logger:    logger.Named("webhook"),
	}, webhook.Options{
		BatchSize:       cfg.Webhooks.BatchSize,
		Interval:        cfg.Webhooks.Interval,
		ResyncInterval:  cfg.Webhooks.ResyncInterval,
		Timeout:         cfg.Webhooks.Timeout,
		Retry:           retry.FromProviderConfig(cfg.Webhooks.Retry),
		Secret:          cfg.Webhooks.Secret,
		SignatureHeader: cfg.Webhooks.SignatureHeader,
	})
}

// EventBus pairs the publisher the coordinator writes to with the consumer that feeds
// the webhook queue.
type EventBus struct {
	Publisher queue.Publisher
	Consumer  queue.Consumer
}

func NewEventBus(cfg *config.Config, infra *Infra, logger *zap.Logger) (*EventBus, error) {
	switch cfg.EventBus {
	case config.EventBusRabbitMQ:
		if infra.Rabbit == nil {
			return nil, fmt.Errorf("%w: rabbitmq event bus requires RABBITMQ_URL", domain.ErrValidation)
		}
		return &EventBus{
			Publisher: queue.NewRabbitMQPublisher(infra.Rabbit),
			Consumer:  queue.NewRabbitMQConsumer(infra.Rabbit, consumerPrefetch, logger.Named("consumer")),
		}, nil
	default:
		bus := queue.NewInProcessBus(cfg.EventBusCapacity, logger.Named("bus"))
		return &EventBus{Publisher: bus, Consumer: bus}, nil
	}
}
