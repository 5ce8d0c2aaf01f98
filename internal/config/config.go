package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	EventBusInProcess = "inprocess"
	EventBusRabbitMQ  = "rabbitmq"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config is loaded once at startup and never mutated afterwards. Scalars come from the
// environment; providers and webhook endpoints come from the YAML file at CONFIG_FILE.
type Config struct {
	ConfigFile  string `env:"CONFIG_FILE,required=true"`
	ServiceName string `env:"SERVICE_NAME,default=delivery-engine"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	DatabaseDSN string `env:"DATABASE_DSN"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	EventBus         string `env:"EVENT_BUS,default=inprocess"`
	EventBusCapacity int    `env:"EVENT_BUS_CAPACITY,default=1024"`
	PublishBudget    int    `env:"EVENT_PUBLISH_BUDGET,default=256"`

	RateLimitBackend    string `env:"RATE_LIMIT_BACKEND,default=memory"`
	RateLimitPolicy     string `env:"RATE_LIMIT_POLICY,default=fail_fast"`
	RateLimitMaxWaitMs  int    `env:"RATE_LIMIT_MAX_WAIT_MS,default=5000"`
	RateLimitMaxWaiters int    `env:"RATE_LIMIT_MAX_WAITERS,default=64"`

	BatchConcurrency       int    `env:"BATCH_CONCURRENCY,default=10"`
	BatchAcceptancePercent int    `env:"BATCH_ACCEPTANCE_PERCENT,default=90"`
	DeliveryRetentionHours int    `env:"WEBHOOK_RETENTION_HOURS,default=720"`
	ShutdownTimeoutSec     int    `env:"SHUTDOWN_TIMEOUT_SEC,default=10"`
	WebhookSecretOverride  string `env:"WEBHOOK_SECRET"`
	RunDispatcherInProcess bool   `env:"RUN_DISPATCHER,default=true"`

	Providers []domain.ProviderConfig
	Registry  RegistryConfig
	Webhooks  WebhookConfig
}

// RegistryConfig tunes provider health caching and circuit breaking.
type RegistryConfig struct {
	HealthTTL       time.Duration `yaml:"health_ttl"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// WebhookConfig holds the global webhook defaults and the endpoint list.
type WebhookConfig struct {
	Secret          string                   `yaml:"secret"`
	SignatureHeader string                   `yaml:"signature_header"`
	BatchSize       int                      `yaml:"batch_size"`
	Interval        time.Duration            `yaml:"interval"`
	ResyncInterval  time.Duration            `yaml:"resync_interval"`
	Timeout         time.Duration            `yaml:"timeout"`
	Retry           domain.RetryConfig       `yaml:"retry"`
	Endpoints       []domain.WebhookEndpoint `yaml:"endpoints"`
}

type fileConfig struct {
	Providers []domain.ProviderConfig `yaml:"providers"`
	Registry  RegistryConfig          `yaml:"registry"`
	Webhooks  WebhookConfig           `yaml:"webhooks"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	raw, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	file, err := parseFile(raw)
	if err != nil {
		return nil, err
	}

	cfg.Providers = file.Providers
	cfg.Registry = file.Registry
	cfg.Webhooks = file.Webhooks
	if cfg.WebhookSecretOverride != "" {
		cfg.Webhooks.Secret = cfg.WebhookSecretOverride
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseFile expands ${VAR} references so credentials can stay in the environment.
func parseFile(raw []byte) (fileConfig, error) {
	var file fileConfig
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range file.Providers {
		kind, err := domain.ParseProviderKind(string(file.Providers[i].Kind))
		if err != nil {
			return fileConfig{}, fmt.Errorf("provider %q: %w", file.Providers[i].Name, err)
		}
		file.Providers[i].Kind = kind
	}
	for i := range file.Webhooks.Endpoints {
		format, err := domain.ParsePayloadFormat(string(file.Webhooks.Endpoints[i].Format))
		if err != nil {
			return fileConfig{}, fmt.Errorf("endpoint %q: %w", file.Webhooks.Endpoints[i].ID, err)
		}
		file.Webhooks.Endpoints[i].Format = format
	}
	return file, nil
}

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...))
	}

	switch c.EventBus {
	case EventBusInProcess:
		if !c.RunDispatcherInProcess {
			add("RUN_DISPATCHER must be true when EVENT_BUS=%s", EventBusInProcess)
		}
	case EventBusRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			add("RABBITMQ_URL is required when EVENT_BUS=%s", EventBusRabbitMQ)
		}
	default:
		add("invalid EVENT_BUS %q", c.EventBus)
	}

	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			add("REDIS_URL is required when RATE_LIMIT_BACKEND=%s", RateLimitBackendRedis)
		}
	default:
		add("invalid RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	switch strings.ToLower(strings.TrimSpace(c.RateLimitPolicy)) {
	case "fail_fast", "wait":
	default:
		add("invalid RATE_LIMIT_POLICY %q", c.RateLimitPolicy)
	}

	if c.BatchAcceptancePercent < 1 || c.BatchAcceptancePercent > 100 {
		add("BATCH_ACCEPTANCE_PERCENT must be within 1..100")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		add("invalid API_PORT %d", c.APIPort)
	}

	if len(c.Providers) == 0 {
		add("at least one provider must be configured")
	}
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if _, dup := names[key]; dup {
			add("duplicate provider %q", p.Name)
		}
		names[key] = struct{}{}
	}
	for _, p := range c.Providers {
		for _, fb := range p.Fallbacks {
			if _, ok := names[strings.ToLower(strings.TrimSpace(fb))]; !ok {
				add("provider %q falls back to unknown provider %q", p.Name, fb)
			}
		}
	}

	ids := make(map[string]struct{}, len(c.Webhooks.Endpoints))
	for _, e := range c.Webhooks.Endpoints {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := ids[e.ID]; dup {
			add("duplicate webhook endpoint %q", e.ID)
		}
		if e.Enabled && strings.TrimSpace(e.Secret) == "" && strings.TrimSpace(c.Webhooks.Secret) == "" {
			add("webhook endpoint %q has no signing secret; set webhooks.secret, WEBHOOK_SECRET or the endpoint secret", e.ID)
		}
		ids[e.ID] = struct{}{}
	}
	if c.Webhooks.BatchSize < 0 {
		add("webhook batch_size must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) RateLimitMaxWait() time.Duration {
	return time.Duration(c.RateLimitMaxWaitMs) * time.Millisecond
}

func (c *Config) AcceptanceThreshold() float64 {
	return float64(c.BatchAcceptancePercent) / 100
}

func (c *Config) DeliveryRetention() time.Duration {
	return time.Duration(c.DeliveryRetentionHours) * time.Hour
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
