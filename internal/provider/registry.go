package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultHealthTTL       = 30 * time.Second
	defaultHealthTimeout   = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// ErrCircuitOpen is returned by Execute while a provider's breaker rejects calls.
var ErrCircuitOpen = errors.New("provider circuit open")

type RegistryOptions struct {
	HealthTTL       time.Duration
	HealthTimeout   time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (o RegistryOptions) normalize() RegistryOptions {
	if o.HealthTTL <= 0 {
		o.HealthTTL = defaultHealthTTL
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = defaultHealthTimeout
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = defaultBreakerFailures
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = defaultBreakerCooldown
	}
	return o
}

// Registration pairs an adapter with the config it was built from.
type Registration struct {
	Adapter Adapter
	Config  domain.ProviderConfig
}

type registryEntry struct {
	key     string
	adapter Adapter
	config  domain.ProviderConfig
	breaker *gobreaker.CircuitBreaker
}

type healthEntry struct {
	healthy   bool
	checkedAt time.Time
}

// Registry owns the configured adapters, their priority order and fallback chains.
// Health checks are cached for HealthTTL; a provider whose breaker is open is unhealthy
// regardless of the cache.
type Registry struct {
	entries map[string]*registryEntry
	ordered []*registryEntry
	opts    RegistryOptions
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	health map[string]healthEntry
	checks singleflight.Group
}

func NewRegistry(registrations []Registration, opts RegistryOptions, logger *zap.Logger) (*Registry, error) {
	if len(registrations) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		entries: make(map[string]*registryEntry, len(registrations)),
		opts:    opts.normalize(),
		logger:  logger,
		now:     time.Now,
		health:  make(map[string]healthEntry, len(registrations)),
	}

	for _, reg := range registrations {
		if reg.Adapter == nil {
			return nil, fmt.Errorf("%w: provider %q has no adapter", domain.ErrValidation, reg.Config.Name)
		}
		cfg := reg.Config
		if strings.TrimSpace(cfg.Name) == "" {
			cfg.Name = reg.Adapter.Name()
		}
		key := normalizeName(cfg.Name)
		if _, exists := r.entries[key]; exists {
			return nil, fmt.Errorf("%w: duplicate provider %q", domain.ErrValidation, cfg.Name)
		}

		e := &registryEntry{key: key, adapter: reg.Adapter, config: cfg}
		e.breaker = r.newBreaker(cfg.Name)
		r.entries[key] = e
		r.ordered = append(r.ordered, e)
	}

	for _, e := range r.ordered {
		for _, fb := range e.config.Fallbacks {
			if _, ok := r.entries[normalizeName(fb)]; !ok {
				return nil, fmt.Errorf("%w: provider %q falls back to unknown provider %q", domain.ErrValidation, e.config.Name, fb)
			}
		}
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].config.Priority < r.ordered[j].config.Priority
	})

	return r, nil
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	failures := r.opts.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// permanent failures describe the message, not the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})
}

// Names returns provider names in priority order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		out = append(out, e.config.Name)
	}
	return out
}

func (r *Registry) Get(name string) (Adapter, bool) {
	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

func (r *Registry) Config(name string) (domain.ProviderConfig, bool) {
	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return domain.ProviderConfig{}, false
	}
	return e.config, true
}

// IsHealthy reports the cached health of a provider, refreshing it when stale.
func (r *Registry) IsHealthy(ctx context.Context, name string) bool {
	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return false
	}
	return r.healthy(ctx, e)
}

func (r *Registry) healthy(ctx context.Context, e *registryEntry) bool {
	if e.breaker.State() == gobreaker.StateOpen {
		return false
	}

	r.mu.Lock()
	cached, ok := r.health[e.key]
	r.mu.Unlock()
	if ok && r.now().Sub(cached.checkedAt) < r.opts.HealthTTL {
		return cached.healthy
	}

	result, _, _ := r.checks.Do(e.key, func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.HealthTimeout)
		defer cancel()

		healthy := e.adapter.HealthCheck(checkCtx)
		r.mu.Lock()
		r.health[e.key] = healthEntry{healthy: healthy, checkedAt: r.now()}
		r.mu.Unlock()

		if !healthy {
			r.logger.Warn("provider health check failed", zap.String("provider", e.config.Name))
		}
		return healthy, nil
	})

	healthy, _ := result.(bool)
	return healthy
}

// Invalidate drops the cached health of a provider so the next lookup re-checks it.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, normalizeName(name))
}

// Health returns the current health of every provider, in priority order.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.ordered))
	for _, e := range r.ordered {
		out[e.config.Name] = r.healthy(ctx, e)
	}
	return out
}

// Select returns the preferred provider when it is healthy, otherwise the first healthy
// provider by priority.
func (r *Registry) Select(ctx context.Context, preferred string) (Adapter, error) {
	chain, err := r.Route(ctx, preferred, nil)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// Route returns the ordered providers a send should try: the primary chosen as in Select,
// then its healthy fallback chain. When the preferred provider is unusable its own
// fallbacks are appended after the primary's. Providers that cannot carry msg are skipped.
func (r *Registry) Route(ctx context.Context, preferred string, msg *domain.Message) ([]Adapter, error) {
	usable := func(e *registryEntry) bool {
		return e.adapter.Capabilities().Supports(msg) && r.healthy(ctx, e)
	}

	seen := make(map[string]struct{}, len(r.ordered))
	var chain []Adapter
	add := func(e *registryEntry) {
		if _, dup := seen[e.key]; dup {
			return
		}
		seen[e.key] = struct{}{}
		if usable(e) {
			chain = append(chain, e.adapter)
		}
	}

	var requested *registryEntry
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		e, ok := r.entries[normalizeName(preferred)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, preferred)
		}
		if usable(e) {
			add(e)
			r.addFallbacks(e, add)
			return chain, nil
		}
		seen[e.key] = struct{}{}
		requested = e
	}

	for _, e := range r.ordered {
		if _, tried := seen[e.key]; tried {
			continue
		}
		if !usable(e) {
			seen[e.key] = struct{}{}
			continue
		}
		add(e)
		r.addFallbacks(e, add)
		if requested != nil {
			r.addFallbacks(requested, add)
		}
		return chain, nil
	}

	return nil, fmt.Errorf("%w: no healthy provider can carry the message", domain.ErrNoAvailableProvider)
}

func (r *Registry) addFallbacks(e *registryEntry, add func(*registryEntry)) {
	for _, fb := range e.config.Fallbacks {
		if next, ok := r.entries[normalizeName(fb)]; ok {
			add(next)
		}
	}
}

// Execute runs fn through the provider's circuit breaker. Retryable failures count
// toward tripping it.
func (r *Registry) Execute(name string, fn func() (*domain.MessageResponse, error)) (*domain.MessageResponse, error) {
	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, name)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, e.config.Name, err)
	}
	if err != nil {
		return nil, err
	}

	resp, _ := result.(*domain.MessageResponse)
	return resp, nil
}

// ExecuteBatch is Execute for native batch calls.
func (r *Registry) ExecuteBatch(name string, fn func() ([]domain.MessageResponse, error)) ([]domain.MessageResponse, error) {
	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, name)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, e.config.Name, err)
	}
	if err != nil {
		return nil, err
	}

	responses, _ := result.([]domain.MessageResponse)
	return responses, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
