package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind enumerates the supported adapter implementations.
type ProviderKind string

const (
	ProviderKindSES      ProviderKind = "ses"
	ProviderKindSendGrid ProviderKind = "sendgrid"
	ProviderKindMock     ProviderKind = "mock"
)

func (k ProviderKind) String() string { return string(k) }

func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderKindSES, ProviderKindSendGrid, ProviderKindMock:
		return true
	}
	return false
}

func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid provider kind %q", ErrValidation, s)
	}
	return k, nil
}

// RateLimitConfig bounds calls into a single provider. Zero windows are disabled.
type RateLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// RetryConfig is the retry policy for one provider.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// ProviderConfig is loaded once at startup and never mutated afterwards.
type ProviderConfig struct {
	Name          string          `yaml:"name"`
	Kind          ProviderKind    `yaml:"kind"`
	Endpoint      string          `yaml:"endpoint"`
	APIKey        string          `yaml:"api_key"`
	WebhookSecret string          `yaml:"webhook_secret"`
	Region        string          `yaml:"region"`
	Priority      int             `yaml:"priority"`
	Timeout       time.Duration   `yaml:"timeout"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Retry         RetryConfig     `yaml:"retry"`
	Fallbacks     []string        `yaml:"fallbacks"`
}

func (c ProviderConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: provider name is required", ErrValidation)
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: provider %q has invalid kind %q", ErrValidation, c.Name, c.Kind)
	}
	if c.Kind != ProviderKindMock && strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: provider %q endpoint is required", ErrValidation, c.Name)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: provider %q retry max attempts must be >= 0", ErrValidation, c.Name)
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("%w: provider %q backoff factor must be >= 1", ErrValidation, c.Name)
	}
	for _, fb := range c.Fallbacks {
		if strings.EqualFold(strings.TrimSpace(fb), c.Name) {
			return fmt.Errorf("%w: provider %q lists itself as fallback", ErrValidation, c.Name)
		}
	}
	return nil
}
