package retry

import (
	"math"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultMaxAttempts   = 3
	defaultInitialDelay  = time.Second
	defaultMaxDelay      = 5 * time.Minute
	defaultBackoffFactor = 2.0
)

// Policy is a capped exponential backoff without jitter, so consecutive delays never
// decrease.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   defaultMaxAttempts,
		InitialDelay:  defaultInitialDelay,
		MaxDelay:      defaultMaxDelay,
		BackoffFactor: defaultBackoffFactor,
	}
}

// FromProviderConfig fills unset fields of a provider retry config with defaults.
func FromProviderConfig(cfg domain.RetryConfig) Policy {
	return Policy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}.Normalize()
}

// Normalize replaces zero or invalid values with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = defaultBackoffFactor
	}
	return p
}

// Delay returns min(MaxDelay, InitialDelay * BackoffFactor^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
