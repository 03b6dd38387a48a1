package monitor

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/models"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

// BreakerConfig sets the trip threshold and the open cooldown.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// DefaultBreakerConfig trips after 3 consecutive failures for 5 minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, Cooldown: 5 * time.Minute}
}

// Breaker is a per-service circuit breaker. Once the cooldown elapses it
// admits exactly one half-open probe; its outcome closes or re-opens the
// breaker.
type Breaker struct {
	cfg   BreakerConfig
	clock utils.Clock

	mu        sync.Mutex
	failures  int
	open      bool
	openUntil time.Time
	probing   bool
}

// NewBreaker constructs a closed breaker.
func NewBreaker(cfg BreakerConfig, clock utils.Clock) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, clock: utils.ClockOrSystem(clock)}
}

// Allow reports whether a probe may run now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.clock.Now().Before(b.openUntil) || b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.probing = false
	b.openUntil = time.Time{}
}

// RecordFailure counts a failure and reports whether the breaker (re)opened.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.probing || (!b.open && b.failures >= b.cfg.Threshold) {
		b.open = true
		b.probing = false
		b.openUntil = b.clock.Now().Add(b.cfg.Cooldown)
		return true
	}
	return false
}

// State returns the externally visible breaker state.
func (b *Breaker) State() models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitBreakerState{
		Failures:  b.failures,
		Open:      b.open,
		OpenUntil: b.openUntil,
	}
}
