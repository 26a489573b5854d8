package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig configures provider dispatch protection.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// HalfOpenProbes successful probes close the breaker; it is also the
	// number of probes allowed in flight at once.
	HalfOpenProbes int `yaml:"half_open_probes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker fails closed after repeated provider failures until recovery
// probes succeed.
type Breaker struct {
	cfg    BreakerConfig
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &Breaker{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "gateway.breaker"),
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// State returns the current position, advancing open to half-open when
// the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.inFlight = 0
		b.successes = 0
	}
}

// Allow reports whether a call may reach the provider. A true result in
// half-open state reserves a probe slot that Record releases.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.inFlight < b.cfg.HalfOpenProbes {
			b.inFlight++
			return true
		}
	}
	return false
}

// Record reports the result of an allowed call.
func (b *Breaker) Record(ctx context.Context, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(ctx)
		}
	case BreakerHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		if !ok {
			b.trip(ctx)
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			b.state = BreakerClosed
			b.failures = 0
			b.logger.InfoContext(ctx, "circuit breaker closed")
		}
	}
}

// Release returns a reserved probe slot without judging the provider, for
// calls that were allowed but never reached it.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

func (b *Breaker) trip(ctx context.Context) {
	b.state = BreakerOpen
	b.openedAt = b.clock()
	b.logger.WarnContext(ctx, "circuit breaker opened", "failure_count", b.failures)
}
