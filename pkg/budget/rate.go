package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy bounds call and token throughput per key. Zero fields disable
// that dimension.
type RatePolicy struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	Burst             int `json:"burst" yaml:"burst"`
}

// RateDecision is the result of a rate gate. Throttled calls carry
// RetryAfter instead of failing hard.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter is the independent throughput gate in front of dispatch.
type RateLimiter interface {
	Allow(ctx context.Context, key string, tokens int) (RateDecision, error)
}

func (p RatePolicy) requestBurst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	if p.RequestsPerMinute > 0 {
		return p.RequestsPerMinute
	}
	return 1
}

// MemoryLimiter is a single-instance RateLimiter over x/time/rate.
type MemoryLimiter struct {
	policy RatePolicy
	clock  func() time.Time

	mu       sync.Mutex
	requests map[string]*rate.Limiter
	tokens   map[string]*rate.Limiter
}

// NewMemoryLimiter creates a limiter applying policy to every key.
func NewMemoryLimiter(policy RatePolicy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:   policy,
		clock:    time.Now,
		requests: make(map[string]*rate.Limiter),
		tokens:   make(map[string]*rate.Limiter),
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	m.clock = clock
	return m
}

func (m *MemoryLimiter) limiters(key string) (*rate.Limiter, *rate.Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[key]
	if !ok && m.policy.RequestsPerMinute > 0 {
		req = rate.NewLimiter(rate.Limit(float64(m.policy.RequestsPerMinute)/60), m.policy.requestBurst())
		m.requests[key] = req
	}
	tok, ok := m.tokens[key]
	if !ok && m.policy.TokensPerMinute > 0 {
		tok = rate.NewLimiter(rate.Limit(float64(m.policy.TokensPerMinute)/60), m.policy.TokensPerMinute)
		m.tokens[key] = tok
	}
	return req, tok
}

// Allow reserves one request and `tokens` tokens for key. If either bucket
// would have to wait, nothing is consumed and RetryAfter reports the wait.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, tokens int) (RateDecision, error) {
	req, tok := m.limiters(key)
	now := m.clock()

	var reservations []*rate.Reservation
	cancel := func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}

	var wait time.Duration
	if req != nil {
		r := req.ReserveN(now, 1)
		if !r.OK() {
			return RateDecision{}, fmt.Errorf("budget: request burst is zero for %s", key)
		}
		reservations = append(reservations, r)
		wait = r.DelayFrom(now)
	}
	if tok != nil && tokens > 0 {
		n := tokens
		if n > tok.Burst() {
			n = tok.Burst()
		}
		r := tok.ReserveN(now, n)
		if !r.OK() {
			cancel()
			return RateDecision{}, fmt.Errorf("budget: token bucket cannot hold %d tokens for %s", n, key)
		}
		reservations = append(reservations, r)
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		cancel()
		return RateDecision{Allowed: false, RetryAfter: wait}, nil
	}
	return RateDecision{Allowed: true}, nil
}
