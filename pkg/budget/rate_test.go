package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryLimiter_RequestBurst(t *testing.T) {
	clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(RatePolicy{RequestsPerMinute: 60, Burst: 2}).WithClock(clk.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "sess-1", 0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Allow(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(10*time.Millisecond))

	other, err := l.Allow(ctx, "sess-2", 0)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(time.Second)
	d, err = l.Allow(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_TokensPerMinute(t *testing.T) {
	clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(RatePolicy{TokensPerMinute: 6000}).WithClock(clk.Now)
	ctx := context.Background()

	d, err := l.Allow(ctx, "k", 5000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "k", 2000)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	clk.Advance(11 * time.Second)
	d, err = l.Allow(ctx, "k", 2000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_ThrottleConsumesNothing(t *testing.T) {
	clk := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(RatePolicy{RequestsPerMinute: 600, Burst: 5, TokensPerMinute: 1000}).WithClock(clk.Now)
	ctx := context.Background()

	d, err := l.Allow(ctx, "k", 1000)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Token bucket is empty: repeated denials must not drain the request bucket.
	for i := 0; i < 10; i++ {
		d, err = l.Allow(ctx, "k", 500)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	d, err = l.Allow(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_ZeroPolicyIsUnlimited(t *testing.T) {
	l := NewMemoryLimiter(RatePolicy{})
	for i := 0; i < 100; i++ {
		d, err := l.Allow(context.Background(), "k", 1_000_000)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
