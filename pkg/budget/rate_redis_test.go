package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisLimiter_Integration requires a running Redis and skips otherwise.
func TestRedisLimiter_Integration(t *testing.T) {
	l := NewRedisLimiter(RedisOptions{Addr: "localhost:6379"}, RatePolicy{RequestsPerMinute: 60, Burst: 1, TokensPerMinute: 600})
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	key := "test-" + uuid.NewString()

	d, err := l.Allow(ctx, key, 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, key, 100)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	time.Sleep(1100 * time.Millisecond)
	d, err = l.Allow(ctx, key, 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
