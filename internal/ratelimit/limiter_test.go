package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(client)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_ConsumesBurstThenDenies(t *testing.T) {
	l, _ := setupLimiter(t)
	limits := Limits{PerMinute: 60, Burst: 5}

	for i := 0; i < 5; i++ {
		d, err := l.Allow(context.Background(), "key:abc", limits, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst should be allowed", i)
	}

	d, err := l.Allow(context.Background(), "key:abc", limits, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l, now := setupLimiter(t)
	limits := Limits{PerMinute: 60, Burst: 2} // 1 token/sec

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), "key:refill", limits, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Allow(context.Background(), "key:refill", limits, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Two seconds refills two tokens at 60/min.
	*now = now.Add(2 * time.Second)
	d, err = l.Allow(context.Background(), "key:refill", limits, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(context.Background(), "key:refill", limits, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_RetryAfterMatchesDeficit(t *testing.T) {
	l, _ := setupLimiter(t)
	limits := Limits{PerMinute: 60, Burst: 1} // 1 token/sec

	d, err := l.Allow(context.Background(), "key:wait", limits, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(context.Background(), "key:wait", limits, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	// Bucket is empty, cost 1 at 1 token/sec: roughly one second to refill.
	assert.InDelta(t, float64(time.Second), float64(d.RetryAfter), float64(50*time.Millisecond))
}

func TestAllow_DailyCeiling(t *testing.T) {
	l, _ := setupLimiter(t)
	limits := Limits{PerMinute: 600, PerDay: 3, Burst: 10}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "key:daily", limits, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Allow(context.Background(), "key:daily", limits, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// Denied by the daily window: retry at next UTC midnight (12h from the
	// fixed noon clock).
	assert.Equal(t, 12*time.Hour, d.RetryAfter)
}

func TestAllow_CostLargerThanOne(t *testing.T) {
	l, _ := setupLimiter(t)
	limits := Limits{PerMinute: 60, Burst: 10}

	d, err := l.Allow(context.Background(), "key:batch", limits, 8)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// 2 tokens left; a cost-5 call must be rejected atomically, consuming nothing.
	d, err = l.Allow(context.Background(), "key:batch", limits, 5)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Allow(context.Background(), "key:batch", limits, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_ZeroLimitDisables(t *testing.T) {
	l, _ := setupLimiter(t)

	d, err := l.Allow(context.Background(), "key:off", Limits{}, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_SubjectsAreIndependent(t *testing.T) {
	l, _ := setupLimiter(t)
	limits := Limits{PerMinute: 60, Burst: 1}

	d, err := l.Allow(context.Background(), "ip:1.2.3.4", limits, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(context.Background(), "ip:5.6.7.8", limits, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a drained bucket must not affect other subjects")
}
