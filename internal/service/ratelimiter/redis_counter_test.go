package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

func newTestCounter(t *testing.T, limits config.RateLimits) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewRedisCounter(rdb, limits)
	c.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	return c, mr
}

func TestCheckAndDecrement_ConsumesUntilLimit(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 3, Period: "day"},
	})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		dec, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, int64(3), dec.Limit)
		assert.Equal(t, 3-i, dec.Remaining)
		assert.Equal(t, "day", dec.Period)
	}

	dec, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)
	assert.Greater(t, dec.ResetAfter, time.Duration(0))
}

func TestCheckAndDecrement_BucketsAreIsolated(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 1, Period: "day"},
		domain.CategoryRefineConcept:   {Limit: 1, Period: "day"},
	})
	ctx := context.Background()

	dec, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Other category and other user both untouched.
	dec, err = c.CheckAndDecrement(ctx, "u1", domain.CategoryRefineConcept, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	dec, err = c.CheckAndDecrement(ctx, "u2", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckAndDecrement_UnconfiguredCategoryIsUnlimited(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{})
	for i := 0; i < 100; i++ {
		dec, err := c.CheckAndDecrement(context.Background(), "u1", "anything", 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, int64(-1), dec.Limit)
	}
}

func TestCheckAndDecrement_AtomicUnderConcurrency(t *testing.T) {
	const limit, workers = 5, 20
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: limit, Period: "day"},
	})

	var wg sync.WaitGroup
	allowed := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := c.CheckAndDecrement(context.Background(), "u1", domain.CategoryGenerateConcept, 1)
			allowed[i], errs[i] = dec.Allowed, err
		}(i)
	}
	wg.Wait()

	var n int
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if allowed[i] {
			n++
		}
	}
	assert.Equal(t, limit, n)
}

func TestRefund_RestoresTokens(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 1, Period: "day"},
	})
	ctx := context.Background()

	dec, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	dec, err = c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	require.NoError(t, c.Refund(ctx, "u1", domain.CategoryGenerateConcept, 1))
	dec, err = c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestRefund_NeverGoesNegative(t *testing.T) {
	c, mr := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 5, Period: "day"},
	})
	ctx := context.Background()
	require.NoError(t, c.Refund(ctx, "u1", domain.CategoryGenerateConcept, 3))

	start, _ := c.window("day")
	got, err := mr.Get(bucketKey("u1", domain.CategoryGenerateConcept, start))
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}

func TestSnapshot_ReportsAllCategories(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 10, Period: "day"},
		domain.CategoryExportAction:    {Limit: 100, Period: "day"},
	})
	ctx := context.Background()

	_, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(9), snap[domain.CategoryGenerateConcept].Remaining)
	assert.Equal(t, int64(100), snap[domain.CategoryExportAction].Remaining)
	assert.Greater(t, snap[domain.CategoryGenerateConcept].ResetAfterSeconds, int64(0))
}

func TestWindow_RollsOverAtBoundary(t *testing.T) {
	c, _ := newTestCounter(t, config.RateLimits{
		domain.CategoryGenerateConcept: {Limit: 1, Period: "day"},
	})
	ctx := context.Background()

	dec, err := c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	dec, err = c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// The next day is a fresh bucket key regardless of the old key's TTL.
	c.now = func() time.Time { return time.Date(2026, 8, 27, 0, 0, 1, 0, time.UTC) }
	dec, err = c.CheckAndDecrement(ctx, "u1", domain.CategoryGenerateConcept, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}
