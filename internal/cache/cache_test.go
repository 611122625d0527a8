package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testCache(t *testing.T) (*ConfidenceCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := New(Config{Addr: mr.Addr(), TTL: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestPutAndGet(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	snap := Snapshot{
		Pattern:    "ingest",
		Confidence: 0.83,
		Trials:     12,
		Successes:  10,
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, c.Put(ctx, snap))

	got, found, err := c.Get(ctx, "ingest")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, got)
}

func TestGetMissIsNotAnError(t *testing.T) {
	c, _ := testCache(t)

	_, found, err := c.Get(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestPutSetsTTL(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, Snapshot{Pattern: "ingest", Confidence: 0.7}))
	assert.Equal(t, time.Hour, mr.TTL("pattern:confidence:ingest"))

	// Expired snapshots read back as misses.
	mr.FastForward(2 * time.Hour)
	_, found, err := c.Get(ctx, "ingest")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, Snapshot{Pattern: "ingest", Confidence: 0.7}))
	require.NoError(t, c.Delete(ctx, "ingest"))

	_, found, err := c.Get(ctx, "ingest")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestOverwriteKeepsLatest(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, Snapshot{Pattern: "ingest", Confidence: 0.4}))
	require.NoError(t, c.Put(ctx, Snapshot{Pattern: "ingest", Confidence: 0.9}))

	got, found, err := c.Get(ctx, "ingest")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestMissesNeverTripBreaker(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	// Far more consecutive misses than the breaker's failure threshold.
	for i := 0; i < 20; i++ {
		_, found, err := c.Get(ctx, "ghost")
		require.NoError(t, err)
		require.False(t, found)
	}

	require.NoError(t, c.Put(ctx, Snapshot{Pattern: "ingest", Confidence: 0.6}))
	_, found, err := c.Get(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, found)
}
