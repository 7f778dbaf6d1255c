package respcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/model"
)

func newTestCache(maxSize int) *Cache {
	return New(config.CacheConfig{MaxSize: maxSize, TTLHours: 24})
}

func sourceFor(docID string) []*model.RetrievedChunk {
	return []*model.RetrievedChunk{{
		ChunkID:    docID + "-c0",
		DocumentID: docID,
		Similarity: 0.9,
		TokenCount: 100,
	}}
}

func TestComputeKeyDeterministic(t *testing.T) {
	k1 := ComputeKey("what is x", []string{"b", "a"}, nil)
	k2 := ComputeKey("what is x", []string{"a", "b", "a"}, nil)
	require.Equal(t, k1, k2)

	require.NotEqual(t, k1, ComputeKey("what is y", []string{"a", "b"}, nil))
	require.NotEqual(t, k1, ComputeKey("what is x", []string{"a"}, nil))

	focus := &model.FocusContext{StartChar: 10, EndChar: 20}
	kf := ComputeKey("what is x", []string{"a", "b"}, focus)
	require.NotEqual(t, k1, kf)
	require.NotEqual(t, kf, ComputeKey("what is x", []string{"a", "b"}, &model.FocusContext{StartChar: 10, EndChar: 21}))
}

func TestCacheGetSetAndHitCount(t *testing.T) {
	c := newTestCache(10)
	ctx := context.Background()
	key := ComputeKey("q", []string{"d1"}, nil)

	_, ok := c.Get(ctx, key)
	require.False(t, ok)

	c.Set(ctx, key, "answer", sourceFor("d1"), 42)
	cached, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, "answer", cached.ResponseText)
	require.Equal(t, 42, cached.TokenCount)
	require.Equal(t, 1, cached.HitCount)

	cached, ok = c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, 2, cached.HitCount)

	stats := c.GetStats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestCacheCapacityEvictsLRU(t *testing.T) {
	c := newTestCache(3)
	ctx := context.Background()

	keys := make([]string, 4)
	for i := 0; i < 4; i++ {
		keys[i] = ComputeKey(fmt.Sprintf("q%d", i), []string{"d"}, nil)
	}
	c.Set(ctx, keys[0], "a0", sourceFor("d"), 1)
	c.Set(ctx, keys[1], "a1", sourceFor("d"), 1)
	c.Set(ctx, keys[2], "a2", sourceFor("d"), 1)

	// Touch keys[0] so keys[1] becomes the least recently used.
	_, ok := c.Get(ctx, keys[0])
	require.True(t, ok)

	c.Set(ctx, keys[3], "a3", sourceFor("d"), 1)
	require.Equal(t, 3, c.GetStats().Size)

	_, ok = c.Get(ctx, keys[1])
	require.False(t, ok)
	_, ok = c.Get(ctx, keys[0])
	require.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := &Cache{
		maxSize: 10,
		lru:     expirable.NewLRU[string, *CachedResponse](10, nil, 30*time.Millisecond),
	}
	ctx := context.Background()
	key := ComputeKey("q", []string{"d"}, nil)
	c.Set(ctx, key, "answer", sourceFor("d"), 1)

	_, ok := c.Get(ctx, key)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(ctx, key)
	require.False(t, ok)
}

func TestInvalidateDocument(t *testing.T) {
	c := newTestCache(10)
	ctx := context.Background()

	k1 := ComputeKey("q1", []string{"d1"}, nil)
	k2 := ComputeKey("q2", []string{"d1", "d2"}, nil)
	k3 := ComputeKey("q3", []string{"d3"}, nil)
	c.Set(ctx, k1, "a1", sourceFor("d1"), 1)
	c.Set(ctx, k2, "a2", append(sourceFor("d1"), sourceFor("d2")...), 1)
	c.Set(ctx, k3, "a3", sourceFor("d3"), 1)

	removed := c.InvalidateDocument(ctx, "d1")
	require.Equal(t, 2, removed)

	_, ok := c.Get(ctx, k1)
	require.False(t, ok)
	_, ok = c.Get(ctx, k2)
	require.False(t, ok)
	_, ok = c.Get(ctx, k3)
	require.True(t, ok)

	require.Equal(t, 0, c.InvalidateDocument(ctx, "d1"))
}

func TestClear(t *testing.T) {
	c := newTestCache(10)
	ctx := context.Background()
	c.Set(ctx, "k1", "a", sourceFor("d"), 1)
	c.Set(ctx, "k2", "b", sourceFor("d"), 1)
	require.Equal(t, 2, c.Clear(ctx))
	require.Equal(t, 0, c.GetStats().Size)
}
