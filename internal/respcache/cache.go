package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/model"
)

const statsLogEvery = 50

// CachedResponse is a finished answer kept for replay. Entries are owned by
// the cache; callers must not mutate returned values.
type CachedResponse struct {
	ResponseText string
	SourceChunks []*model.RetrievedChunk
	TokenCount   int
	CreatedAt    time.Time
	HitCount     int
}

type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
}

// Cache maps a query fingerprint to a previously generated answer. Eviction
// is least-recently-used at a fixed capacity; entries also expire after a
// TTL independently of recency.
type Cache struct {
	maxSize int

	mu     sync.Mutex
	lru    *expirable.LRU[string, *CachedResponse]
	hits   uint64
	misses uint64
	total  uint64
}

func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		maxSize: cfg.MaxSize,
		lru:     expirable.NewLRU[string, *CachedResponse](cfg.MaxSize, nil, time.Duration(cfg.TTLHours)*time.Hour),
	}
}

// ComputeKey fingerprints a request. Document ids are deduplicated and
// sorted first so selection order never affects the key; focus offsets are
// folded in so queries differing only in focus stay distinct.
func ComputeKey(query string, documentIDs []string, focus *model.FocusContext) string {
	seen := make(map[string]struct{}, len(documentIDs))
	docs := make([]string, 0, len(documentIDs))
	for _, id := range documentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		docs = append(docs, id)
	}
	sort.Strings(docs)

	focusPart := ""
	if focus != nil {
		focusPart = fmt.Sprintf(":%d:%d", focus.StartChar, focus.EndChar)
	}
	content := query + ":" + strings.Join(docs, ",") + focusPart
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

func (c *Cache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	cached, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	cached.HitCount++
	c.hits++

	logger := logutil.GetLogger(ctx)
	logger.Debug("response cache hit", zap.String("cache_key", key[:16]))
	if c.total%statsLogEvery == 0 {
		stats := c.statsLocked()
		logger.Info("response cache stats",
			zap.Uint64("hits", stats.Hits),
			zap.Uint64("misses", stats.Misses),
			zap.Float64("hit_rate", stats.HitRate),
			zap.Int("size", stats.Size),
		)
	}
	return cached, true
}

func (c *Cache) Set(ctx context.Context, key string, responseText string, sources []*model.RetrievedChunk, tokenCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &CachedResponse{
		ResponseText: responseText,
		SourceChunks: sources,
		TokenCount:   tokenCount,
		CreatedAt:    time.Now(),
	})
}

// InvalidateDocument drops every entry whose sources reference the document
// and returns how many were removed.
func (c *Cache) InvalidateDocument(ctx context.Context, documentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	for _, key := range c.lru.Keys() {
		cached, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		for _, chunk := range cached.SourceChunks {
			if chunk.DocumentID == documentID {
				stale = append(stale, key)
				break
			}
		}
	}
	for _, key := range stale {
		c.lru.Remove(key)
	}
	if len(stale) > 0 {
		logutil.GetLogger(ctx).Info("cache entries invalidated for document",
			zap.String("document_id", documentID),
			zap.Int("entries", len(stale)),
		)
	}
	return len(stale)
}

func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.lru.Len()
	c.lru.Purge()
	logutil.GetLogger(ctx).Info("response cache cleared", zap.Int("entries", count))
	return count
}

func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Cache) statsLocked() Stats {
	hitRate := 0.0
	if c.total > 0 {
		hitRate = float64(c.hits) / float64(c.total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
	}
}
