package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/askdoc/internal/breaker"
	"github.com/xxxsen/askdoc/internal/pkg/response"
	"github.com/xxxsen/askdoc/internal/ratelimit"
	"github.com/xxxsen/askdoc/internal/respcache"
)

type StatsHandler struct {
	cache   *respcache.Cache
	brk     *breaker.Breaker
	limiter *ratelimit.Limiter
}

func NewStatsHandler(cache *respcache.Cache, brk *breaker.Breaker, limiter *ratelimit.Limiter) *StatsHandler {
	return &StatsHandler{cache: cache, brk: brk, limiter: limiter}
}

func (h *StatsHandler) CacheStats(c *gin.Context) {
	response.Success(c, h.cache.GetStats())
}

func (h *StatsHandler) ClearCache(c *gin.Context) {
	removed := h.cache.Clear(c.Request.Context())
	response.Success(c, gin.H{"removed": removed})
}

func (h *StatsHandler) BreakerState(c *gin.Context) {
	response.Success(c, h.brk.Stats())
}

func (h *StatsHandler) RateLimitState(c *gin.Context) {
	sessionID := c.Query("session_id")
	response.Success(c, gin.H{
		"session_id":     sessionID,
		"query_count":    h.limiter.QueryCount(sessionID),
		"active_streams": h.limiter.ActiveStreams(sessionID),
	})
}
