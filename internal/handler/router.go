package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Documents *DocumentHandler
	Chat      *ChatHandler
	Stats     *StatsHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/documents", deps.Documents.Create)
	api.POST("/documents/upload", deps.Documents.Upload)
	api.GET("/documents", deps.Documents.List)
	api.GET("/documents/:id", deps.Documents.Get)
	api.GET("/documents/:id/file", deps.Documents.Download)
	api.PUT("/documents/:id", deps.Documents.Update)
	api.DELETE("/documents/:id", deps.Documents.Delete)

	api.POST("/sessions", deps.Chat.CreateSession)
	api.GET("/sessions", deps.Chat.ListSessions)
	api.GET("/sessions/:id/messages", deps.Chat.ListMessages)
	api.DELETE("/sessions/:id", deps.Chat.DeleteSession)
	api.POST("/chat", deps.Chat.Chat)

	api.GET("/stats/cache", deps.Stats.CacheStats)
	api.POST("/stats/cache/clear", deps.Stats.ClearCache)
	api.GET("/stats/breaker", deps.Stats.BreakerState)
	api.GET("/stats/ratelimit", deps.Stats.RateLimitState)
}
