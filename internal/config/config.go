package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port      int              `json:"port"`
	LogConfig logger.LogConfig `json:"log_config"`
	Database  DatabaseConfig   `json:"database"`
	FileStore FileStoreConfig  `json:"file_store"`
	AI        AIConfig         `json:"ai"`
	Chunker   ChunkerConfig    `json:"chunker"`
	RAG       RAGConfig        `json:"rag"`
	Pricing   PricingConfig    `json:"pricing"`
	Cache     CacheConfig      `json:"cache"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
	Breaker   BreakerConfig    `json:"breaker"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type AIConfig struct {
	Chat           ProviderConfig   `json:"chat"`
	Embed          ProviderConfig   `json:"embed"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	EmbedCache     EmbedCacheConfig `json:"embed_cache"`
}

type ProviderConfig struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type EmbedCacheConfig struct {
	Size       int `json:"size"`
	TTLMinutes int `json:"ttl_minutes"`
}

type ChunkerConfig struct {
	TargetTokens int     `json:"target_tokens"`
	MinTokens    int     `json:"min_tokens"`
	MaxTokens    int     `json:"max_tokens"`
	OverlapRatio float64 `json:"overlap_ratio"`
}

type RAGConfig struct {
	SimilarityThreshold    float64 `json:"similarity_threshold"`
	FocusBoost             float64 `json:"focus_boost"`
	TopKDocuments          int     `json:"top_k_documents"`
	DefaultNResults        int     `json:"default_n_results"`
	TokenBudget            int     `json:"token_budget"`
	MaxFallbackDocuments   int     `json:"max_fallback_documents"`
	GenerateTimeoutSeconds int     `json:"generate_timeout_seconds"`
	MaxMessageLength       int     `json:"max_message_length"`
}

type PricingConfig struct {
	PromptUSDPerMTok       float64 `json:"prompt_usd_per_mtok"`
	CachedPromptUSDPerMTok float64 `json:"cached_prompt_usd_per_mtok"`
	CompletionUSDPerMTok   float64 `json:"completion_usd_per_mtok"`
}

type CacheConfig struct {
	MaxSize  int `json:"max_size"`
	TTLHours int `json:"ttl_hours"`
}

type RateLimitConfig struct {
	QueriesPerHour       int `json:"queries_per_hour"`
	MaxConcurrentStreams int `json:"max_concurrent_streams"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

type BreakerConfig struct {
	FailureThreshold       int `json:"failure_threshold"`
	SuccessThreshold       int `json:"success_threshold"`
	RecoveryTimeoutSeconds int `json:"recovery_timeout_seconds"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return nil, fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AI.TimeoutSeconds <= 0 {
		cfg.AI.TimeoutSeconds = 30
	}
	if cfg.AI.EmbedCache.Size == 0 {
		cfg.AI.EmbedCache.Size = 10000
	}
	if cfg.AI.EmbedCache.TTLMinutes == 0 {
		cfg.AI.EmbedCache.TTLMinutes = 120
	}
	if cfg.Chunker.TargetTokens <= 0 {
		cfg.Chunker.TargetTokens = 800
	}
	if cfg.Chunker.MinTokens <= 0 {
		cfg.Chunker.MinTokens = 512
	}
	if cfg.Chunker.MaxTokens <= 0 {
		cfg.Chunker.MaxTokens = 1024
	}
	if cfg.Chunker.OverlapRatio <= 0 {
		cfg.Chunker.OverlapRatio = 0.15
	}
	if cfg.RAG.SimilarityThreshold <= 0 {
		cfg.RAG.SimilarityThreshold = 0.7
	}
	if cfg.RAG.FocusBoost <= 0 {
		cfg.RAG.FocusBoost = 0.15
	}
	if cfg.RAG.TopKDocuments <= 0 {
		cfg.RAG.TopKDocuments = 3
	}
	if cfg.RAG.DefaultNResults <= 0 {
		cfg.RAG.DefaultNResults = 5
	}
	if cfg.RAG.TokenBudget <= 0 {
		cfg.RAG.TokenBudget = 8000
	}
	if cfg.RAG.MaxFallbackDocuments <= 0 {
		cfg.RAG.MaxFallbackDocuments = 20
	}
	if cfg.RAG.GenerateTimeoutSeconds <= 0 {
		cfg.RAG.GenerateTimeoutSeconds = 60
	}
	if cfg.RAG.MaxMessageLength <= 0 {
		cfg.RAG.MaxMessageLength = 6000
	}
	if cfg.Pricing.PromptUSDPerMTok <= 0 {
		cfg.Pricing.PromptUSDPerMTok = 0.28
	}
	if cfg.Pricing.CachedPromptUSDPerMTok <= 0 {
		cfg.Pricing.CachedPromptUSDPerMTok = 0.028
	}
	if cfg.Pricing.CompletionUSDPerMTok <= 0 {
		cfg.Pricing.CompletionUSDPerMTok = 0.42
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = 500
	}
	if cfg.Cache.TTLHours <= 0 {
		cfg.Cache.TTLHours = 24
	}
	if cfg.RateLimit.QueriesPerHour <= 0 {
		cfg.RateLimit.QueriesPerHour = 100
	}
	if cfg.RateLimit.MaxConcurrentStreams <= 0 {
		cfg.RateLimit.MaxConcurrentStreams = 5
	}
	if cfg.RateLimit.SweepIntervalMinutes <= 0 {
		cfg.RateLimit.SweepIntervalMinutes = 5
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.RecoveryTimeoutSeconds <= 0 {
		cfg.Breaker.RecoveryTimeoutSeconds = 60
	}
}
