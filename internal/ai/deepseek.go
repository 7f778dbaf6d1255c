package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/model"
)

const defaultDeepSeekBaseURL = "https://api.deepseek.com/v1"

type deepseekConfig struct {
	APIKey           string  `json:"api_key"`
	BaseURL          string  `json:"base_url"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	MaxRetries       int     `json:"max_retries"`
}

// deepseekProvider streams chat completions from an OpenAI-compatible API.
// Retries happen here, below the circuit breaker, and only before the first
// token has been relayed; a stream broken midway is surfaced as a failure.
type deepseekProvider struct {
	apiKey           string
	baseURL          string
	temperature      float64
	maxTokens        int
	frequencyPenalty float64
	presencePenalty  float64
	maxRetries       int
	client           *http.Client
}

type deepseekChatRequest struct {
	Model            string               `json:"model"`
	Messages         []*model.ChatMessage `json:"messages"`
	Temperature      float64              `json:"temperature,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	FrequencyPenalty float64              `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64              `json:"presence_penalty,omitempty"`
	Stream           bool                 `json:"stream"`
	StreamOptions    *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type deepseekStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens         int `json:"prompt_tokens"`
		CompletionTokens     int `json:"completion_tokens"`
		PromptCacheHitTokens int `json:"prompt_cache_hit_tokens"`
	} `json:"usage"`
}

func (p *deepseekProvider) Name() string {
	return "deepseek"
}

func (p *deepseekProvider) StreamChat(ctx context.Context, modelName string, messages []*model.ChatMessage, fn func(StreamChunk) error) error {
	if p.apiKey == "" {
		return ErrUnavailable
	}
	logger := logutil.GetLogger(ctx)

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		started, err := p.streamOnce(ctx, modelName, messages, fn)
		if err == nil {
			return nil
		}
		if started || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		wait := time.Duration(1<<attempt) * time.Second
		logger.Warn("chat request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// streamOnce returns started=true once any token has been relayed to fn, at
// which point the caller must not retry.
func (p *deepseekProvider) streamOnce(ctx context.Context, modelName string, messages []*model.ChatMessage, fn func(StreamChunk) error) (bool, error) {
	endpoint := strings.TrimRight(p.baseURL, "/") + "/chat/completions"
	reqBody := deepseekChatRequest{
		Model:            modelName,
		Messages:         messages,
		Temperature:      p.temperature,
		MaxTokens:        p.maxTokens,
		FrequencyPenalty: p.frequencyPenalty,
		PresencePenalty:  p.presencePenalty,
		Stream:           true,
		StreamOptions:    &streamOptions{IncludeUsage: true},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return false, ErrBadConfig
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("chat request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	started := false
	usage := StreamChunk{Type: StreamEventDone}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk deepseekStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return started, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			started = true
			if err := fn(StreamChunk{Type: StreamEventToken, Content: chunk.Choices[0].Delta.Content}); err != nil {
				return started, err
			}
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.CachedTokens = chunk.Usage.PromptCacheHitTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return started, fmt.Errorf("read stream: %w", err)
	}
	if err := fn(usage); err != nil {
		return started, err
	}
	return started, nil
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "connection")
}

func createDeepSeekFactory(args interface{}) (IChatProvider, error) {
	cfg := &deepseekConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultDeepSeekBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &deepseekProvider{
		apiKey:           strings.TrimSpace(cfg.APIKey),
		baseURL:          baseURL,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		frequencyPenalty: cfg.FrequencyPenalty,
		presencePenalty:  cfg.PresencePenalty,
		maxRetries:       cfg.MaxRetries,
		client:           &http.Client{},
	}, nil
}

func init() {
	Register("deepseek", createDeepSeekFactory)
	// Any OpenAI-compatible endpoint works through the same client.
	Register("openai", createDeepSeekFactory)
}
