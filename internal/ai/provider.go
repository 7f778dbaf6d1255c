package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/askdoc/internal/model"
)

var (
	ErrUnavailable = errors.New("ai provider unavailable")
	// ErrBadConfig hides upstream authentication details from callers.
	ErrBadConfig = errors.New("configuration error")
)

const (
	StreamEventToken = "token"
	StreamEventDone  = "done"
)

// StreamChunk is one element of a streaming chat completion. Token chunks
// carry Content; the final done chunk carries the provider's usage counts.
type StreamChunk struct {
	Type             string
	Content          string
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

type IChatProvider interface {
	Name() string
	StreamChat(ctx context.Context, modelName string, messages []*model.ChatMessage, fn func(StreamChunk) error) error
}

type IEmbedProvider interface {
	Name() string
	Embed(ctx context.Context, modelName string, text string, taskType string) ([]float32, error)
	EmbedBatch(ctx context.Context, modelName string, texts []string, taskType string) ([][]float32, error)
}

// IChatClient is a chat provider bound to a concrete model.
type IChatClient interface {
	StreamChat(ctx context.Context, messages []*model.ChatMessage, fn func(StreamChunk) error) error
}

// IEmbedder is an embed provider bound to a concrete model.
type IEmbedder interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error)
	ModelName() string
}

type chatClient struct {
	provider IChatProvider
	model    string
}

func NewChatClient(p IChatProvider, modelName string) IChatClient {
	return &chatClient{provider: p, model: modelName}
}

func (c *chatClient) StreamChat(ctx context.Context, messages []*model.ChatMessage, fn func(StreamChunk) error) error {
	return c.provider.StreamChat(ctx, c.model, messages, fn)
}

type embedder struct {
	provider IEmbedProvider
	model    string
}

func NewEmbedder(p IEmbedProvider, modelName string) IEmbedder {
	return &embedder{provider: p, model: modelName}
}

func (e *embedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return e.provider.Embed(ctx, e.model, text, taskType)
}

func (e *embedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return e.provider.EmbedBatch(ctx, e.model, texts, taskType)
}

func (e *embedder) ModelName() string {
	return e.model
}

type ChatFactory func(args interface{}) (IChatProvider, error)
type EmbedFactory func(args interface{}) (IEmbedProvider, error)

var (
	chatRegistry  = map[string]ChatFactory{}
	embedRegistry = map[string]EmbedFactory{}
)

func Register(name string, factory ChatFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	chatRegistry[key] = factory
}

func RegisterEmbed(name string, factory EmbedFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	embedRegistry[key] = factory
}

func NewChatProvider(name string, args interface{}) (IChatProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai.chat.provider is required")
	}
	factory := chatRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported chat provider: %s", name)
	}
	return factory(args)
}

func NewEmbedProvider(name string, args interface{}) (IEmbedProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai.embed.provider is required")
	}
	factory := embedRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported embed provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
