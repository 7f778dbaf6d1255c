package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/ai"
	"github.com/xxxsen/askdoc/internal/breaker"
	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
	"github.com/xxxsen/askdoc/internal/respcache"
	"github.com/xxxsen/askdoc/internal/vecstore"
)

const systemPrompt = `You are a helpful assistant that answers questions about the user's documents. ` +
	`Answer using only the provided document excerpts. If the excerpts do not contain ` +
	`the answer, say so instead of guessing. Answer in the language of the question.`

const (
	EventToken  = "token"
	EventSource = "source"
	EventDone   = "done"
	EventError  = "error"
)

const (
	msgTimeout       = "generation timed out, please try again"
	msgCircuitOpen   = "the answer service is temporarily unavailable, please retry shortly"
	msgBadConfig     = "configuration error"
	msgProviderError = "failed to generate a response"
)

type DoneInfo struct {
	TotalTokens int     `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
	Cached      bool    `json:"cached"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Partial string `json:"partial"`
}

// Event is one element of a generation stream. Exactly one payload field is
// set, matching Kind; Done and Error are terminal.
type Event struct {
	Kind   string                `json:"kind"`
	Token  string                `json:"token,omitempty"`
	Source *model.RetrievedChunk `json:"source,omitempty"`
	Done   *DoneInfo             `json:"done,omitempty"`
	Err    *ErrorInfo            `json:"error,omitempty"`
}

// GenerateStream is a cancellable producer of generation events. Partial
// returns whatever answer text has accumulated so far; the caller uses it to
// persist an interrupted answer after a disconnect.
type GenerateStream struct {
	events chan Event

	mu      sync.Mutex
	partial strings.Builder
}

func (s *GenerateStream) Events() <-chan Event {
	return s.events
}

func (s *GenerateStream) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.String()
}

func (s *GenerateStream) append(token string) {
	s.mu.Lock()
	s.partial.WriteString(token)
	s.mu.Unlock()
}

type ISummarySource interface {
	ListAll(ctx context.Context) ([]*model.DocumentSummary, error)
}

type ITitleSource interface {
	TitlesByIDs(ctx context.Context, docIDs []string) (map[string]string, error)
}

type RAGService struct {
	embedder  ai.IEmbedder
	store     vecstore.Store
	chat      ai.IChatClient
	summaries ISummarySource
	titles    ITitleSource
	cache     *respcache.Cache
	brk       *breaker.Breaker
	cfg       config.RAGConfig
	pricing   config.PricingConfig
	now       func() time.Time
}

func NewRAGService(
	embedder ai.IEmbedder,
	store vecstore.Store,
	chat ai.IChatClient,
	summaries ISummarySource,
	titles ITitleSource,
	cache *respcache.Cache,
	brk *breaker.Breaker,
	cfg config.RAGConfig,
	pricing config.PricingConfig,
) *RAGService {
	return &RAGService{
		embedder:  embedder,
		store:     store,
		chat:      chat,
		summaries: summaries,
		titles:    titles,
		cache:     cache,
		brk:       brk,
		cfg:       cfg,
		pricing:   pricing,
		now:       time.Now,
	}
}

func validateFocus(focus *model.FocusContext) error {
	if focus == nil {
		return nil
	}
	if focus.StartChar < 0 || focus.EndChar < focus.StartChar {
		return fmt.Errorf("%w: focus range [%d, %d)", appErr.ErrInvalid, focus.StartChar, focus.EndChar)
	}
	return nil
}

// RetrieveContext embeds the query, picks candidate documents, ranks their
// chunks and trims the result to the token budget.
func (s *RAGService) RetrieveContext(ctx context.Context, query string, documentID string, focus *model.FocusContext, nResults int) (*model.RetrievalResult, error) {
	logger := logutil.GetLogger(ctx)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", appErr.ErrInvalid)
	}
	if s.cfg.MaxMessageLength > 0 && len(query) > s.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%w: query exceeds %d chars", appErr.ErrInvalid, s.cfg.MaxMessageLength)
	}
	if err := validateFocus(focus); err != nil {
		return nil, err
	}
	if nResults <= 0 {
		nResults = s.cfg.DefaultNResults
	}

	embedStart := s.now()
	queryEmb, err := s.embedder.Embed(ctx, query, "RETRIEVAL_QUERY")
	if err != nil {
		logger.Error("failed to embed query", zap.Error(err))
		return nil, fmt.Errorf("%w: embed query: %v", appErr.ErrUnavailable, err)
	}
	embedMs := s.now().Sub(embedStart).Milliseconds()

	searchStart := s.now()
	docIDs, err := s.selectDocuments(ctx, queryEmb, documentID)
	if err != nil {
		return nil, err
	}

	var candidates []*model.RetrievedChunk
	for _, docID := range docIDs {
		results, err := s.store.Query(ctx, queryEmb, nResults, docID)
		if err != nil {
			logger.Error("vector query failed", zap.String("document_id", docID), zap.Error(err))
			return nil, fmt.Errorf("%w: vector search: %v", appErr.ErrUnavailable, err)
		}
		for _, res := range results {
			similarity := 1 - res.Distance
			if similarity < s.cfg.SimilarityThreshold {
				continue
			}
			candidates = append(candidates, &model.RetrievedChunk{
				ChunkID:    res.ID,
				DocumentID: res.DocumentID,
				Content:    res.Content,
				Similarity: similarity,
				Index:      res.Index,
				StartChar:  res.StartChar,
				EndChar:    res.EndChar,
				TokenCount: res.TokenCount,
			})
		}
	}

	if focus != nil {
		for _, chunk := range candidates {
			if chunk.DocumentID != focus.DocumentID {
				continue
			}
			if chunk.StartChar < focus.EndChar && chunk.EndChar > focus.StartChar {
				chunk.Similarity = math.Min(1.0, chunk.Similarity+s.cfg.FocusBoost)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > nResults {
		candidates = candidates[:nResults]
	}

	// Budget cut-off is positional: the first chunk that would overflow ends
	// the walk even if a smaller one further down would still fit.
	var selected []*model.RetrievedChunk
	totalTokens := 0
	for _, chunk := range candidates {
		if totalTokens+chunk.TokenCount > s.cfg.TokenBudget {
			break
		}
		totalTokens += chunk.TokenCount
		selected = append(selected, chunk)
	}
	searchMs := s.now().Sub(searchStart).Milliseconds()

	s.fillTitles(ctx, selected)

	result := &model.RetrievalResult{
		Chunks:            selected,
		TotalTokens:       totalTokens,
		EmbedTimeMs:       embedMs,
		SearchTimeMs:      searchMs,
		SelectedDocuments: docIDs,
	}
	logger.Info("retrieval done",
		zap.Int("documents", len(docIDs)),
		zap.Int("chunks", len(selected)),
		zap.Int("total_tokens", totalTokens),
		zap.Int64("embed_ms", embedMs),
		zap.Int64("search_ms", searchMs),
	)
	return result, nil
}

func (s *RAGService) selectDocuments(ctx context.Context, queryEmb []float32, documentID string) ([]string, error) {
	logger := logutil.GetLogger(ctx)
	if documentID != "" {
		return []string{documentID}, nil
	}
	summaries, err := s.summaries.ListAll(ctx)
	if err != nil {
		logger.Error("failed to list document summaries", zap.Error(err))
		return nil, fmt.Errorf("%w: list summaries: %v", appErr.ErrUnavailable, err)
	}
	if len(summaries) == 0 {
		// No summaries yet (fresh corpus or backfill pending): search every
		// known document, capped so a large corpus cannot fan out unbounded.
		allIDs, err := s.store.ListDocumentIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list documents: %v", appErr.ErrUnavailable, err)
		}
		if s.cfg.MaxFallbackDocuments > 0 && len(allIDs) > s.cfg.MaxFallbackDocuments {
			allIDs = allIDs[:s.cfg.MaxFallbackDocuments]
		}
		logger.Debug("no summaries, falling back to all documents", zap.Int("count", len(allIDs)))
		return allIDs, nil
	}
	type match struct {
		docID string
		score float64
	}
	matches := make([]match, 0, len(summaries))
	for _, item := range summaries {
		matches = append(matches, match{docID: item.DocumentID, score: cosineSimilarity(queryEmb, item.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	topK := s.cfg.TopKDocuments
	if topK > len(matches) {
		topK = len(matches)
	}
	docIDs := make([]string, 0, topK)
	for i := 0; i < topK; i++ {
		logger.Debug("document selected", zap.String("doc_id", matches[i].docID), zap.Float64("score", matches[i].score))
		docIDs = append(docIDs, matches[i].docID)
	}
	return docIDs, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (s *RAGService) fillTitles(ctx context.Context, chunks []*model.RetrievedChunk) {
	if len(chunks) == 0 || s.titles == nil {
		return
	}
	seen := make(map[string]struct{})
	var docIDs []string
	for _, chunk := range chunks {
		if _, ok := seen[chunk.DocumentID]; ok {
			continue
		}
		seen[chunk.DocumentID] = struct{}{}
		docIDs = append(docIDs, chunk.DocumentID)
	}
	titles, err := s.titles.TitlesByIDs(ctx, docIDs)
	if err != nil {
		// Missing titles degrade the prompt tags, not the request.
		logutil.GetLogger(ctx).Warn("failed to resolve document titles", zap.Error(err))
		return
	}
	for _, chunk := range chunks {
		chunk.DocumentTitle = titles[chunk.DocumentID]
	}
}

// GenerateResponse starts a generation stream for an already retrieved
// context. The returned stream's channel is closed after the terminal done or
// error event; cancelling ctx stops production promptly and Partial() still
// reports the accumulated text.
func (s *RAGService) GenerateResponse(ctx context.Context, query string, retrieval *model.RetrievalResult, sessionID string, focus *model.FocusContext, history []*model.ChatMessage) (*GenerateStream, error) {
	if retrieval == nil {
		return nil, fmt.Errorf("%w: nil retrieval result", appErr.ErrInvalid)
	}
	if err := validateFocus(focus); err != nil {
		return nil, err
	}
	stream := &GenerateStream{events: make(chan Event, 16)}
	go s.generate(ctx, stream, query, retrieval, sessionID, focus, history)
	return stream, nil
}

func (s *RAGService) generate(ctx context.Context, stream *GenerateStream, query string, retrieval *model.RetrievalResult, sessionID string, focus *model.FocusContext, history []*model.ChatMessage) {
	defer close(stream.events)
	logger := logutil.GetLogger(ctx).With(zap.String("session_id", sessionID))

	cacheKey := respcache.ComputeKey(query, retrieval.SelectedDocuments, focus)
	if cached, ok := s.cache.Get(ctx, cacheKey); ok {
		logger.Info("serving cached response", zap.String("key", cacheKey[:16]))
		if !stream.emit(ctx, Event{Kind: EventToken, Token: cached.ResponseText}) {
			return
		}
		stream.append(cached.ResponseText)
		for _, src := range cached.SourceChunks {
			if !stream.emit(ctx, Event{Kind: EventSource, Source: src}) {
				return
			}
		}
		stream.emit(ctx, Event{Kind: EventDone, Done: &DoneInfo{
			TotalTokens: cached.TokenCount,
			CostUSD:     0,
			Cached:      true,
		}})
		return
	}

	messages := s.buildPrompt(query, retrieval, focus, history)

	timeout := time.Duration(s.cfg.GenerateTimeoutSeconds) * time.Second
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var usage ai.StreamChunk
	err := s.brk.Call(genCtx, func(callCtx context.Context) error {
		return s.chat.StreamChat(callCtx, messages, func(chunk ai.StreamChunk) error {
			switch chunk.Type {
			case ai.StreamEventToken:
				if chunk.Content == "" {
					return nil
				}
				stream.append(chunk.Content)
				if !stream.emit(callCtx, Event{Kind: EventToken, Token: chunk.Content}) {
					return callCtx.Err()
				}
			case ai.StreamEventDone:
				usage = chunk
			}
			return nil
		})
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Caller disconnected; nobody is reading the stream anymore.
			logger.Info("generation cancelled by caller", zap.Int("partial_len", len(stream.Partial())))
			return
		}
		logger.Error("generation failed", zap.Error(err))
		stream.emit(ctx, Event{Kind: EventError, Err: &ErrorInfo{
			Message: sanitizeError(genCtx, err),
			Partial: stream.Partial(),
		}})
		return
	}

	answer := stream.Partial()
	totalTokens := usage.PromptTokens + usage.CompletionTokens
	cost := s.computeCost(usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)

	s.cache.Set(ctx, cacheKey, answer, retrieval.Chunks, totalTokens)

	for _, src := range retrieval.Chunks {
		if !stream.emit(ctx, Event{Kind: EventSource, Source: src}) {
			return
		}
	}
	stream.emit(ctx, Event{Kind: EventDone, Done: &DoneInfo{
		TotalTokens: totalTokens,
		CostUSD:     cost,
		Cached:      false,
	}})
	logger.Info("generation done",
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Int("cached_tokens", usage.CachedTokens),
		zap.Float64("cost_usd", cost),
	)
}

// emit pushes one event, giving up when the consumer's context ends. It
// reports whether the event was delivered.
func (s *GenerateStream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *RAGService) buildPrompt(query string, retrieval *model.RetrievalResult, focus *model.FocusContext, history []*model.ChatMessage) []*model.ChatMessage {
	var messages []*model.ChatMessage
	if len(history) == 0 {
		messages = append(messages, &model.ChatMessage{Role: model.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)

	var sb strings.Builder
	for _, chunk := range retrieval.Chunks {
		title := chunk.DocumentTitle
		if title == "" {
			title = chunk.DocumentID
		}
		sb.WriteString("[Document: ")
		sb.WriteString(title)
		sb.WriteString("]\n")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n\n")
	}
	if focus != nil && focus.SurroundingText != "" {
		sb.WriteString("The user is currently viewing this passage:\n")
		sb.WriteString(focus.SurroundingText)
		sb.WriteString("\n\n")
	}
	sb.WriteString(query)
	messages = append(messages, &model.ChatMessage{Role: model.RoleUser, Content: sb.String()})
	return messages
}

func (s *RAGService) computeCost(promptTokens, completionTokens, cachedTokens int) float64 {
	fresh := promptTokens - cachedTokens
	if fresh < 0 {
		fresh = 0
	}
	cost := float64(fresh)*s.pricing.PromptUSDPerMTok/1e6 +
		float64(cachedTokens)*s.pricing.CachedPromptUSDPerMTok/1e6 +
		float64(completionTokens)*s.pricing.CompletionUSDPerMTok/1e6
	if cost < 0 {
		return 0
	}
	return cost
}

// sanitizeError maps internal failures to user-safe messages. Provider error
// text never reaches the stream verbatim.
func sanitizeError(genCtx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, breaker.ErrOpen):
		return msgCircuitOpen
	case errors.Is(err, ai.ErrBadConfig):
		return msgBadConfig
	default:
		return msgProviderError
	}
}
