package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/askdoc/internal/ai"
	"github.com/xxxsen/askdoc/internal/breaker"
	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
	"github.com/xxxsen/askdoc/internal/respcache"
	"github.com/xxxsen/askdoc/internal/vecstore"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, f.err
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

type fakeVecStore struct {
	results map[string][]*vecstore.Result
	docIDs  []string
}

func (f *fakeVecStore) Add(ctx context.Context, records []*vecstore.Record) error { return nil }

func (f *fakeVecStore) Query(ctx context.Context, embedding []float32, k int, documentID string) ([]*vecstore.Result, error) {
	return f.results[documentID], nil
}

func (f *fakeVecStore) DeleteByDocument(ctx context.Context, documentID string) error { return nil }

func (f *fakeVecStore) ListDocumentIDs(ctx context.Context) ([]string, error) { return f.docIDs, nil }

func (f *fakeVecStore) Count(ctx context.Context) (int64, error) { return 0, nil }

type fakeChat struct {
	tokens []string
	usage  ai.StreamChunk
	err    error
	delay  time.Duration
	calls  int
}

func (f *fakeChat) StreamChat(ctx context.Context, messages []*model.ChatMessage, fn func(ai.StreamChunk) error) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(ai.StreamChunk{Type: ai.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	done := f.usage
	done.Type = ai.StreamEventDone
	return fn(done)
}

type fakeSummaries struct {
	items []*model.DocumentSummary
}

func (f *fakeSummaries) ListAll(ctx context.Context) ([]*model.DocumentSummary, error) {
	return f.items, nil
}

type fakeTitles map[string]string

func (f fakeTitles) TitlesByIDs(ctx context.Context, docIDs []string) (map[string]string, error) {
	return f, nil
}

func testRAGConfig() config.RAGConfig {
	return config.RAGConfig{
		SimilarityThreshold:    0.7,
		FocusBoost:             0.15,
		TopKDocuments:          3,
		DefaultNResults:        5,
		TokenBudget:            8000,
		MaxFallbackDocuments:   20,
		GenerateTimeoutSeconds: 60,
		MaxMessageLength:       6000,
	}
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		PromptUSDPerMTok:       0.28,
		CachedPromptUSDPerMTok: 0.028,
		CompletionUSDPerMTok:   0.42,
	}
}

func newTestRAG(store vecstore.Store, chat ai.IChatClient, summaries ISummarySource) *RAGService {
	return NewRAGService(
		&fakeEmbedder{vec: []float32{1, 0, 0}},
		store,
		chat,
		summaries,
		fakeTitles{"doc1": "Doc One"},
		respcache.New(config.CacheConfig{MaxSize: 100, TTLHours: 1}),
		breaker.New(config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeoutSeconds: 60}),
		testRAGConfig(),
		testPricing(),
	)
}

func result(id string, distance float64, start, end, tokens int) *vecstore.Result {
	return &vecstore.Result{
		ID:         id,
		DocumentID: "doc1",
		Content:    "content of " + id,
		Distance:   distance,
		StartChar:  start,
		EndChar:    end,
		TokenCount: tokens,
	}
}

func TestRetrieveContextThresholdAndFocusBoost(t *testing.T) {
	store := &fakeVecStore{results: map[string][]*vecstore.Result{
		"doc1": {
			result("c0", 0.1, 0, 100, 50),    // similarity 0.9
			result("c1", 0.5, 100, 200, 50),  // similarity 0.5, below threshold
			result("c2", 0.28, 200, 300, 50), // similarity 0.72, overlaps focus
		},
	}}
	svc := newTestRAG(store, &fakeChat{}, &fakeSummaries{})
	focus := &model.FocusContext{DocumentID: "doc1", StartChar: 250, EndChar: 280}

	res, err := svc.RetrieveContext(context.Background(), "what is this", "doc1", focus, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	for _, chunk := range res.Chunks {
		require.GreaterOrEqual(t, chunk.Similarity, 0.7)
	}
	// boosted chunk ranks first: 0.72 + 0.15 = 0.87 < 0.9, so c0 first
	require.Equal(t, "c0", res.Chunks[0].ChunkID)
	require.Equal(t, "c2", res.Chunks[1].ChunkID)
	require.InDelta(t, 0.87, res.Chunks[1].Similarity, 1e-9)
	require.Equal(t, "Doc One", res.Chunks[0].DocumentTitle)
	require.Equal(t, 100, res.TotalTokens)
}

func TestRetrieveContextFocusBoostClamped(t *testing.T) {
	store := &fakeVecStore{results: map[string][]*vecstore.Result{
		"doc1": {result("c0", 0.05, 0, 100, 50)},
	}}
	svc := newTestRAG(store, &fakeChat{}, &fakeSummaries{})
	focus := &model.FocusContext{DocumentID: "doc1", StartChar: 10, EndChar: 20}

	res, err := svc.RetrieveContext(context.Background(), "q", "doc1", focus, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Equal(t, 1.0, res.Chunks[0].Similarity)
}

func TestRetrieveContextTokenBudgetCutoff(t *testing.T) {
	store := &fakeVecStore{results: map[string][]*vecstore.Result{
		"doc1": {
			result("c0", 0.05, 0, 100, 6000),
			result("c1", 0.1, 100, 200, 3000), // would overflow, ends the walk
			result("c2", 0.15, 200, 300, 100), // higher rank loss: dropped too
		},
	}}
	svc := newTestRAG(store, &fakeChat{}, &fakeSummaries{})

	res, err := svc.RetrieveContext(context.Background(), "q", "doc1", nil, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Equal(t, "c0", res.Chunks[0].ChunkID)
	require.LessOrEqual(t, res.TotalTokens, 8000)
}

func TestRetrieveContextDocumentSelectionBySummary(t *testing.T) {
	store := &fakeVecStore{results: map[string][]*vecstore.Result{
		"doc1": {result("c0", 0.1, 0, 100, 50)},
	}}
	summaries := &fakeSummaries{items: []*model.DocumentSummary{
		{DocumentID: "doc1", Embedding: []float32{1, 0, 0}},
		{DocumentID: "doc2", Embedding: []float32{0, 1, 0}},
		{DocumentID: "doc3", Embedding: []float32{0.9, 0.1, 0}},
		{DocumentID: "doc4", Embedding: []float32{0, 0, 1}},
	}}
	svc := newTestRAG(store, &fakeChat{}, summaries)

	res, err := svc.RetrieveContext(context.Background(), "q", "", nil, 5)
	require.NoError(t, err)
	require.Len(t, res.SelectedDocuments, 3)
	require.Equal(t, "doc1", res.SelectedDocuments[0])
	require.Equal(t, "doc3", res.SelectedDocuments[1])
}

func TestRetrieveContextFallbackWithoutSummaries(t *testing.T) {
	docIDs := make([]string, 30)
	for i := range docIDs {
		docIDs[i] = newID()
	}
	store := &fakeVecStore{docIDs: docIDs, results: map[string][]*vecstore.Result{}}
	svc := newTestRAG(store, &fakeChat{}, &fakeSummaries{})

	res, err := svc.RetrieveContext(context.Background(), "q", "", nil, 5)
	require.NoError(t, err)
	require.Len(t, res.SelectedDocuments, 20)
}

func TestRetrieveContextRecordsTimings(t *testing.T) {
	store := &fakeVecStore{results: map[string][]*vecstore.Result{
		"doc1": {result("c0", 0.1, 0, 100, 50)},
	}}
	svc := newTestRAG(store, &fakeChat{}, &fakeSummaries{})
	base := time.Now()
	calls := 0
	svc.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 5 * time.Millisecond)
	}

	res, err := svc.RetrieveContext(context.Background(), "what is this", "doc1", nil, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.EmbedTimeMs)
	require.Equal(t, int64(5), res.SearchTimeMs)
}

func TestRetrieveContextValidation(t *testing.T) {
	svc := newTestRAG(&fakeVecStore{}, &fakeChat{}, &fakeSummaries{})

	_, err := svc.RetrieveContext(context.Background(), "   ", "", nil, 5)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	bad := &model.FocusContext{DocumentID: "doc1", StartChar: 100, EndChar: 50}
	_, err = svc.RetrieveContext(context.Background(), "q", "", bad, 5)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func collectEvents(t *testing.T, stream *GenerateStream) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func retrievalFixture() *model.RetrievalResult {
	return &model.RetrievalResult{
		Chunks: []*model.RetrievedChunk{
			{ChunkID: "c0", DocumentID: "doc1", DocumentTitle: "Doc One", Content: "alpha", Similarity: 0.9, TokenCount: 10},
			{ChunkID: "c1", DocumentID: "doc1", DocumentTitle: "Doc One", Content: "beta", Similarity: 0.8, TokenCount: 10},
		},
		TotalTokens:       20,
		SelectedDocuments: []string{"doc1"},
	}
}

func TestGenerateResponseStreamsTokensAndDone(t *testing.T) {
	chat := &fakeChat{
		tokens: []string{"Hello", " world"},
		usage:  ai.StreamChunk{PromptTokens: 1000, CompletionTokens: 500, CachedTokens: 200},
	}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})

	stream, err := svc.GenerateResponse(context.Background(), "q", retrievalFixture(), "sess1", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)

	require.Len(t, events, 5) // 2 tokens, 2 sources, 1 done
	require.Equal(t, EventToken, events[0].Kind)
	require.Equal(t, "Hello", events[0].Token)
	require.Equal(t, EventSource, events[2].Kind)
	require.Equal(t, "c0", events[2].Source.ChunkID)

	done := events[4]
	require.Equal(t, EventDone, done.Kind)
	require.False(t, done.Done.Cached)
	require.Equal(t, 1500, done.Done.TotalTokens)
	// (1000-200)*0.28 + 200*0.028 + 500*0.42 per 1M tokens
	require.InDelta(t, (800*0.28+200*0.028+500*0.42)/1e6, done.Done.CostUSD, 1e-12)
	require.Equal(t, "Hello world", stream.Partial())
}

func TestGenerateResponseCacheHitReplay(t *testing.T) {
	chat := &fakeChat{
		tokens: []string{"answer"},
		usage:  ai.StreamChunk{PromptTokens: 100, CompletionTokens: 50},
	}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})
	retrieval := retrievalFixture()

	stream, err := svc.GenerateResponse(context.Background(), "q", retrieval, "sess1", nil, nil)
	require.NoError(t, err)
	collectEvents(t, stream)
	require.Equal(t, 1, chat.calls)

	stream, err = svc.GenerateResponse(context.Background(), "q", retrieval, "sess2", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)
	require.Equal(t, 1, chat.calls, "cache hit must not call the provider")

	require.Len(t, events, 4) // 1 token, 2 sources, 1 done
	require.Equal(t, EventToken, events[0].Kind)
	require.Equal(t, "answer", events[0].Token)
	require.Equal(t, EventSource, events[1].Kind)
	require.Equal(t, EventSource, events[2].Kind)
	done := events[3]
	require.Equal(t, EventDone, done.Kind)
	require.True(t, done.Done.Cached)
	require.Equal(t, 0.0, done.Done.CostUSD)
}

func TestGenerateResponseSystemPromptOnlyWithoutHistory(t *testing.T) {
	svc := newTestRAG(&fakeVecStore{}, &fakeChat{}, &fakeSummaries{})
	retrieval := retrievalFixture()

	msgs := svc.buildPrompt("q", retrieval, nil, nil)
	require.Equal(t, model.RoleSystem, msgs[0].Role)
	require.Contains(t, msgs[len(msgs)-1].Content, "[Document: Doc One]")
	require.True(t, len(msgs) == 2)

	history := []*model.ChatMessage{
		{Role: model.RoleUser, Content: "earlier question"},
		{Role: model.RoleAssistant, Content: "earlier answer"},
	}
	msgs = svc.buildPrompt("q", retrieval, nil, history)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "earlier question", msgs[0].Content)
	require.Len(t, msgs, 3)
}

func TestGenerateResponseFocusSurroundingTextInPrompt(t *testing.T) {
	svc := newTestRAG(&fakeVecStore{}, &fakeChat{}, &fakeSummaries{})
	focus := &model.FocusContext{DocumentID: "doc1", StartChar: 0, EndChar: 10, SurroundingText: "the passage on screen"}

	msgs := svc.buildPrompt("q", retrievalFixture(), focus, nil)
	last := msgs[len(msgs)-1].Content
	require.Contains(t, last, "the passage on screen")
	require.True(t, len(last) > 0 && last[len(last)-1] == 'q')
}

func TestGenerateResponseProviderFailure(t *testing.T) {
	chat := &fakeChat{err: errors.New("upstream exploded: secret token abc")}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})

	stream, err := svc.GenerateResponse(context.Background(), "q", retrievalFixture(), "sess1", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)

	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	require.NotContains(t, events[0].Err.Message, "secret")
	require.Equal(t, msgProviderError, events[0].Err.Message)
}

func TestGenerateResponseAuthFailureSanitized(t *testing.T) {
	chat := &fakeChat{err: ai.ErrBadConfig}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})

	stream, err := svc.GenerateResponse(context.Background(), "q", retrievalFixture(), "sess1", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	require.Equal(t, msgBadConfig, events[0].Err.Message)
}

func TestGenerateResponseBreakerOpensAfterFailures(t *testing.T) {
	chat := &fakeChat{err: errors.New("provider down")}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})
	retrieval := retrievalFixture()

	for i := 0; i < 5; i++ {
		// distinct queries so the cache never short-circuits the provider
		stream, err := svc.GenerateResponse(context.Background(), "q"+string(rune('a'+i)), retrieval, "sess1", nil, nil)
		require.NoError(t, err)
		collectEvents(t, stream)
	}
	require.Equal(t, 5, chat.calls)

	stream, err := svc.GenerateResponse(context.Background(), "final", retrieval, "sess1", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)
	require.Equal(t, 5, chat.calls, "open breaker must reject without invoking the provider")
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	require.Equal(t, msgCircuitOpen, events[0].Err.Message)
}

func TestGenerateResponseTimeout(t *testing.T) {
	chat := &fakeChat{
		tokens: []string{"a", "b", "c", "d"},
		delay:  600 * time.Millisecond,
	}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})
	svc.cfg.GenerateTimeoutSeconds = 1

	stream, err := svc.GenerateResponse(context.Background(), "q", retrievalFixture(), "sess1", nil, nil)
	require.NoError(t, err)
	events := collectEvents(t, stream)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	require.Equal(t, msgTimeout, last.Err.Message)
	require.Equal(t, last.Err.Partial, stream.Partial())
}

func TestGenerateResponseCancellationKeepsPartial(t *testing.T) {
	chat := &fakeChat{
		tokens: []string{"one ", "two ", "three ", "four "},
		delay:  50 * time.Millisecond,
		usage:  ai.StreamChunk{PromptTokens: 10, CompletionTokens: 4},
	}
	svc := newTestRAG(&fakeVecStore{}, chat, &fakeSummaries{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := svc.GenerateResponse(ctx, "q", retrievalFixture(), "sess1", nil, nil)
	require.NoError(t, err)

	var got []Event
	for ev := range stream.Events() {
		got = append(got, ev)
		if len(got) == 2 {
			cancel()
		}
	}
	require.GreaterOrEqual(t, len(got), 2)
	require.Contains(t, stream.Partial(), "one ")

	// caller cancellation is not a provider failure
	require.Equal(t, breaker.StateClosed, svc.brk.Stats().State)
}
