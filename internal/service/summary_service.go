package service

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/ai"
	"github.com/xxxsen/askdoc/internal/model"
	"github.com/xxxsen/askdoc/internal/repo"
)

const (
	summaryInputChars = 2000
	summaryMaxChars   = 500
	// Documents edited within the settle window are skipped by the backfill
	// so a summary is not produced mid-edit.
	summarySettleWindow = 2 * time.Minute
)

const summaryPrompt = `Summarize the following document in at most 500 characters. ` +
	`Cover the main topics so the summary is useful for deciding whether the ` +
	`document is relevant to a question. Reply with the summary only, in the ` +
	`language of the document.`

type SummaryService struct {
	chat      ai.IChatClient
	embedder  ai.IEmbedder
	summaries *repo.SummaryRepo
}

func NewSummaryService(chat ai.IChatClient, embedder ai.IEmbedder, summaries *repo.SummaryRepo) *SummaryService {
	return &SummaryService{chat: chat, embedder: embedder, summaries: summaries}
}

// ListAll feeds document selection in retrieval.
func (s *SummaryService) ListAll(ctx context.Context) ([]*model.DocumentSummary, error) {
	return s.summaries.ListAll(ctx)
}

// Summarize produces and stores a summary plus its embedding for one
// document.
func (s *SummaryService) Summarize(ctx context.Context, doc *model.Document) error {
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", doc.ID))
	input := []rune(doc.Content)
	if len(input) > summaryInputChars {
		input = input[:summaryInputChars]
	}
	messages := []*model.ChatMessage{
		{Role: model.RoleSystem, Content: summaryPrompt},
		{Role: model.RoleUser, Content: doc.Title + "\n\n" + string(input)},
	}
	var sb strings.Builder
	err := s.chat.StreamChat(ctx, messages, func(chunk ai.StreamChunk) error {
		if chunk.Type == ai.StreamEventToken {
			sb.WriteString(chunk.Content)
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to generate summary", zap.Error(err))
		return err
	}
	summary := strings.TrimSpace(sb.String())
	if runes := []rune(summary); len(runes) > summaryMaxChars {
		summary = string(runes[:summaryMaxChars])
	}
	embedding, err := s.embedder.Embed(ctx, summary, "RETRIEVAL_DOCUMENT")
	if err != nil {
		logger.Error("failed to embed summary", zap.Error(err))
		return err
	}
	if err := s.summaries.Upsert(ctx, &model.DocumentSummary{
		DocumentID: doc.ID,
		Summary:    summary,
		Embedding:  embedding,
		Mtime:      time.Now().Unix(),
	}); err != nil {
		return err
	}
	logger.Info("summary updated", zap.Int("chars", len([]rune(summary))))
	return nil
}

// BackfillOnce summarizes up to batch documents whose summary is missing or
// older than the document content. It keeps going past per-document failures.
func (s *SummaryService) BackfillOnce(ctx context.Context, batch int) error {
	logger := logutil.GetLogger(ctx)
	maxMtime := time.Now().Add(-summarySettleWindow).Unix()
	docs, err := s.summaries.ListPendingDocuments(ctx, batch, maxMtime)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	logger.Info("summary backfill starting", zap.Int("pending", len(docs)))
	for _, doc := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Summarize(ctx, doc); err != nil {
			logger.Warn("summary backfill item failed", zap.String("doc_id", doc.ID), zap.Error(err))
		}
	}
	return nil
}
