package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/ai"
	"github.com/xxxsen/askdoc/internal/convert"
	"github.com/xxxsen/askdoc/internal/filestore"
	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
	"github.com/xxxsen/askdoc/internal/repo"
	"github.com/xxxsen/askdoc/internal/respcache"
	"github.com/xxxsen/askdoc/internal/vecstore"
)

const maxUploadBytes = 4 << 20

var allowedUploadExts = map[string]struct{}{
	".md":       {},
	".markdown": {},
	".txt":      {},
}

type DocumentService struct {
	docs      *repo.DocumentRepo
	summaries *repo.SummaryRepo
	chunker   *ai.Chunker
	embedder  ai.IEmbedder
	store     vecstore.Store
	files     filestore.Store
	cache     *respcache.Cache
}

func NewDocumentService(
	docs *repo.DocumentRepo,
	summaries *repo.SummaryRepo,
	chunker *ai.Chunker,
	embedder ai.IEmbedder,
	store vecstore.Store,
	files filestore.Store,
	cache *respcache.Cache,
) *DocumentService {
	return &DocumentService{
		docs:      docs,
		summaries: summaries,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		files:     files,
		cache:     cache,
	}
}

func (s *DocumentService) Create(ctx context.Context, title, content string) (*model.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", appErr.ErrInvalid)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", appErr.ErrInvalid)
	}
	now := time.Now().Unix()
	doc := &model.Document{
		ID:      newID(),
		Title:   title,
		Content: content,
		Ctime:   now,
		Mtime:   now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.indexDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Upload stores the original file, then ingests its text content as a
// document. Only plain text and markdown uploads are accepted.
func (s *DocumentService) Upload(ctx context.Context, filename string, r filestore.ReadSeekCloser, size int64) (*model.Document, error) {
	logger := logutil.GetLogger(ctx)
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedUploadExts[ext]; !ok {
		return nil, fmt.Errorf("%w: unsupported file type %q", appErr.ErrInvalid, ext)
	}
	if size <= 0 || size > maxUploadBytes {
		return nil, fmt.Errorf("%w: file size %d out of range", appErr.ErrInvalid, size)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes))
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	fileKey := newID() + ext
	if err := s.files.Save(ctx, fileKey, r, size); err != nil {
		logger.Error("failed to store original file", zap.String("file_key", fileKey), zap.Error(err))
		return nil, err
	}
	title := strings.TrimSuffix(filepath.Base(filename), ext)
	doc, err := s.Create(ctx, title, string(data))
	if err != nil {
		return nil, err
	}
	doc.FileKey = fileKey
	if err := s.docs.Update(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) Update(ctx context.Context, docID, title, content string) (*model.Document, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if title = strings.TrimSpace(title); title != "" {
		doc.Title = title
	}
	contentChanged := content != "" && content != doc.Content
	if contentChanged {
		doc.Content = content
	}
	doc.Mtime = time.Now().Unix()
	if err := s.docs.Update(ctx, doc); err != nil {
		return nil, err
	}
	if contentChanged {
		if err := s.indexDocument(ctx, doc); err != nil {
			return nil, err
		}
		// Answers derived from the old content are stale now.
		s.cache.InvalidateDocument(ctx, docID)
	}
	return doc, nil
}

func (s *DocumentService) Delete(ctx context.Context, docID string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", docID))
	if err := s.docs.Delete(ctx, docID); err != nil {
		return err
	}
	if err := s.store.DeleteByDocument(ctx, docID); err != nil {
		logger.Error("failed to delete document vectors", zap.Error(err))
		return err
	}
	if err := s.summaries.Delete(ctx, docID); err != nil {
		logger.Warn("failed to delete document summary", zap.Error(err))
	}
	removed := s.cache.InvalidateDocument(ctx, docID)
	logger.Info("document deleted", zap.Int("cache_entries_removed", removed))
	return nil
}

func (s *DocumentService) Get(ctx context.Context, docID string) (*model.Document, error) {
	return s.docs.GetByID(ctx, docID)
}

func (s *DocumentService) List(ctx context.Context, offset, limit int) ([]*model.Document, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.docs.List(ctx, offset, limit)
}

func (s *DocumentService) OpenFile(ctx context.Context, docID string) (filestore.ReadSeekCloser, string, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	if doc.FileKey == "" {
		return nil, "", appErr.ErrNotFound
	}
	rc, err := s.files.Open(ctx, doc.FileKey)
	if err != nil {
		return nil, "", err
	}
	return rc, doc.FileKey, nil
}

// indexDocument rebuilds the vector index for one document: plain-text
// conversion, chunking, batch embedding, then a delete-and-insert swap.
func (s *DocumentService) indexDocument(ctx context.Context, doc *model.Document) error {
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", doc.ID))
	text := convert.MarkdownToText(doc.Content)
	chunks, err := s.chunker.Chunk(ctx, text)
	if err != nil {
		return err
	}
	contents := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		contents = append(contents, chunk.Content)
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, contents, "RETRIEVAL_DOCUMENT")
	if err != nil {
		logger.Error("failed to embed chunks", zap.Error(err))
		return fmt.Errorf("%w: embed chunks: %v", appErr.ErrUnavailable, err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("%w: embedding count mismatch: %d != %d", appErr.ErrInternal, len(embeddings), len(chunks))
	}
	records := make([]*vecstore.Record, 0, len(chunks))
	for i, chunk := range chunks {
		records = append(records, &vecstore.Record{
			ID:         fmt.Sprintf("%s_%d", doc.ID, chunk.Index),
			DocumentID: doc.ID,
			Content:    chunk.Content,
			Embedding:  embeddings[i],
			Index:      chunk.Index,
			StartChar:  chunk.StartChar,
			EndChar:    chunk.EndChar,
			TokenCount: chunk.TokenCount,
		})
	}
	if err := s.store.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.store.Add(ctx, records); err != nil {
		return err
	}
	logger.Info("document indexed", zap.Int("chunks", len(records)))
	return nil
}
