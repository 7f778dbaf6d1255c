package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

type SummaryRepo struct {
	db *sql.DB
}

func NewSummaryRepo(db *sql.DB) *SummaryRepo {
	return &SummaryRepo{db: db}
}

func (r *SummaryRepo) Upsert(ctx context.Context, item *model.DocumentSummary) error {
	const query = `
		INSERT INTO document_summaries (document_id, summary, embedding, mtime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			embedding = EXCLUDED.embedding,
			mtime = EXCLUDED.mtime
	`
	_, err := r.db.ExecContext(ctx, query,
		item.DocumentID, item.Summary, pgvector.NewVector(item.Embedding), item.Mtime)
	return err
}

func (r *SummaryRepo) GetByDocID(ctx context.Context, docID string) (*model.DocumentSummary, error) {
	const query = `SELECT document_id, summary, embedding, mtime FROM document_summaries WHERE document_id = $1`
	row := r.db.QueryRowContext(ctx, query, docID)
	var item model.DocumentSummary
	var embedding pgvector.Vector
	if err := row.Scan(&item.DocumentID, &item.Summary, &embedding, &item.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	item.Embedding = embedding.Slice()
	return &item, nil
}

// ListAll returns every stored summary with its embedding. The result set is
// bounded by the document count, which stays small for a personal corpus.
func (r *SummaryRepo) ListAll(ctx context.Context) ([]*model.DocumentSummary, error) {
	const query = `SELECT document_id, summary, embedding, mtime FROM document_summaries`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*model.DocumentSummary
	for rows.Next() {
		var item model.DocumentSummary
		var embedding pgvector.Vector
		if err := rows.Scan(&item.DocumentID, &item.Summary, &embedding, &item.Mtime); err != nil {
			return nil, err
		}
		item.Embedding = embedding.Slice()
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (r *SummaryRepo) ListByDocIDs(ctx context.Context, docIDs []string) ([]*model.DocumentSummary, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	query := `SELECT document_id, summary, embedding, mtime FROM document_summaries WHERE document_id IN (?)`
	query, args, err := sqlx.In(query, docIDs)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*model.DocumentSummary
	for rows.Next() {
		var item model.DocumentSummary
		var embedding pgvector.Vector
		if err := rows.Scan(&item.DocumentID, &item.Summary, &embedding, &item.Mtime); err != nil {
			return nil, err
		}
		item.Embedding = embedding.Slice()
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ListPendingDocuments finds documents with no summary yet, or whose content
// changed after the summary was produced. maxMtime keeps actively edited
// documents out of the batch until they settle.
func (r *SummaryRepo) ListPendingDocuments(ctx context.Context, limit int, maxMtime int64) ([]*model.Document, error) {
	const query = `
		SELECT d.id, d.title, d.content
		FROM documents d
		LEFT JOIN document_summaries s ON d.id = s.document_id
		WHERE (s.document_id IS NULL OR d.mtime > s.mtime)
			AND d.mtime < $1
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, maxMtime, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []*model.Document
	for rows.Next() {
		var doc model.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (r *SummaryRepo) Delete(ctx context.Context, docID string) error {
	const query = `DELETE FROM document_summaries WHERE document_id = $1`
	_, err := r.db.ExecContext(ctx, query, docID)
	return err
}
