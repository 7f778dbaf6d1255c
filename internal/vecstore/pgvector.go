package vecstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// PGVectorStore keeps chunk embeddings in a Postgres table with a pgvector
// column and cosine-distance index.
type PGVectorStore struct {
	db *sql.DB
}

func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (s *PGVectorStore) Add(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	const query = `
		INSERT INTO document_chunks (chunk_id, document_id, content, embedding, chunk_index, start_char, end_char, token_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chunk_id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			chunk_index = EXCLUDED.chunk_index,
			start_char = EXCLUDED.start_char,
			end_char = EXCLUDED.end_char,
			token_count = EXCLUDED.token_count
	`
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, query,
			rec.ID,
			rec.DocumentID,
			rec.Content,
			pgvector.NewVector(rec.Embedding),
			rec.Index,
			rec.StartChar,
			rec.EndChar,
			rec.TokenCount,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PGVectorStore) Query(ctx context.Context, embedding []float32, k int, documentID string) ([]*Result, error) {
	query := `
		SELECT chunk_id, document_id, content, embedding <=> $1 AS distance, chunk_index, start_char, end_char, token_count
		FROM document_chunks
	`
	args := []interface{}{pgvector.NewVector(embedding)}
	if documentID != "" {
		query += ` WHERE document_id = $2 ORDER BY distance LIMIT $3`
		args = append(args, documentID, k)
	} else {
		query += ` ORDER BY distance LIMIT $2`
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Content, &r.Distance, &r.Index, &r.StartChar, &r.EndChar, &r.TokenCount); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *PGVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	const query = `DELETE FROM document_chunks WHERE document_id = $1`
	_, err := s.db.ExecContext(ctx, query, documentID)
	return err
}

func (s *PGVectorStore) ListDocumentIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT document_id FROM document_chunks`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGVectorStore) Count(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM document_chunks`
	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
