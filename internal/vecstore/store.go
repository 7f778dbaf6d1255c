package vecstore

import "context"

type Record struct {
	ID         string
	DocumentID string
	Content    string
	Embedding  []float32
	Index      int
	StartChar  int
	EndChar    int
	TokenCount int
}

// Result is one nearest-neighbour match. Distance is cosine distance; the
// caller converts it to a similarity score.
type Result struct {
	ID         string
	DocumentID string
	Content    string
	Distance   float64
	Index      int
	StartChar  int
	EndChar    int
	TokenCount int
}

type Store interface {
	Add(ctx context.Context, records []*Record) error
	// Query returns up to k nearest chunks, optionally filtered to one
	// document, ordered by ascending distance.
	Query(ctx context.Context, embedding []float32, k int, documentID string) ([]*Result, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	ListDocumentIDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}
