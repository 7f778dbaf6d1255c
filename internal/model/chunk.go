package model

// Chunk is a token-bounded window of a document's text, produced once at
// ingestion time. TokenCount always equals the count produced by
// re-tokenizing Content.
type Chunk struct {
	Index      int    `json:"index"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
}

// RetrievedChunk is a chunk returned by a similarity search, scored in [0,1].
type RetrievedChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Content       string  `json:"content"`
	Similarity    float64 `json:"similarity"`
	Index         int     `json:"index"`
	StartChar     int     `json:"start_char"`
	EndChar       int     `json:"end_char"`
	TokenCount    int     `json:"token_count"`
}

type RetrievalResult struct {
	Chunks            []*RetrievedChunk `json:"chunks"`
	TotalTokens       int               `json:"total_tokens"`
	EmbedTimeMs       int64             `json:"embed_time_ms"`
	SearchTimeMs      int64             `json:"search_time_ms"`
	SelectedDocuments []string          `json:"selected_documents"`
}

// FocusContext is the span of a document the user is currently viewing.
type FocusContext struct {
	DocumentID      string `json:"document_id"`
	StartChar       int    `json:"start_char"`
	EndChar         int    `json:"end_char"`
	SurroundingText string `json:"surrounding_text"`
}
