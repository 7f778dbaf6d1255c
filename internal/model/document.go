package model

type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	FileKey string `json:"file_key"`
	Ctime   int64  `json:"ctime"`
	Mtime   int64  `json:"mtime"`
}

type DocumentSummary struct {
	DocumentID string    `json:"document_id"`
	Summary    string    `json:"summary"`
	Embedding  []float32 `json:"embedding"`
	Mtime      int64     `json:"mtime"`
}
