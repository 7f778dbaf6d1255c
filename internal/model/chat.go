package model

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatSession struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Ctime int64  `json:"ctime"`
	Mtime int64  `json:"mtime"`
}

type Message struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	Partial    bool    `json:"partial"`
	TokenCount int     `json:"token_count"`
	Cost       float64 `json:"cost"`
	Ctime      int64   `json:"ctime"`
}
