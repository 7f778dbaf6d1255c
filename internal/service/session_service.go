package service

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
	"github.com/xxxsen/askdoc/internal/repo"
)

const sessionTitleMaxChars = 60

type SessionService struct {
	sessions *repo.SessionRepo
	messages *repo.MessageRepo
}

func NewSessionService(sessions *repo.SessionRepo, messages *repo.MessageRepo) *SessionService {
	return &SessionService{sessions: sessions, messages: messages}
}

func (s *SessionService) Create(ctx context.Context, title string) (*model.ChatSession, error) {
	now := time.Now().Unix()
	session := &model.ChatSession{
		ID:    newID(),
		Title: strings.TrimSpace(title),
		Ctime: now,
		Mtime: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

func (s *SessionService) List(ctx context.Context, offset, limit int) ([]*model.ChatSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.sessions.List(ctx, offset, limit)
}

func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	return s.sessions.Delete(ctx, sessionID)
}

// History returns the session's messages in the role/content form the prompt
// builder consumes. Interrupted answers are included; their partial text is
// real context the user saw.
func (s *SessionService) History(ctx context.Context, sessionID string) ([]*model.ChatMessage, error) {
	msgs, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history := make([]*model.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, &model.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

func (s *SessionService) Messages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.messages.ListBySession(ctx, sessionID)
}

func (s *SessionService) AppendUserMessage(ctx context.Context, sessionID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, appErr.ErrInvalid
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	msg := &model.Message{
		ID:        newID(),
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   content,
		Ctime:     now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if session.Title == "" {
		title := []rune(strings.TrimSpace(content))
		if len(title) > sessionTitleMaxChars {
			title = title[:sessionTitleMaxChars]
		}
		if err := s.sessions.Update(ctx, sessionID, string(title), now); err != nil {
			return nil, err
		}
	} else if err := s.sessions.Touch(ctx, sessionID, now); err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendAssistantMessage persists a finished or interrupted answer. partial
// marks answers cut short by a disconnect or failure.
func (s *SessionService) AppendAssistantMessage(ctx context.Context, sessionID, content string, partial bool, tokenCount int, cost float64) (*model.Message, error) {
	if content == "" {
		return nil, appErr.ErrInvalid
	}
	now := time.Now().Unix()
	msg := &model.Message{
		ID:         newID(),
		SessionID:  sessionID,
		Role:       model.RoleAssistant,
		Content:    content,
		Partial:    partial,
		TokenCount: tokenCount,
		Cost:       cost,
		Ctime:      now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, sessionID, now); err != nil {
		return nil, err
	}
	return msg, nil
}
