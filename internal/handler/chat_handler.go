package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/model"
	"github.com/xxxsen/askdoc/internal/pkg/errcode"
	"github.com/xxxsen/askdoc/internal/pkg/response"
	"github.com/xxxsen/askdoc/internal/ratelimit"
	"github.com/xxxsen/askdoc/internal/service"
)

type ChatHandler struct {
	rag      *service.RAGService
	sessions *service.SessionService
	limiter  *ratelimit.Limiter
}

func NewChatHandler(rag *service.RAGService, sessions *service.SessionService, limiter *ratelimit.Limiter) *ChatHandler {
	return &ChatHandler{rag: rag, sessions: sessions, limiter: limiter}
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := h.sessions.List(c.Request.Context(), offset, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"sessions": sessions})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	msgs, err := h.sessions.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"messages": msgs})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{})
}

type focusContextRequest struct {
	DocumentID      string `json:"document_id"`
	StartChar       int    `json:"start_char"`
	EndChar         int    `json:"end_char"`
	SurroundingText string `json:"surrounding_text"`
}

type chatRequest struct {
	SessionID    string               `json:"session_id"`
	Message      string               `json:"message"`
	DocumentID   string               `json:"document_id"`
	NResults     int                  `json:"n_results"`
	FocusContext *focusContextRequest `json:"focus_context"`
}

// Chat answers one question over SSE. The rate limiter gates entry before any
// retrieval or generation work happens.
func (h *ChatHandler) Chat(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logutil.GetLogger(ctx)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		response.Error(c, errcode.ErrInvalid, "session_id and message are required")
		return
	}
	if !h.limiter.CheckQueryLimit(ctx, req.SessionID) {
		response.Error(c, errcode.ErrTooMany, "query limit reached, please slow down")
		return
	}
	if err := h.limiter.AcquireStream(ctx, req.SessionID); err != nil {
		response.Error(c, errcode.ErrTooMany, "too many concurrent streams")
		return
	}
	defer h.limiter.ReleaseStream(ctx, req.SessionID)

	var focus *model.FocusContext
	if req.FocusContext != nil {
		focus = &model.FocusContext{
			DocumentID:      req.FocusContext.DocumentID,
			StartChar:       req.FocusContext.StartChar,
			EndChar:         req.FocusContext.EndChar,
			SurroundingText: req.FocusContext.SurroundingText,
		}
	}

	// History is captured before the new question is appended, so the prompt
	// does not contain the question twice.
	history, err := h.sessions.History(ctx, req.SessionID)
	if err != nil {
		handleError(c, err)
		return
	}
	if _, err := h.sessions.AppendUserMessage(ctx, req.SessionID, req.Message); err != nil {
		handleError(c, err)
		return
	}

	retrieval, err := h.rag.RetrieveContext(ctx, req.Message, req.DocumentID, focus, req.NResults)
	if err != nil {
		handleError(c, err)
		return
	}
	stream, err := h.rag.GenerateResponse(ctx, req.Message, retrieval, req.SessionID, focus, history)
	if err != nil {
		handleError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	var done *service.DoneInfo
	var failed *service.ErrorInfo
	for ev := range stream.Events() {
		switch ev.Kind {
		case service.EventToken:
			c.SSEvent(service.EventToken, gin.H{"text": ev.Token})
		case service.EventSource:
			c.SSEvent(service.EventSource, ev.Source)
		case service.EventDone:
			done = ev.Done
			c.SSEvent(service.EventDone, ev.Done)
		case service.EventError:
			failed = ev.Err
			c.SSEvent(service.EventError, ev.Err)
		}
		c.Writer.Flush()
	}

	// The request context is unusable after a disconnect; persistence still
	// has to happen.
	saveCtx := context.WithoutCancel(ctx)
	switch {
	case done != nil:
		if _, err := h.sessions.AppendAssistantMessage(saveCtx, req.SessionID, stream.Partial(), false, done.TotalTokens, done.CostUSD); err != nil {
			logger.Error("failed to persist answer", zap.Error(err))
		}
	default:
		// Disconnect or failure: keep whatever the user already saw.
		partial := stream.Partial()
		if failed != nil {
			partial = failed.Partial
		}
		if partial != "" {
			if _, err := h.sessions.AppendAssistantMessage(saveCtx, req.SessionID, partial, true, 0, 0); err != nil {
				logger.Error("failed to persist partial answer", zap.Error(err))
			}
		}
	}
}
