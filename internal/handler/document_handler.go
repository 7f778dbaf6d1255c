package handler

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/askdoc/internal/pkg/errcode"
	"github.com/xxxsen/askdoc/internal/pkg/response"
	"github.com/xxxsen/askdoc/internal/service"
)

type DocumentHandler struct {
	documents *service.DocumentService
}

func NewDocumentHandler(documents *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type updateDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *DocumentHandler) Create(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	doc, err := h.documents.Create(c.Request.Context(), req.Title, req.Content)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "file field is required")
		return
	}
	defer file.Close()
	doc, err := h.documents.Upload(c.Request.Context(), header.Filename, file, header.Size)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	docs, err := h.documents.List(c.Request.Context(), offset, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"documents": docs})
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.documents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Update(c *gin.Context) {
	var req updateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	doc, err := h.documents.Update(c.Request.Context(), c.Param("id"), req.Title, req.Content)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.documents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{})
}

func (h *DocumentHandler) Download(c *gin.Context) {
	rc, fileKey, err := h.documents.OpenFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	defer rc.Close()
	c.Header("Content-Disposition", "attachment; filename=\""+fileKey+"\"")
	c.Header("Content-Type", "application/octet-stream")
	_, _ = io.Copy(c.Writer, rc)
}
