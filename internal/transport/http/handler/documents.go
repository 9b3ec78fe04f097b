package handler

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"queryprism/internal/app"
	"queryprism/internal/transport/http/middleware"
	"queryprism/internal/transport/http/response"
)

type DocumentHandler struct {
	documents      *app.DocumentService
	maxUploadBytes int64
}

type QueryRequest struct {
	Query string `json:"query" binding:"required,max=4000"`
	TopK  int    `json:"top_k" binding:"omitempty,min=1,max=50"`
}

func NewDocumentHandler(documents *app.DocumentService, maxUploadMB int) *DocumentHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &DocumentHandler{documents: documents, maxUploadBytes: int64(maxUploadMB) << 20}
}

func (h *DocumentHandler) List(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "tenant not found in token")
		return
	}

	docs, err := h.documents.List(c.Request.Context(), tenantID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	filenames := make([]string, len(docs))
	for i, d := range docs {
		filenames[i] = d.Filename
	}
	response.OK(c, gin.H{"filenames": filenames, "documents": docs})
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "tenant not found in token")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "file exceeds upload limit")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "cannot read uploaded file")
		return
	}
	defer f.Close()

	result, err := h.documents.Upload(c.Request.Context(), tenantID, filepath.Base(fh.Filename), f)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{
		"filename": result.Filename,
		"format":   result.Format,
		"pages":    result.PageCount,
		"chunks":   result.ChunkCount,
		"replaced": result.Replaced,
	})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "tenant not found in token")
		return
	}

	// synced Drive names may contain "/", so the route is a catch-all
	filename := strings.TrimPrefix(c.Param("filename"), "/")
	if err := h.documents.Delete(c.Request.Context(), tenantID, filename); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": filename})
}

func (h *DocumentHandler) Query(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "tenant not found in token")
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.documents.Ask(c.Request.Context(), app.AskInput{
		TenantID: tenantID,
		Question: req.Query,
		TopK:     req.TopK,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, result)
}
