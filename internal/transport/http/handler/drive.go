package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"queryprism/internal/app"
	"queryprism/internal/transport/http/middleware"
	"queryprism/internal/transport/http/response"
)

type DriveHandler struct {
	drive *app.DriveService
}

type SetFolderRequest struct {
	FolderID string `json:"folder_id" binding:"required,max=128"`
}

func NewDriveHandler(drive *app.DriveService) *DriveHandler {
	return &DriveHandler{drive: drive}
}

func (h *DriveHandler) SetFolder(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found in token")
		return
	}

	var req SetFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	if err := h.drive.SetFolder(c.Request.Context(), userID, req.FolderID); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"folder_id": req.FolderID})
}

func (h *DriveHandler) Connect(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found in token")
		return
	}

	url, err := h.drive.ConnectURL(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

// Callback is hit by the browser after consent, so it carries no bearer
// token; the state parameter identifies the user.
func (h *DriveHandler) Callback(c *gin.Context) {
	if errMsg := c.Query("error"); errMsg != "" {
		response.Error(c, http.StatusBadRequest, response.CodeDriveNotConnected, "authorization declined: "+errMsg)
		return
	}
	if err := h.drive.Callback(c.Request.Context(), c.Query("state"), c.Query("code")); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"connected": true})
}

func (h *DriveHandler) StartSync(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found in token")
		return
	}

	status, err := h.drive.StartSync(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Accepted(c, status)
}

func (h *DriveHandler) SyncStatus(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "tenant not found in token")
		return
	}

	status, err := h.drive.SyncStatus(c.Request.Context(), tenantID, c.Param("job_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, status)
}
