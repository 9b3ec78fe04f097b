package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"queryprism/internal/ingest"
	"queryprism/internal/pkg/apperr"
)

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUnauthorized       = 40100
	CodeInternalServer     = 50000
	CodeUsernameExists     = 40001
	CodeEmailExists        = 40002
	CodeInvalidCredentials = 40101
	CodeDriveNotConnected  = 40102
	CodeNotFound           = 40400
	CodeSyncInProgress     = 40900
	CodePayloadTooLarge    = 41300
	CodeUnsupportedFormat  = 41500
	CodeEmptyDocument      = 42200
	CodeLoadFailure        = 42201
	CodeRateLimited        = 42900
	CodeEmbeddingFailure   = 50200
	CodeInvalidCompletion  = 50201
	CodeDriveFailure       = 50202
	CodeIndexUnavailable   = 50300
	CodeLedgerUnavailable  = 50301
	CodeSyncUnavailable    = 50302
	CodeCompletionTimeout  = 50400
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{
		Code:    CodeOK,
		Message: "accepted",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

var apiCodes = map[apperr.Code]int{
	apperr.CodeUnsupportedFormat:         CodeUnsupportedFormat,
	apperr.CodeEmptyDocument:             CodeEmptyDocument,
	apperr.CodeLoadFailure:               CodeLoadFailure,
	apperr.CodeNotFound:                  CodeNotFound,
	apperr.CodeIndexUnavailable:          CodeIndexUnavailable,
	apperr.CodeIndexInvalid:              CodeBadRequest,
	apperr.CodeEmbeddingFailure:          CodeEmbeddingFailure,
	apperr.CodeCompletionRateLimited:     CodeRateLimited,
	apperr.CodeCompletionTimeout:         CodeCompletionTimeout,
	apperr.CodeCompletionInvalidResponse: CodeInvalidCompletion,
	apperr.CodeLedgerFailure:             CodeLedgerUnavailable,
	apperr.CodeInvalidInput:              CodeBadRequest,
	apperr.CodeDriveNotConnected:         CodeDriveNotConnected,
	apperr.CodeDriveFailure:              CodeDriveFailure,
	apperr.CodeSyncInProgress:            CodeSyncInProgress,
	apperr.CodeSyncUnavailable:           CodeSyncUnavailable,
}

// FromError writes err using its classification. Server-side failures
// without a specific code get a generic message; the detail goes to the
// request's error list for the access log.
func FromError(c *gin.Context, err error) {
	_ = c.Error(err)

	status := apperr.HTTPStatus(err)
	code, ok := apiCodes[apperr.CodeOf(err)]
	if !ok {
		code = CodeInternalServer
	}
	message := err.Error()
	if code == CodeInternalServer {
		message = "internal server error"
	}

	var data gin.H
	var stageErr *ingest.StageError
	if errors.As(err, &stageErr) {
		data = gin.H{"stage": stageErr.Stage}
		if stageErr.Inserted > 0 {
			data["vectors_inserted"] = stageErr.Inserted
		}
	}
	if data == nil {
		Error(c, status, code, message)
		return
	}
	c.JSON(status, APIResponse{Code: code, Message: message, Data: data})
}
