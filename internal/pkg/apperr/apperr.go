package apperr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code identifies an error kind as "domain.op.reason".
type Code string

const (
	CodeUnsupportedFormat Code = "document.format.unsupported"
	CodeEmptyDocument     Code = "document.content.empty"
	CodeLoadFailure       Code = "document.load.failure"
	CodeNotFound          Code = "document.ownership.not_found"

	CodeIndexUnavailable Code = "index.backend.unavailable"
	CodeIndexInvalid     Code = "index.request.invalid_input"

	CodeEmbeddingFailure Code = "embedding.upstream.failure"

	CodeCompletionRateLimited     Code = "completion.upstream.rate_limited"
	CodeCompletionTimeout         Code = "completion.upstream.timeout"
	CodeCompletionInvalidResponse Code = "completion.response.invalid"

	// CodeOwnershipConflict is reserved: ledger upserts are idempotent today.
	CodeOwnershipConflict Code = "ledger.ownership.conflict"
	CodeLedgerFailure     Code = "ledger.backend.failure"

	CodeInvalidInput  Code = "request.input.invalid_input"
	CodeInvalidConfig Code = "config.validate.invalid_value"

	CodeDriveNotConnected Code = "drive.account.unauthorized"
	CodeDriveFailure      Code = "drive.upstream.failure"
	CodeSyncInProgress    Code = "drive.sync.conflict"
	CodeSyncUnavailable   Code = "drive.sync.failure"

	CodeInternal Code = "server.internal.failure"
)

// Attr is a structured key/value attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldTenant(tenantID string) Attr {
	return Field("tenant_id", tenantID)
}

func FieldFilename(filename string) Attr {
	return Field("filename", filename)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

// Wrap attaches code and context to err. A nil err stays nil.
func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// CodeOf returns the innermost code in the chain, or "" for foreign errors.
// Errors are classified where they originate; outer wraps only add context.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

// IsCompletionFailure reports any completion subkind.
func IsCompletionFailure(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "completion.")
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid_input" || r == "invalid_value"
}

// HTTPStatus maps an error to the status the transport layer reports.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case CodeEmptyDocument, CodeLoadFailure:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIndexUnavailable, CodeLedgerFailure, CodeSyncUnavailable:
		return http.StatusServiceUnavailable
	case CodeEmbeddingFailure, CodeCompletionInvalidResponse, CodeDriveFailure:
		return http.StatusBadGateway
	case CodeCompletionRateLimited:
		return http.StatusTooManyRequests
	case CodeCompletionTimeout:
		return http.StatusGatewayTimeout
	case CodeOwnershipConflict, CodeSyncInProgress:
		return http.StatusConflict
	case CodeDriveNotConnected:
		return http.StatusUnauthorized
	case CodeInvalidInput, CodeIndexInvalid, CodeInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
