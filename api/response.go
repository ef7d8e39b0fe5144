package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"vigil/core"
	"vigil/ingest"
	"vigil/service"
	"vigil/storage"
)

// Reason codes carried in the response envelope.
const (
	CodeOK                = "ok"
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

const maxErrorMessageLength = 500

// Response is the envelope of every API response.
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|rediss|file)://[^\s"']+`)
	filePathPattern   = regexp.MustCompile(`(?:^|\s)/(?:[^/\s:"']+/)+[^/\s:"']+`)
	secretPattern     = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|routing_key)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes sensitive information from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, " [FILE_PATH]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// respondJSON writes a JSON response with proper error handling
func (a *API) respondJSON(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already started, can't send error to client
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", body.Data))
	}
}

func (a *API) respondOK(w http.ResponseWriter, statusCode int, data interface{}) {
	a.respondJSON(w, statusCode, Response{Success: true, Code: CodeOK, Data: data})
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, code, message string, data interface{}) {
	a.respondJSON(w, statusCode, Response{
		Success: false,
		Code:    code,
		Message: sanitizeErrorMessage(message),
		Data:    data,
	})
}

// respondServiceError maps an error returned by a service to a status code
// and reason code. Unexpected errors are logged in full and reported to the
// client without detail.
func (a *API) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		a.respondError(w, http.StatusBadRequest, CodeValidation, ve.Error(), ve.Fields)
	case errors.Is(err, ingest.ErrUnsupportedContentType):
		a.respondError(w, http.StatusUnsupportedMediaType, CodeValidation, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		a.respondError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, core.ErrInvalidTransition):
		a.respondError(w, http.StatusConflict, CodeInvalidTransition, err.Error(), nil)
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, service.ErrRuleInUse),
		errors.Is(err, service.ErrProviderInUse):
		a.respondError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	default:
		a.logger.Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		a.respondError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

// badRequest reports a malformed request body or query parameter.
func (a *API) badRequest(w http.ResponseWriter, field, reason string) {
	a.respondError(w, http.StatusBadRequest, CodeValidation,
		fmt.Sprintf("%s: %s", field, reason),
		[]core.FieldError{{Field: field, Reason: reason}})
}
