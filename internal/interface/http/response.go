package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	HasMore   bool      `json:"has_more,omitempty"`
}

// Error codes returned in APIError.Code.
const (
	CodeValidation   = "validation_error"
	CodeBadRequest   = "invalid_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeTryAgain     = "try_again"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal_error"
	CodeTooLarge     = "payload_too_large"
)

// writeJSON writes a success envelope.
func writeJSON(c *gin.Context, status int, data interface{}) {
	writeJSONWithMeta(c, status, data, nil)
}

// writeJSONWithMeta writes a success envelope with paging metadata.
func writeJSONWithMeta(c *gin.Context, status int, data interface{}, meta *ResponseMeta) {
	if meta == nil {
		meta = &ResponseMeta{}
	}
	meta.Timestamp = time.Now().UTC()
	meta.Version = "v1"

	c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      meta,
		RequestID: requestID(c),
	})
}

// writeJSONError writes an error envelope and aborts the chain.
func writeJSONError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: requestID(c),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// classifyError maps a domain error to an HTTP status, code and a message
// that is safe to show to the client.
func classifyError(err error) (status int, code, message string) {
	message = "internal error"
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		message = de.Message
	}

	switch {
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, message
	case shared.IsValidation(err):
		return http.StatusBadRequest, CodeValidation, message
	case shared.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound, message
	case shared.IsConflict(err), shared.IsAlreadyExists(err):
		return http.StatusConflict, CodeConflict, message
	case shared.IsTransient(err):
		return http.StatusServiceUnavailable, CodeTryAgain, "please try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

// respondError logs err and writes the mapped error envelope.
func (s *Server) respondError(c *gin.Context, op string, err error) {
	status, code, message := classifyError(err)

	log := logger.FromContext(c.Request.Context())
	fields := []logger.Field{logger.Operation(op), logger.Int("status", status), logger.Err(err)}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Debug("request rejected", fields...)
	}

	writeJSONError(c, status, code, message)
}

func requestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}
