// Package httperrors provides generic error responses for HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	chaterrors "github.com/ironfuel/livechat/internal/errors"
)

// ErrorResponse is the JSON body of every HTTP error
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // milliseconds
	Limit      int64  `json:"limit,omitempty"`       // bytes
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgForbidden          = "Insufficient permissions"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgTooManyRequests    = "Too many requests, please slow down"
	MsgSessionNotFound    = "Session not found"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
)

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error: message,
		Code:  CodeUnauthorized,
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error: MsgInvalidToken,
		Code:  CodeInvalidToken,
	})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, ErrorResponse{
		Error: MsgForbidden,
		Code:  CodeForbidden,
	})
}

// RespondBadRequest sends a 400 response with a generic message
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  CodeBadRequest,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: MsgServiceUnavailable,
		Code:  CodeServiceUnavailable,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: message,
		Code:  CodeNotFound,
	})
}

// RespondTooManyRequests sends a 429 response with a Retry-After header in seconds.
func RespondTooManyRequests(c *gin.Context, retryAfterMs int) {
	if retryAfterMs > 0 {
		c.Header("Retry-After", strconv.Itoa((retryAfterMs+999)/1000))
	}
	c.JSON(http.StatusTooManyRequests, ErrorResponse{
		Error:      MsgTooManyRequests,
		Code:       CodeTooManyRequests,
		RetryAfter: retryAfterMs,
	})
}

// StatusForCode maps a chat error code to its HTTP status.
func StatusForCode(code chaterrors.ErrorCode) int {
	switch code {
	case chaterrors.ErrCodeInvalidFormat, chaterrors.ErrCodeMissingField,
		chaterrors.ErrCodeInvalidContentType, chaterrors.ErrCodeInvalidSender,
		chaterrors.ErrCodeInvalidMedia:
		return http.StatusBadRequest
	case chaterrors.ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case chaterrors.ErrCodeNotFound:
		return http.StatusNotFound
	case chaterrors.ErrCodeTooManyRequests, chaterrors.ErrCodeConnectionLimit:
		return http.StatusTooManyRequests
	case chaterrors.ErrCodeInvalidToken, chaterrors.ErrCodeExpiredToken:
		return http.StatusUnauthorized
	case chaterrors.ErrCodeInsufficientPerms:
		return http.StatusForbidden
	case chaterrors.ErrCodePersistenceFailure, chaterrors.ErrCodeServiceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondChatError writes err with the status of its code. ChatError messages
// are client-safe; service failures still get the generic message so causes
// never leak. Errors outside the taxonomy become a 500.
func RespondChatError(c *gin.Context, err error) {
	chatErr, ok := chaterrors.As(err)
	// No else needed: early return pattern (guard clause)
	if !ok {
		RespondInternalError(c)
		return
	}

	status := StatusForCode(chatErr.Code)
	resp := ErrorResponse{
		Error:      chatErr.Message,
		Code:       string(chatErr.Code),
		RetryAfter: chatErr.RetryAfter,
		Limit:      chatErr.Limit,
	}
	if status == http.StatusServiceUnavailable {
		resp.Error = MsgServiceUnavailable
	}
	if status == http.StatusTooManyRequests && chatErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa((chatErr.RetryAfter+999)/1000))
	}
	c.JSON(status, resp)
}
