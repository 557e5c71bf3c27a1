// Package errors provides the error taxonomy of the chat relay.
// It defines error categories, wire codes, and the constructors used by the
// router and the transports to report failures back to the sender.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/ironfuel/livechat/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents input validation errors, including oversized payloads
	CategoryValidation ErrorCategory = "validation"
	// CategoryService represents persistence and infrastructure errors
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryNotFound represents lookups of sessions that do not exist
	CategoryNotFound ErrorCategory = "not_found"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	// Validation errors
	ErrCodeInvalidFormat      ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField       ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidContentType ErrorCode = "INVALID_CONTENT_TYPE"
	ErrCodeInvalidSender      ErrorCode = "INVALID_SENDER"
	ErrCodeInvalidMedia       ErrorCode = "INVALID_MEDIA"
	ErrCodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"

	// Service errors
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeServiceError       ErrorCode = "SERVICE_ERROR"

	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int   // milliseconds, only for rate limit errors
	Limit       int64 // bytes, only for payload size errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a ChatError to a message.ErrorInfo for the wire protocol
func (e *ChatError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
		Limit:       e.Limit,
	}
}

// As extracts a *ChatError from err's chain.
func As(err error) (*ChatError, bool) {
	var ce *ChatError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCode reports whether err carries a ChatError with the given code.
func IsCode(err error, code ErrorCode) bool {
	ce, ok := As(err)
	return ok && ce.Code == code
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable with retry)
func NewServiceError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrExpiredToken creates an expired token error
func ErrExpiredToken(cause error) *ChatError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

// ErrInsufficientPermissions creates an insufficient permissions error.
// It stays recoverable: the connection remains usable for permitted events.
func ErrInsufficientPermissions(details string) *ChatError {
	e := NewAuthError(ErrCodeInsufficientPerms, fmt.Sprintf("Insufficient permissions: %s", details), nil)
	e.Recoverable = true
	return e
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(details string, cause error) *ChatError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrInvalidContentType creates an error for a message type outside text/image/video
func ErrInvalidContentType(contentType string) *ChatError {
	return NewValidationError(ErrCodeInvalidContentType, fmt.Sprintf("Invalid content type: %q", contentType), nil)
}

// ErrInvalidSender creates an error for a sender role outside customer/admin
func ErrInvalidSender(sender string) *ChatError {
	return NewValidationError(ErrCodeInvalidSender, fmt.Sprintf("Invalid sender: %q", sender), nil)
}

// ErrInvalidMedia creates an error for a media payload that is not a recognized image or video
func ErrInvalidMedia(details string) *ChatError {
	return NewValidationError(ErrCodeInvalidMedia, fmt.Sprintf("Invalid media payload: %s", details), nil)
}

// ErrPayloadTooLarge creates a payload size error that carries the limit back to the sender
func ErrPayloadTooLarge(size, limit int64) *ChatError {
	e := NewValidationError(ErrCodePayloadTooLarge,
		fmt.Sprintf("Payload size %d bytes exceeds maximum %d bytes", size, limit), nil)
	e.Limit = limit
	return e
}

// ErrPersistenceFailure creates an error for a session store write that did not complete
func ErrPersistenceFailure(cause error) *ChatError {
	return NewServiceError(ErrCodePersistenceFailure, "Message could not be saved, please retry", cause)
}

// ErrServiceError creates a generic service error
func ErrServiceError(cause error) *ChatError {
	return NewServiceError(ErrCodeServiceError, "Service temporarily unavailable", cause)
}

// ErrNotFound creates a lookup error for a missing resource
func ErrNotFound(what string) *ChatError {
	return &ChatError{
		Category:    CategoryNotFound,
		Code:        ErrCodeNotFound,
		Message:     fmt.Sprintf("%s not found", what),
		Recoverable: true,
	}
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}
