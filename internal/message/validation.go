package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation constants
const (
	MaxTextLength       = 10000 // Maximum text content length in characters
	MaxCustomerIDLength = 128
	MaxDisplayNameLen   = 200
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateSubmission checks the fields of a message submission that do not
// depend on configuration. Media size bounds are enforced by the caller.
func ValidateSubmission(sender SenderType, customerID string, contentType ContentType, content string) error {
	if customerID == "" {
		return &ValidationError{Field: "customerId", Message: "customerId is required"}
	}
	if len(customerID) > MaxCustomerIDLength {
		return &ValidationError{
			Field:   "customerId",
			Message: fmt.Sprintf("customerId exceeds maximum length of %d characters", MaxCustomerIDLength),
		}
	}

	if !IsValidSender(sender) {
		return &ValidationError{Field: "sender", Message: fmt.Sprintf("invalid sender type: %s", sender)}
	}

	if !IsValidContentType(contentType) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid content type: %s", contentType)}
	}

	if content == "" {
		return &ValidationError{Field: "content", Message: "content is required"}
	}

	if contentType == TypeText && utf8.RuneCountInString(content) > MaxTextLength {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds maximum length of %d characters", MaxTextLength),
		}
	}

	return nil
}

// SanitizeContent removes null bytes and trims surrounding whitespace.
// HTML escaping is NOT applied here; it belongs at render time only.
func SanitizeContent(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// SanitizeProfile normalizes a display name or email before it is stored.
func SanitizeProfile(s string) string {
	s = SanitizeContent(s)
	if utf8.RuneCountInString(s) > MaxDisplayNameLen {
		s = string([]rune(s)[:MaxDisplayNameLen])
	}
	return s
}

// IsValidSender checks if the sender type is valid
func IsValidSender(s SenderType) bool {
	switch s {
	case SenderCustomer, SenderAdmin:
		return true
	default:
		return false
	}
}

// IsValidContentType checks if the content type is valid
func IsValidContentType(t ContentType) bool {
	switch t {
	case TypeText, TypeImage, TypeVideo:
		return true
	default:
		return false
	}
}
