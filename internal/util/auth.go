package util

import (
	"errors"
	"slices"
	"strings"

	"github.com/ironfuel/livechat/internal/constants"
)

var (
	// ErrMissingAuthHeader means no Authorization header was sent.
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader means the header is not "Bearer <token>".
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>" value.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	token, ok := strings.CutPrefix(authHeader, constants.BearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthHeader
	}
	return token, nil
}

// IsAdmin reports whether roles include admin or chat_admin, either of which
// grants the admin pool and the admin HTTP endpoints.
func IsAdmin(roles []string) bool {
	return slices.Contains(roles, constants.RoleAdmin) || slices.Contains(roles, constants.RoleChatAdmin)
}

// ContainsWeakPattern reports the first of weakPatterns found in s, ignoring case.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lower := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
