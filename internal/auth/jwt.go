// Package auth validates the identity tokens presented by customers and admins.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ironfuel/livechat/internal/util"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// Claims is the identity carried by a token. For customers UserID doubles as the customer ID.
type Claims struct {
	UserID string
	Name   string
	Email  string
	Roles  []string
}

// IsAdmin reports whether the claims grant an admin connection.
func (c *Claims) IsAdmin() bool {
	return c != nil && util.IsAdmin(c.Roles)
}

// TokenValidator turns a raw token into claims. JWTValidator implements it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// JWTValidator validates HMAC-signed tokens
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
	}
}

// ValidateToken checks the signature and expiry of tokenString and extracts
// user_id, roles and the optional name and email claims.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// No else needed: early return pattern (guard clause)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		case errors.Is(err, jwt.ErrSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	// No else needed: early return pattern (guard clause)
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID, ok := mapClaims["user_id"].(string)
	// No else needed: early return pattern (guard clause)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	name, _ := mapClaims["name"].(string)
	// No else needed: optional operation (set default value)
	if name == "" {
		name = userID
	}
	email, _ := mapClaims["email"].(string)

	rolesInterface, ok := mapClaims["roles"]
	// No else needed: early return pattern (guard clause)
	if !ok {
		return nil, fmt.Errorf("%w: roles claim missing", ErrMissingClaims)
	}

	roles, err := extractRoles(rolesInterface)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingClaims, err)
	}

	return &Claims{
		UserID: userID,
		Name:   name,
		Email:  email,
		Roles:  roles,
	}, nil
}

// extractRoles converts the roles claim to a string slice
func extractRoles(rolesInterface interface{}) ([]string, error) {
	switch v := rolesInterface.(type) {
	case []interface{}:
		roles := make([]string, len(v))
		for i, role := range v {
			roleStr, ok := role.(string)
			// No else needed: early return pattern (guard clause)
			if !ok {
				return nil, fmt.Errorf("roles array contains non-string value at index %d", i)
			}
			roles[i] = roleStr
		}
		return roles, nil
	case []string:
		return v, nil
	case string:
		// Some issuers send a single role as a bare string.
		if v == "" {
			return []string{}, nil
		}
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("roles claim must be an array of strings")
	}
}
