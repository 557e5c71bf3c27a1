// Package storage persists chat sessions. Each customer owns exactly one
// session document holding an append-only message log.
package storage

import (
	"context"
	"errors"

	"github.com/ironfuel/livechat/internal/message"
)

var (
	// ErrInvalidCustomerID is returned when a customer ID is empty
	ErrInvalidCustomerID = errors.New("customer ID cannot be empty")
	// ErrInvalidMessage is returned when a message is nil or has no ID
	ErrInvalidMessage = errors.New("message must be non-nil with an ID")
	// ErrSessionNotFound is returned when no session exists for a customer
	ErrSessionNotFound = errors.New("session not found")
)

// Profile carries optional customer details stored alongside the session.
// Empty fields never overwrite stored values.
type Profile struct {
	DisplayName string
	Email       string
}

// SessionStore is the durable home of chat sessions.
type SessionStore interface {
	// AppendMessage adds msg to the customer's session, creating the session
	// if absent, and sets lastUpdated to msg.Timestamp. Creation is atomic and
	// idempotent; created reports whether this call created the session.
	AppendMessage(ctx context.Context, customerID string, profile Profile, msg *message.Message) (created bool, err error)

	// GetSession returns the full session, or ErrSessionNotFound.
	GetSession(ctx context.Context, customerID string) (*message.ChatSession, error)

	// ListSessions returns up to limit summaries ordered by lastUpdated, newest first.
	ListSessions(ctx context.Context, limit int) ([]message.SessionSummary, error)

	// MarkRead flags every customer message of the session as read, or returns ErrSessionNotFound.
	MarkRead(ctx context.Context, customerID string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close(ctx context.Context) error
}

func validateAppend(customerID string, msg *message.Message) error {
	if customerID == "" {
		return ErrInvalidCustomerID
	}
	if msg == nil || msg.ID == "" {
		return ErrInvalidMessage
	}
	return nil
}

func normalizeLimit(limit int, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
