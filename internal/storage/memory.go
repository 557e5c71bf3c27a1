package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/message"
)

// MemoryStore is an in-process SessionStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*message.ChatSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*message.ChatSession)}
}

// AppendMessage implements SessionStore.
func (s *MemoryStore) AppendMessage(ctx context.Context, customerID string, profile Profile, msg *message.Message) (bool, error) {
	if err := validateAppend(customerID, msg); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[customerID]
	if !ok {
		sess = &message.ChatSession{
			CustomerID: customerID,
			CreatedAt:  msg.Timestamp,
		}
		s.sessions[customerID] = sess
	}
	if profile.DisplayName != "" {
		sess.CustomerDisplayName = profile.DisplayName
	}
	if profile.Email != "" {
		sess.CustomerEmail = profile.Email
	}

	stored := *msg
	stored.CustomerID = customerID
	sess.Messages = append(sess.Messages, stored)
	sess.LastUpdated = msg.Timestamp

	return !ok, nil
}

// GetSession implements SessionStore.
func (s *MemoryStore) GetSession(ctx context.Context, customerID string) (*message.ChatSession, error) {
	if customerID == "" {
		return nil, ErrInvalidCustomerID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[customerID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

// ListSessions implements SessionStore.
func (s *MemoryStore) ListSessions(ctx context.Context, limit int) ([]message.SessionSummary, error) {
	limit = normalizeLimit(limit, constants.DefaultSessionLimit, constants.MaxSessionLimit)

	s.mu.RLock()
	summaries := make([]message.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		summaries = append(summaries, sess.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastUpdated.Equal(summaries[j].LastUpdated) {
			return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
		}
		return summaries[i].CustomerID < summaries[j].CustomerID
	})

	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// MarkRead implements SessionStore.
func (s *MemoryStore) MarkRead(ctx context.Context, customerID string) error {
	if customerID == "" {
		return ErrInvalidCustomerID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[customerID]
	if !ok {
		return ErrSessionNotFound
	}
	for i := range sess.Messages {
		if sess.Messages[i].Sender == message.SenderCustomer {
			sess.Messages[i].Read = true
		}
	}
	return nil
}

// Ping implements SessionStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements SessionStore.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func copySession(sess *message.ChatSession) *message.ChatSession {
	out := *sess
	out.Messages = make([]message.Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}
