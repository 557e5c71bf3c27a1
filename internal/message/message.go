// Package message defines the data contracts of the chat relay: persisted
// messages and sessions, the summaries served to the admin console, and the
// tagged-union events exchanged over real-time connections.
package message

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the wire format of message timestamps: RFC3339 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// SenderType represents who sent the message
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAdmin    SenderType = "admin"
)

// ContentType represents the payload kind of a message
type ContentType string

const (
	TypeText  ContentType = "text"
	TypeImage ContentType = "image"
	TypeVideo ContentType = "video"
)

// IsMedia reports whether content of this type is a size-bounded media payload.
func (t ContentType) IsMedia() bool {
	return t == TypeImage || t == TypeVideo
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
	Limit       int64  `json:"limit,omitempty"`       // bytes
}

// Message is one entry of a session's append-only log.
type Message struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customerId"`
	Sender     SenderType  `json:"sender"`
	Type       ContentType `json:"type"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Read       bool        `json:"read"`
}

// MarshalJSON implements custom JSON marshaling for Message
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(TimestampLayout),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}

	return nil
}

// ChatSession is the full conversation between one customer and the admin pool.
type ChatSession struct {
	CustomerID          string    `json:"customerId"`
	CustomerDisplayName string    `json:"customerDisplayName,omitempty"`
	CustomerEmail       string    `json:"customerEmail,omitempty"`
	LastUpdated         time.Time `json:"lastUpdated"`
	CreatedAt           time.Time `json:"createdAt"`
	Messages            []Message `json:"messages"`
}

// Summary derives the admin list entry for the session.
func (s *ChatSession) Summary() SessionSummary {
	sum := SessionSummary{
		CustomerID:          s.CustomerID,
		CustomerDisplayName: s.CustomerDisplayName,
		CustomerEmail:       s.CustomerEmail,
		LastUpdated:         s.LastUpdated,
		MessageCount:        len(s.Messages),
	}
	if n := len(s.Messages); n > 0 {
		last := s.Messages[n-1]
		sum.LastMessage = &last
	}
	for _, m := range s.Messages {
		if m.Sender == SenderCustomer && !m.Read {
			sum.UnreadCount++
		}
	}
	return sum
}

// SessionSummary is one row of the admin session list.
type SessionSummary struct {
	CustomerID          string    `json:"customerId"`
	CustomerDisplayName string    `json:"customerDisplayName,omitempty"`
	CustomerEmail       string    `json:"customerEmail,omitempty"`
	LastUpdated         time.Time `json:"lastUpdated"`
	LastMessage         *Message  `json:"lastMessage,omitempty"`
	MessageCount        int       `json:"messageCount"`
	UnreadCount         int       `json:"unreadCount"`
}
