// Package testutil provides shared fakes and helpers for package tests.
package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/storage"
)

// MockConn is a registry connection that records every frame it accepts.
type MockConn struct {
	ID string

	mu     sync.Mutex
	frames [][]byte
	// Reject makes SafeSend drop frames, like a full or closing connection.
	Reject bool
}

// NewMockConn creates a MockConn with the given connection ID.
func NewMockConn(id string) *MockConn {
	return &MockConn{ID: id}
}

// GetConnectionID returns the connection ID.
func (c *MockConn) GetConnectionID() string {
	return c.ID
}

// SafeSend records data unless the connection rejects frames.
func (c *MockConn) SafeSend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reject {
		return false
	}
	c.frames = append(c.frames, data)
	return true
}

// SetReject toggles frame rejection.
func (c *MockConn) SetReject(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reject = reject
}

// Frames returns a copy of the recorded frames.
func (c *MockConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events decodes the recorded frames. Undecodable frames are skipped.
func (c *MockConn) Events() []message.ServerEvent {
	var out []message.ServerEvent
	for _, f := range c.Frames() {
		if ev, err := message.DecodeServerEvent(f); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// EventsOfKind returns the recorded events of one kind.
func (c *MockConn) EventsOfKind(kind message.EventKind) []message.ServerEvent {
	var out []message.ServerEvent
	for _, ev := range c.Events() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops the recorded frames.
func (c *MockConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// MockClient is a MockConn with an authenticated identity.
type MockClient struct {
	*MockConn
	UserID string
	Name   string
	Email  string
	Admin  bool
}

// NewMockClient creates a MockClient for userID on connection connID.
func NewMockClient(connID, userID string, admin bool) *MockClient {
	return &MockClient{MockConn: NewMockConn(connID), UserID: userID, Name: userID, Admin: admin}
}

// GetUserID returns the authenticated user ID.
func (c *MockClient) GetUserID() string { return c.UserID }

// GetName returns the display name.
func (c *MockClient) GetName() string { return c.Name }

// GetEmail returns the email.
func (c *MockClient) GetEmail() string { return c.Email }

// IsAdmin reports whether the client holds an admin role.
func (c *MockClient) IsAdmin() bool { return c.Admin }

// MockSessionStore wraps a MemoryStore with call tracking and error injection.
type MockSessionStore struct {
	*storage.MemoryStore

	mu          sync.Mutex
	AppendCalls int
	AppendError error
	GetError    error
	ListError   error
	MarkError   error
	PingError   error
	// BeforeAppend runs before each append is applied, outside the store lock.
	BeforeAppend func(customerID string, msg *message.Message)
}

// NewMockSessionStore creates an empty MockSessionStore.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{MemoryStore: storage.NewMemoryStore()}
}

// AppendMessage records the call and delegates unless AppendError is set.
func (m *MockSessionStore) AppendMessage(ctx context.Context, customerID string, profile storage.Profile, msg *message.Message) (bool, error) {
	m.mu.Lock()
	m.AppendCalls++
	err := m.AppendError
	hook := m.BeforeAppend
	m.mu.Unlock()

	if err != nil {
		return false, err
	}
	if hook != nil {
		hook(customerID, msg)
	}
	return m.MemoryStore.AppendMessage(ctx, customerID, profile, msg)
}

// GetSession delegates unless GetError is set.
func (m *MockSessionStore) GetSession(ctx context.Context, customerID string) (*message.ChatSession, error) {
	if err := m.injected(&m.GetError); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetSession(ctx, customerID)
}

// ListSessions delegates unless ListError is set.
func (m *MockSessionStore) ListSessions(ctx context.Context, limit int) ([]message.SessionSummary, error) {
	if err := m.injected(&m.ListError); err != nil {
		return nil, err
	}
	return m.MemoryStore.ListSessions(ctx, limit)
}

// MarkRead delegates unless MarkError is set.
func (m *MockSessionStore) MarkRead(ctx context.Context, customerID string) error {
	if err := m.injected(&m.MarkError); err != nil {
		return err
	}
	return m.MemoryStore.MarkRead(ctx, customerID)
}

// Ping delegates unless PingError is set.
func (m *MockSessionStore) Ping(ctx context.Context) error {
	if err := m.injected(&m.PingError); err != nil {
		return err
	}
	return m.MemoryStore.Ping(ctx)
}

// SetAppendError changes AppendError under the lock.
func (m *MockSessionStore) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendError = err
}

// Appends returns the number of AppendMessage calls.
func (m *MockSessionStore) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AppendCalls
}

func (m *MockSessionStore) injected(field *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// Alert is one recorded offline notification.
type Alert struct {
	CustomerID  string
	DisplayName string
	Message     *message.Message
}

// MockNotifier records offline alerts.
type MockNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error
}

// NotifyCustomerWaiting records the alert.
func (n *MockNotifier) NotifyCustomerWaiting(ctx context.Context, customerID, displayName string, msg *message.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, Alert{CustomerID: customerID, DisplayName: displayName, Message: msg})
	return n.Err
}

// Alerts returns a copy of the recorded alerts.
func (n *MockNotifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}

// CreateTestLogger creates a logger for testing that writes to a temporary directory
func CreateTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.InitLog(logging.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	t.Cleanup(logger.Close)
	return logger
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// AssertGoroutineCount reports goroutine count changes and fails on a significant increase.
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	delta := after - before

	t.Logf("Goroutine count (%s): %d -> %d (delta: %d)", description, before, after, delta)

	// Allow for small variations due to test framework and GC
	tolerance := 5
	assert.InDelta(t, before, after, float64(tolerance),
		"Goroutine count should not increase significantly")
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines waits for goroutines to stabilize
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
