// Package util holds small helpers shared by the relay packages.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironfuel/livechat/internal/constants"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// NewTimeoutContext returns a background context bounded by timeout.
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewDefaultTimeoutContext bounds a background context by DefaultContextTimeout.
func NewDefaultTimeoutContext() (context.Context, context.CancelFunc) {
	return NewTimeoutContext(constants.DefaultContextTimeout)
}

// NewContextWithTraceID tags parent with a fresh trace ID, one per inbound event.
func NewContextWithTraceID(parent context.Context) context.Context {
	return ContextWithTraceID(parent, NewTraceID())
}

// ContextWithTraceID tags parent with traceID, typically the HTTP request ID.
func ContextWithTraceID(parent context.Context, traceID string) context.Context {
	return context.WithValue(parent, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace ID carried by ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// NewTraceID returns a random 32 character hex ID.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
