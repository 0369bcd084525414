package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single dispatched
// task as it moves from a Session through a Worker to a Backend Client.
type LogContext struct {
	TraceID   string    // Correlation id threaded through logs for one client request
	SpanID    string    // Sub-step within TraceID (e.g. one authz round trip)
	SessionID string    // Session that owns the connection
	TranID    uint32    // Wire frame transaction id
	UID       uint32    // Authenticated user id
	GID       uint32    // Authenticated group id
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a session.
func NewLogContext(sessionID string) *LogContext {
	return &LogContext{
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		SessionID: lc.SessionID,
		TranID:    lc.TranID,
		UID:       lc.UID,
		GID:       lc.GID,
		StartTime: lc.StartTime,
	}
}

// WithTranID returns a copy with the transaction id set
func (lc *LogContext) WithTranID(tranID uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TranID = tranID
	}
	return clone
}

// WithAuth returns a copy with authenticated identity set
func (lc *LogContext) WithAuth(uid, gid uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.UID = uid
		clone.GID = gid
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
