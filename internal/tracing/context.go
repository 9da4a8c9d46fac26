package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const cycleIDKey contextKey = "cycle_id"

// CycleIDFromContext returns the refresh cycle ID, or "" if none is set.
func CycleIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(cycleIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithCycleID returns ctx carrying id. An empty id returns ctx unchanged.
func ContextWithCycleID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, cycleIDKey, id)
}

// NewCycleID returns a fresh random cycle ID.
func NewCycleID() string {
	return uuid.NewString()
}
