package scheduler

import (
	"context"

	"argus/engine/models"
)

// A causal trace binds every job spawned transitively from one external
// action. Traces nest LIFO through the context: a submission made inside a
// trace inherits the innermost trace id; outside any trace the cause id is
// nil.

type traceKey struct{}

type traceFrame struct {
	id     string
	parent *traceFrame
}

// NewTrace pushes a fresh trace onto the context's trace stack and returns
// the derived context plus the trace id.
func NewTrace(ctx context.Context) (context.Context, string) {
	id := models.NewID("tr")
	return WithTrace(ctx, id), id
}

// WithTrace pushes an existing trace id onto the context's trace stack.
func WithTrace(ctx context.Context, id string) context.Context {
	parent, _ := ctx.Value(traceKey{}).(*traceFrame)
	return context.WithValue(ctx, traceKey{}, &traceFrame{id: id, parent: parent})
}

// CauseID returns the innermost active trace id, or nil when the context
// carries no trace.
func CauseID(ctx context.Context) *string {
	if ctx == nil {
		return nil
	}
	frame, _ := ctx.Value(traceKey{}).(*traceFrame)
	if frame == nil {
		return nil
	}
	id := frame.id
	return &id
}
