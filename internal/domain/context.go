package domain

import "context"

type traceIDKey struct{}

// WithTraceID stores the batch's trace id on the context. The downstream
// client propagates it unchanged on every outbound call.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFrom returns the trace id stored on the context, or "" when absent.
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}
