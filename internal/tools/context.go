package tools

import "context"

type contextKey string

const (
	threadIDKey      contextKey = "thread_id"
	confirmationsKey contextKey = "confirmations"
)

// WithThreadID adds the conversation thread id to the context.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadIDFromContext extracts the thread id from the context, or ""
// if not set.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// WithConfirmations attaches a fresh confirmation collector to ctx.
// Tools that change the outside world record a user-facing summary in
// it; the caller appends the summaries to the reply.
func WithConfirmations(ctx context.Context) (context.Context, *Confirmations) {
	c := &Confirmations{}
	return context.WithValue(ctx, confirmationsKey, c), c
}

func confirmationsFrom(ctx context.Context) *Confirmations {
	c, _ := ctx.Value(confirmationsKey).(*Confirmations)
	return c
}
