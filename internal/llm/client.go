package llm

import "context"

// Client is the interface that all model backends implement.
type Client interface {
	// Chat sends a completion request. tools uses the OpenAI-style
	// function schema ({"type":"function","function":{...}}); backends
	// convert as needed.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
