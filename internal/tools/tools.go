// Package tools defines the tools available to the agent and the
// registry that dispatches calls to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools in registration order.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// List returns the tool schema in the OpenAI function format that
// [llm.Client] implementations accept.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name. An unregistered name yields
// [*ErrToolUnavailable]; a handler panic is returned as an error so the
// model sees it like any other tool failure. Log lines carry the thread
// id set with [WithThreadID].
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out string, err error) {
	log := r.logger.With("tool", name, "thread_id", ThreadIDFromContext(ctx))
	tool := r.tools[name]
	if tool == nil {
		log.Warn("unknown tool requested")
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("tool panicked", "panic", p)
			out, err = "", fmt.Errorf("%s: internal error: %v", name, p)
		}
	}()
	out, err = tool.Handler(ctx, args)
	log.Debug("tool call", "elapsed", time.Since(start), "ok", err == nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
