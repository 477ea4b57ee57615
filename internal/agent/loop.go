// Package agent implements the bounded tool-call loop that turns one
// user message into a final model reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/occam-assistant/internal/llm"
)

// MaxTurns bounds the number of model calls in one run.
const MaxTurns = 10

// State is the loop's position in its lifecycle.
type State string

const (
	StateDrafting            State = "drafting"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// ToolSet is the tool surface the loop needs. [tools.Registry]
// satisfies it.
type ToolSet interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolResult is the outcome of one tool call, keyed by the call id the
// backend assigned.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Turn records one model response and the tool results it led to.
type Turn struct {
	Text       string
	ToolCalls  []llm.ToolCall
	Results    []ToolResult
	StopReason llm.StopReason
}

// Trace is the record of one run.
type Trace struct {
	Turns     []Turn
	FinalText string
	Latency   time.Duration
	State     State
	Err       error

	InputTokens  int
	OutputTokens int
}

// ToolCallCount returns the total number of tool calls across turns.
func (t *Trace) ToolCallCount() int {
	n := 0
	for _, turn := range t.Turns {
		n += len(turn.ToolCalls)
	}
	return n
}

// Loop runs the model/tool cycle.
type Loop struct {
	client   llm.Client
	model    string
	tools    ToolSet
	location *time.Location
	logger   *slog.Logger
	maxTurns int
	nowFunc  func() time.Time
}

// NewLoop creates a loop that calls model through client and
// dispatches tool calls to tools. loc is the owner's timezone used in
// the system prompt.
func NewLoop(client llm.Client, model string, tools ToolSet, loc *time.Location, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Loop{
		client:   client,
		model:    model,
		tools:    tools,
		location: loc,
		logger:   logger.With("component", "agent"),
		maxTurns: MaxTurns,
		nowFunc:  time.Now,
	}
}

// Run drives the model until it stops asking for tools or [MaxTurns]
// calls have been made. history is the prior conversation in order and
// user is the new message. A backend error ends the run in
// [StateFailed] with an empty FinalText; the error is returned and also
// recorded on the trace.
func (l *Loop) Run(ctx context.Context, history []llm.Message, user llm.Message) (*Trace, error) {
	start := time.Now()
	trace := &Trace{State: StateDrafting}
	defer func() { trace.Latency = time.Since(start) }()

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: SystemPrompt(l.nowFunc(), l.location),
	})
	messages = append(messages, history...)
	messages = append(messages, user)

	var schema []map[string]any
	if l.tools != nil {
		schema = l.tools.List()
	}

	for i := 0; i < l.maxTurns; i++ {
		trace.State = StateDrafting

		l.logger.Debug("calling model", "model", l.model, "turn", i+1, "messages", len(messages))
		resp, err := l.client.Chat(ctx, l.model, messages, schema)
		if err != nil {
			trace.State = StateFailed
			trace.FinalText = ""
			trace.Err = fmt.Errorf("model call %d: %w", i+1, err)
			return trace, trace.Err
		}

		trace.InputTokens += resp.InputTokens
		trace.OutputTokens += resp.OutputTokens
		turn := Turn{
			Text:       resp.Message.Content,
			ToolCalls:  resp.Message.ToolCalls,
			StopReason: resp.StopReason,
		}

		if !resp.WantsTools() {
			trace.Turns = append(trace.Turns, turn)
			trace.State = StateDone
			trace.FinalText = turn.Text
			return trace, nil
		}

		trace.State = StateAwaitingToolResults
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})

		turn.Results = l.runTools(ctx, resp.Message.ToolCalls)
		for _, r := range turn.Results {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    r.Content,
				ToolCallID: r.CallID,
				ToolName:   r.Name,
			})
		}
		trace.Turns = append(trace.Turns, turn)
	}

	// Out of turns: the last response's text stands, even if empty.
	l.logger.Warn("turn limit reached", "turns", l.maxTurns)
	trace.State = StateDone
	if n := len(trace.Turns); n > 0 {
		trace.FinalText = trace.Turns[n-1].Text
	}
	return trace, nil
}

// runTools executes calls strictly in emitted order. Failures become
// error payloads for the model; they never abort the run.
func (l *Loop) runTools(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	seen := make(map[string]bool, len(calls))

	for _, call := range calls {
		name := call.Function.Name
		res := ToolResult{CallID: call.ID, Name: name}

		switch {
		case seen[call.ID]:
			res.Content, res.IsError = errorPayload(fmt.Sprintf("duplicate call id %q", call.ID)), true
		case l.tools == nil:
			res.Content, res.IsError = errorPayload("Unknown tool: "+name), true
		default:
			callStart := time.Now()
			out, err := l.tools.Execute(ctx, name, call.Function.Arguments)
			if err != nil {
				l.logger.Warn("tool failed", "tool", name, "call_id", call.ID, "error", err)
				res.Content, res.IsError = errorPayload(err.Error()), true
			} else {
				res.Content = out
			}
			l.logger.Debug("tool executed", "tool", name, "call_id", call.ID,
				"elapsed", time.Since(callStart), "error", res.IsError)
		}
		seen[call.ID] = true
		results = append(results, res)
	}
	return results
}

func errorPayload(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}
