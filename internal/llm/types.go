// Package llm provides model backend clients behind one provider-neutral
// message shape.
package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the model.
type Message struct {
	Role    string
	Content string

	// Images are sent ahead of Content on user messages.
	Images []Image

	ToolCalls  []ToolCall // assistant messages
	ToolCallID string     // tool messages
	ToolName   string     // tool messages
}

// Image is inline image data attached to a user message.
type Image struct {
	Data      []byte
	MediaType string
}

// ToolCall represents a tool call from the model. ID is the
// backend-scoped call id that the matching result must echo.
type ToolCall struct {
	ID       string
	Function ToolFunction
}

// ToolFunction names the tool and carries decoded arguments.
type ToolFunction struct {
	Name      string
	Arguments map[string]any
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ChatResponse is the unified response from any backend. Wire format
// conversion happens at the provider boundary (ollama.go, anthropic.go).
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason StopReason

	InputTokens  int
	OutputTokens int
}

// WantsTools reports whether the response asks for tool execution.
func (r *ChatResponse) WantsTools() bool {
	return r.StopReason == StopToolUse && len(r.Message.ToolCalls) > 0
}
