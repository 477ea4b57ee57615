package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// registered. The agent reports it back to the model as an error
// payload rather than failing the exchange.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface. The text is what the model
// sees.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.ToolName)
}
