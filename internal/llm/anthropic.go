package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/occam-assistant/internal/config"
	"github.com/nugget/occam-assistant/internal/httpkit"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// 529 is Anthropic's "overloaded".
	statusOverloaded = 529

	overloadRetries  = 2
	overloadMaxDelay = 30 * time.Second
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. maxTokens <= 0 uses 4096.
func NewAnthropicClient(apiKey string, maxTokens int, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		maxTokens:  maxTokens,
		retryDelay: 2 * time.Second,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Exchanges carry their own deadline.
			httpkit.WithTimeout(0),
			// Long prompts can take a while before headers arrive.
			httpkit.WithHeaderTimeout(2*time.Minute),
		),
	}
}

// Wire types. Only the fields Occam sends or reads are modelled.

type aRequest struct {
	Model     string     `json:"model"`
	MaxTokens int        `json:"max_tokens"`
	System    []aBlock   `json:"system,omitempty"`
	Messages  []aMessage `json:"messages"`
	Tools     []aTool    `json:"tools,omitempty"`
}

type aMessage struct {
	Role    string   `json:"role"`
	Content []aBlock `json:"content"`
}

type aBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *aImage `json:"source,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	CacheControl *aCache `json:"cache_control,omitempty"`
}

type aImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type aTool struct {
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	InputSchema  any     `json:"input_schema"`
	CacheControl *aCache `json:"cache_control,omitempty"`
}

type aCache struct {
	Type string `json:"type"`
}

var ephemeral = &aCache{Type: "ephemeral"}

type aResponse struct {
	Model      string   `json:"model"`
	Content    []aBlock `json:"content"`
	StopReason string   `json:"stop_reason"`
	Usage      struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Chat sends one Messages API request. Rate-limit (429) and overload
// (529) answers are retried twice, honoring Retry-After.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := encodeAnthropic(messages)
	req.Model = model
	req.MaxTokens = c.maxTokens
	req.Tools = anthropicTools(tools)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("sending request", "model", model, "messages", len(req.Messages), "tools", len(req.Tools))
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	var wire aResponse
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, http.MethodPost, "/v1/messages", body, &wire)
		if attempt == overloadRetries || !(httpkit.IsStatus(err, http.StatusTooManyRequests) || httpkit.IsStatus(err, statusOverloaded)) {
			break
		}
		wait := c.retryDelay << attempt
		if ra, ok := err.(*retryAfterError); ok && ra.after > 0 {
			wait = min(ra.after, overloadMaxDelay)
		}
		c.logger.Warn("anthropic busy, retrying", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		c.logger.Error("API error", "error", err)
		return nil, err
	}

	resp := decodeAnthropic(&wire)
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"cache_read_tokens", wire.Usage.CacheReadTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

// Ping lists models, which checks the key without spending tokens.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/v1/models?limit=1", nil, nil)
	if httpkit.IsStatus(err, http.StatusUnauthorized) {
		return fmt.Errorf("invalid API key")
	}
	return err
}

// retryAfterError carries the server's Retry-After hint with the
// status error it came with.
type retryAfterError struct {
	*httpkit.StatusError
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.StatusError }

func (c *AnthropicClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	if err := httpkit.CheckStatus("anthropic", resp); err != nil {
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &retryAfterError{StatusError: err.(*httpkit.StatusError), after: time.Duration(secs) * time.Second}
	}
	defer httpkit.Drain(resp.Body)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// encodeAnthropic maps the neutral history onto Messages API turns.
// System messages are hoisted into the system field, and consecutive
// tool results are folded into one user turn since every tool_use of an
// assistant turn must be answered by the next message.
func encodeAnthropic(messages []Message) aRequest {
	var req aRequest
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			req.System = append(req.System, aBlock{Type: "text", Text: m.Content})
		case RoleAssistant:
			// The API rejects empty text blocks.
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			req.Messages = append(req.Messages, aMessage{Role: RoleAssistant, Content: assistantBlocks(m)})
		case RoleTool:
			block := aBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(req.Messages); n > 0 && isToolResults(req.Messages[n-1]) {
				req.Messages[n-1].Content = append(req.Messages[n-1].Content, block)
				continue
			}
			req.Messages = append(req.Messages, aMessage{Role: RoleUser, Content: []aBlock{block}})
		case RoleUser:
			req.Messages = append(req.Messages, aMessage{Role: RoleUser, Content: userBlocks(m)})
		}
	}
	// The system prompt is identical on every iteration of the tool
	// loop, so it is worth caching.
	if n := len(req.System); n > 0 {
		req.System[n-1].CacheControl = ephemeral
	}
	return req
}

func assistantBlocks(m Message) []aBlock {
	var blocks []aBlock
	if m.Content != "" {
		blocks = append(blocks, aBlock{Type: "text", Text: m.Content})
	}
	for i, tc := range m.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
		}
		input := tc.Function.Arguments
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, aBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input})
	}
	return blocks
}

// userBlocks puts images ahead of the text.
func userBlocks(m Message) []aBlock {
	blocks := make([]aBlock, 0, len(m.Images)+1)
	for _, img := range m.Images {
		blocks = append(blocks, aBlock{Type: "image", Source: &aImage{
			Type:      "base64",
			MediaType: img.MediaType,
			Data:      base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	if m.Content != "" || len(blocks) == 0 {
		blocks = append(blocks, aBlock{Type: "text", Text: m.Content})
	}
	return blocks
}

func isToolResults(m aMessage) bool {
	return m.Role == RoleUser && len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// anthropicTools converts function-style tool definitions. Entries
// without a function object are skipped. The last tool carries the
// cache breakpoint so the whole tool list is cached.
func anthropicTools(tools []map[string]any) []aTool {
	var out []aTool
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		schema := fn["parameters"]
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, aTool{Name: name, Description: desc, InputSchema: schema})
	}
	if n := len(out); n > 0 {
		out[n-1].CacheControl = ephemeral
	}
	return out
}

// decodeAnthropic keeps text and tool_use blocks in emitted order.
// Cached prompt tokens count toward InputTokens.
func decodeAnthropic(w *aResponse) *ChatResponse {
	resp := &ChatResponse{
		Model:        w.Model,
		Message:      Message{Role: RoleAssistant},
		StopReason:   StopReason(w.StopReason),
		InputTokens:  w.Usage.InputTokens + w.Usage.CacheCreationTokens + w.Usage.CacheReadTokens,
		OutputTokens: w.Usage.OutputTokens,
	}
	for _, b := range w.Content {
		switch b.Type {
		case "text":
			resp.Message.Content += b.Text
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	return resp
}
