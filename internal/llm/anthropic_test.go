package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/occam-assistant/internal/httpkit"
)

func TestEncodeAnthropic(t *testing.T) {
	req := encodeAnthropic([]Message{
		{Role: RoleSystem, Content: "You are Occam."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleUser, Content: "What's on today?"},
	})

	if len(req.System) != 1 || req.System[0].Text != "You are Occam." || req.System[0].CacheControl == nil {
		t.Errorf("system = %+v, want one cached block", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system hoisted, empty assistant dropped)", len(req.Messages))
	}
	if req.Messages[0].Role != RoleUser || req.Messages[0].Content[0].Text != "Hello!" {
		t.Errorf("first message = %+v", req.Messages[0])
	}
}

func TestEncodeAnthropic_BatchesToolResults(t *testing.T) {
	req := encodeAnthropic([]Message{
		{Role: RoleUser, Content: "Search two things."},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "toolu_a", Function: ToolFunction{Name: "web_search", Arguments: map[string]any{"query": "a"}}},
				{Function: ToolFunction{Name: "web_search"}},
			},
		},
		{Role: RoleTool, Content: `{"r":"a"}`, ToolCallID: "toolu_a"},
		{Role: RoleTool, Content: `{"r":"b"}`, ToolCallID: "toolu_web_search_1"},
	})

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want user, tool_use, one batched tool_result", len(req.Messages))
	}
	uses := req.Messages[1].Content
	if len(uses) != 2 || uses[0].Type != "tool_use" {
		t.Fatalf("assistant blocks = %+v, want two tool_use blocks and no empty text", uses)
	}
	if uses[1].ID != "toolu_web_search_1" {
		t.Errorf("synthesized id = %q", uses[1].ID)
	}
	if in, ok := uses[1].Input.(map[string]any); !ok || in == nil {
		t.Errorf("nil arguments should encode as {}, got %#v", uses[1].Input)
	}

	results := req.Messages[2]
	if results.Role != RoleUser || len(results.Content) != 2 {
		t.Fatalf("tool results = %+v", results)
	}
	if results.Content[0].ToolUseID != "toolu_a" || results.Content[1].ToolUseID != "toolu_web_search_1" {
		t.Errorf("tool_use_id order = %s,%s", results.Content[0].ToolUseID, results.Content[1].ToolUseID)
	}
}

func TestEncodeAnthropic_Images(t *testing.T) {
	req := encodeAnthropic([]Message{{
		Role:    RoleUser,
		Content: "What is this image?",
		Images:  []Image{{Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"}},
	}})

	blocks := req.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("blocks = %+v, want image + text", blocks)
	}
	if blocks[0].Type != "image" || blocks[0].Source == nil || blocks[0].Source.MediaType != "image/png" {
		t.Errorf("first block = %+v, want png image", blocks[0])
	}
	if blocks[0].Source.Data != "iVBORw==" {
		t.Errorf("image data = %q, want base64", blocks[0].Source.Data)
	}
	if blocks[1].Text != "What is this image?" {
		t.Errorf("second block = %+v", blocks[1])
	}

	imageOnly := encodeAnthropic([]Message{{Role: RoleUser, Images: []Image{{Data: []byte{1}, MediaType: "image/jpeg"}}}})
	if n := len(imageOnly.Messages[0].Content); n != 1 {
		t.Errorf("image-only message has %d blocks, want 1 (no empty text)", n)
	}
}

func TestAnthropicTools(t *testing.T) {
	got := anthropicTools([]map[string]any{
		{"type": "function", "function": map[string]any{"name": "get_current_datetime", "description": "Current time"}},
		{"type": "broken"},
		{"type": "function", "function": map[string]any{"name": "web_search", "parameters": map[string]any{"type": "object"}}},
	})
	if len(got) != 2 {
		t.Fatalf("tools = %d, want 2", len(got))
	}
	schema, ok := got[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("missing parameters should default to an empty object schema, got %#v", got[0].InputSchema)
	}
	if got[0].CacheControl != nil || got[1].CacheControl == nil {
		t.Error("only the last tool should carry the cache breakpoint")
	}
	if anthropicTools(nil) != nil {
		t.Error("no tools should encode as nil")
	}
}

func newTestAnthropic(t *testing.T, h http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewAnthropicClient("sk-test", 0, nil)
	c.baseURL = srv.URL
	c.retryDelay = time.Millisecond
	return c
}

func TestAnthropicClient_Chat(t *testing.T) {
	var gotReq aRequest
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "list_calendar_events", "input": {"days": 3}}
			],
			"usage": {"input_tokens": 12, "cache_read_input_tokens": 100, "output_tokens": 7}
		}`))
	})

	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "what's this week?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotReq.Model != "claude-test" || gotReq.MaxTokens != 4096 || len(gotReq.System) != 1 || gotReq.System[0].Text != "sys" {
		t.Errorf("request = %+v", gotReq)
	}
	if !resp.WantsTools() {
		t.Fatalf("WantsTools() = false, stop=%s calls=%d", resp.StopReason, len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Function.Name != "list_calendar_events" {
		t.Errorf("tool call = %+v", tc)
	}
	if days, _ := tc.Function.Arguments["days"].(float64); days != 3 {
		t.Errorf("days argument = %v, want 3", tc.Function.Arguments["days"])
	}
	if resp.Message.Content != "Checking." || resp.Message.Role != RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.InputTokens != 112 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want cached tokens counted as input", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicClient_RetriesOverload(t *testing.T) {
	var hits atomic.Int32
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, `{"type":"error","error":{"type":"overloaded_error"}}`, statusOverloaded)
			return
		}
		w.Write([]byte(`{"model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}]}`))
	})

	resp, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" || hits.Load() != 2 {
		t.Errorf("content %q after %d requests", resp.Message.Content, hits.Load())
	}
}

func TestAnthropicClient_GivesUp(t *testing.T) {
	var hits atomic.Int32
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if !httpkit.IsStatus(err, http.StatusTooManyRequests) {
		t.Fatalf("err = %v, want 429", err)
	}
	if hits.Load() != 1+overloadRetries {
		t.Errorf("requests = %d, want %d", hits.Load(), 1+overloadRetries)
	}
}

func TestAnthropicClient_BadRequestNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
	})
	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}
}

func TestAnthropicClient_Ping(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			t.Errorf("ping request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "bad" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	c.apiKey = "bad"
	if err := c.Ping(context.Background()); err == nil || err.Error() != "invalid API key" {
		t.Errorf("Ping with bad key = %v", err)
	}
}
