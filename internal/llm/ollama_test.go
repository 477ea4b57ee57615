package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text", content: "It is sunny.", wantCount: 0},
		{
			name:      "single object",
			content:   `{"name": "web_search", "arguments": {"query": "weather"}}`,
			wantCount: 1,
			wantName:  "web_search",
		},
		{
			name:      "array",
			content:   `[{"name": "get_current_datetime", "arguments": {}}, {"name": "web_search", "arguments": {"query": "x"}}]`,
			wantCount: 2,
			wantName:  "get_current_datetime",
		},
		{
			name:      "tagged",
			content:   `<tool_call>{"name": "list_calendar_events", "arguments": {"days": 2}}</tool_call>`,
			wantCount: 1,
			wantName:  "list_calendar_events",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "web_search", "arguments": {"query": "x"}}`,
			wantCount: 1,
			wantName:  "web_search",
		},
		{name: "object without name", content: `{"arguments": {}}`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first call = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestOllamaClient_CallIDsPositional(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{
			"model": "qwen3",
			"done": true,
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [
					{"function": {"name": "web_search", "arguments": {"query": "a"}}},
					{"function": {"name": "get_current_datetime", "arguments": {}}}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "qwen3", []Message{
		{Role: RoleUser, Content: "look", Images: []Image{{Data: []byte("img"), MediaType: "image/png"}}},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotReq.Stream {
		t.Error("request should not stream")
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Images) != 1 || gotReq.Messages[0].Images[0] != "aW1n" {
		t.Errorf("images not sent as base64: %+v", gotReq.Messages)
	}

	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %s, want tool_use", resp.StopReason)
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_0" || calls[1].ID != "call_1" {
		t.Errorf("ids = %s,%s, want call_0,call_1", calls[0].ID, calls[1].ID)
	}
	if calls[1].Function.Arguments == nil {
		t.Error("empty arguments should be a non-nil map")
	}
}

func TestConvertFromOllama_StopReasons(t *testing.T) {
	tests := []struct {
		name string
		wire ollamaResponse
		want StopReason
	}{
		{name: "plain", wire: ollamaResponse{Message: ollamaMessage{Content: "hi"}, DoneReason: "stop"}, want: StopEndTurn},
		{name: "length", wire: ollamaResponse{Message: ollamaMessage{Content: "hi"}, DoneReason: "length"}, want: StopMaxTokens},
		{name: "text tool call", wire: ollamaResponse{Message: ollamaMessage{Content: `{"name":"web_search","arguments":{}}`}}, want: StopToolUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertFromOllama(&tt.wire).StopReason; got != tt.want {
				t.Errorf("StopReason = %s, want %s", got, tt.want)
			}
		})
	}
}
