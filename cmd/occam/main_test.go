package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), strings.NewReader(""), &out, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: occam") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"-x"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/occam.yaml", "ask", "hi"}, "config file not found"},
	}
	for _, tt := range tests {
		err := run(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "Occam dev (") || !strings.Contains(out.String(), "commit:") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] != "dev" || info["go_version"] == "" {
		t.Errorf("version json = %v", info)
	}
}

// fakeOllama answers every chat with a fixed final message and records
// the user text it was sent.
type fakeOllama struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last := req.Messages[len(req.Messages)-1]
		f.mu.Lock()
		f.users = append(f.users, last.Content)
		f.mu.Unlock()
		fmt.Fprint(w, `{"model":"test-model","message":{"role":"assistant","content":"Forty-two."},"done":true,"done_reason":"stop"}`)
	})
	return mux
}

func writeTestConfig(t *testing.T, ollamaURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`llm:
  model: test-model
  ollama:
    url: %s
    models: [test-model]
owner:
  timezone: UTC
data_dir: %s
log_level: debug
`, ollamaURL, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Ask(t *testing.T) {
	backend := &fakeOllama{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	cfgPath := writeTestConfig(t, srv.URL)

	var out, logs bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &out, &logs,
		[]string{"-config", cfgPath, "ask", "what", "is", "the", "answer?"})
	if err != nil {
		t.Fatalf("ask: %v\nlogs:\n%s", err, logs.String())
	}

	if out.String() != "\nForty-two.\n\n" {
		t.Errorf("stdout = %q", out.String())
	}
	if len(backend.users) != 1 || backend.users[0] != "what is the answer?" {
		t.Errorf("backend saw %q", backend.users)
	}
	if !strings.Contains(logs.String(), "exchange complete") {
		t.Errorf("logs missing exchange record:\n%s", logs.String())
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "occam.db")); err != nil {
		t.Errorf("thread database not created: %v", err)
	}
}

func TestRun_AskFromStdin(t *testing.T) {
	backend := &fakeOllama{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	cfgPath := writeTestConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(context.Background(), strings.NewReader("line one\nline two\n"), &out, &bytes.Buffer{},
		[]string{"-config=" + cfgPath, "ask"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(backend.users) != 1 || backend.users[0] != "line one\nline two" {
		t.Errorf("backend saw %q", backend.users)
	}
}

func TestRun_ServeNoChannels(t *testing.T) {
	srv := httptest.NewServer((&fakeOllama{}).handler())
	defer srv.Close()
	cfgPath := writeTestConfig(t, srv.URL)

	// A strings.Reader is not a terminal, so the CLI channel stays off.
	err := run(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{},
		[]string{"-config", cfgPath, "serve"})
	if err == nil || !strings.Contains(err.Error(), "no channels enabled") {
		t.Errorf("serve = %v, want no channels error", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("owner:\n  timezone: UTC\nsignal:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{},
		[]string{"-config", path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("serve = %v, want invalid config", err)
	}
}

func TestRun_UsageAfterAsk(t *testing.T) {
	srv := httptest.NewServer((&fakeOllama{}).handler())
	defer srv.Close()
	cfgPath := writeTestConfig(t, srv.URL)

	if err := run(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{},
		[]string{"-config", cfgPath, "ask", "hello"}); err != nil {
		t.Fatalf("ask: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"-config", cfgPath, "usage", "1"}); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(out.String(), "Last 1 days") || !strings.Contains(out.String(), "cli") {
		t.Errorf("usage output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, &bytes.Buffer{}, []string{"-o", "json", "-config", cfgPath, "usage"}); err != nil {
		t.Fatalf("usage json: %v", err)
	}
	var res struct {
		Days  int
		Total struct{ Exchanges int }
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("usage json: %v\n%s", err, out.String())
	}
	if res.Days != 7 || res.Total.Exchanges != 1 {
		t.Errorf("usage json = %+v", res)
	}

	if err := run(context.Background(), nil, &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config", cfgPath, "usage", "zero"}); err == nil {
		t.Error("usage with a bad day count should fail")
	}
}
