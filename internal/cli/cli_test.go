package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/occam-assistant/internal/channel"
)

// echoDispatcher answers every message synchronously from a goroutine,
// as the real dispatcher would.
type echoDispatcher struct {
	got []*channel.Message
}

func (d *echoDispatcher) Dispatch(m *channel.Message) {
	d.got = append(d.got, m)
	go m.Reply.Send(context.Background(), "echo: "+m.Text)
}

func boolPtr(b bool) *bool { return &b }

func TestListener_Interactive(t *testing.T) {
	in := strings.NewReader("hello\n\n  \nwhat time is it?\nQUIT\nnever sent\n")
	var out bytes.Buffer
	d := &echoDispatcher{}

	l := New(Config{In: in, Out: &out, Dispatcher: d, Interactive: boolPtr(true)})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(d.got) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(d.got))
	}
	for i, want := range []string{"hello", "what time is it?"} {
		m := d.got[i]
		if m.Text != want {
			t.Errorf("message %d = %q, want %q", i, m.Text, want)
		}
		if m.ThreadID != ThreadID || m.Channel != channel.CLI || m.Sender != Sender {
			t.Errorf("message %d routing = %s/%s/%s", i, m.ThreadID, m.Channel, m.Sender)
		}
	}

	got := out.String()
	if !strings.HasPrefix(got, Prompt) {
		t.Errorf("output should start with prompt, got %q", got)
	}
	helloAt := strings.Index(got, "echo: hello")
	secondAt := strings.Index(got, "echo: what time is it?")
	if helloAt < 0 || secondAt < helloAt {
		t.Errorf("replies missing or out of order:\n%s", got)
	}
	if strings.Contains(got, "never sent") {
		t.Error("input after quit was processed")
	}
}

func TestListener_InteractiveEOF(t *testing.T) {
	d := &echoDispatcher{}
	l := New(Config{In: strings.NewReader("one"), Out: &bytes.Buffer{}, Dispatcher: d, Interactive: boolPtr(true)})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.got) != 1 || d.got[0].Text != "one" {
		t.Errorf("dispatched %+v", d.got)
	}
}

func TestListener_PipeMode(t *testing.T) {
	in := strings.NewReader("  first line\nsecond line\n\n")
	var out bytes.Buffer
	d := &echoDispatcher{}

	l := New(Config{In: in, Out: &out, Dispatcher: d})
	if l.Interactive() {
		t.Fatal("a strings.Reader should not be detected as a terminal")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(d.got) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(d.got))
	}
	if d.got[0].Text != "first line\nsecond line" {
		t.Errorf("Text = %q", d.got[0].Text)
	}
	if out.String() != "\necho: first line\nsecond line\n\n" {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), Prompt) {
		t.Error("pipe mode should not print a prompt")
	}
}

func TestListener_PipeModeEmpty(t *testing.T) {
	d := &echoDispatcher{}
	l := New(Config{In: strings.NewReader(" \n\t"), Out: &bytes.Buffer{}, Dispatcher: d})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.got) != 0 {
		t.Errorf("empty input dispatched %d messages", len(d.got))
	}
}

type silentDispatcher struct{}

func (silentDispatcher) Dispatch(*channel.Message) {}

func TestListener_CancelWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	l := New(Config{In: strings.NewReader("hello"), Out: &bytes.Buffer{}, Dispatcher: silentDispatcher{}})
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
