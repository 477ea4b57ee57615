package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/occam-assistant/internal/calendar"
)

// Both the CalDAV client and the test double must satisfy the tool
// surface.
var (
	_ CalendarService = (*calendar.Calendar)(nil)
	_ CalendarService = (*fakeCalendar)(nil)
)

type fakeCalendar struct {
	events  map[string]calendar.Event
	created []calendar.Event
	listErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]calendar.Event)}
}

func (f *fakeCalendar) List(_ context.Context, _ int) ([]calendar.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []calendar.Event
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeCalendar) Create(_ context.Context, ev calendar.Event) (calendar.Event, error) {
	ev.ID = "evt-1"
	ev.Link = "https://dav.example.com/cal/evt-1.ics"
	f.events[ev.ID] = ev
	f.created = append(f.created, ev)
	return ev, nil
}

func (f *fakeCalendar) Update(_ context.Context, id string, p calendar.Patch) (calendar.Event, calendar.Event, error) {
	before, ok := f.events[id]
	if !ok {
		return calendar.Event{}, calendar.Event{}, calendar.ErrNotFound
	}
	after := before
	if p.Summary != nil {
		after.Summary = *p.Summary
	}
	if p.Start != nil {
		after.Start = *p.Start
	}
	if p.End != nil {
		after.End = *p.End
	}
	if p.Location != nil {
		after.Location = *p.Location
	}
	if p.Description != nil {
		after.Description = *p.Description
	}
	f.events[id] = after
	return before, after, nil
}

func toronto(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func newTestRegistry(t *testing.T, cal CalendarService) *Registry {
	t.Helper()
	loc := toronto(t)
	r := NewRegistry(nil)
	r.RegisterBuiltins(Builtins{
		Calendar: cal,
		Location: loc,
		Now:      func() time.Time { return time.Date(2025, 2, 17, 12, 0, 0, 0, loc) },
	})
	return r
}

func TestRegistry_ListOrder(t *testing.T) {
	r := newTestRegistry(t, nil)

	want := []string{
		"get_current_datetime",
		"web_search",
		"list_calendar_events",
		"create_calendar_event",
		"update_calendar_event",
	}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() returned %d tools, want %d", len(got), len(want))
	}
	for i, name := range want {
		fn := got[i]["function"].(map[string]any)
		if fn["name"] != name {
			t.Errorf("tool %d = %v, want %s", i, fn["name"], name)
		}
		if fn["parameters"] == nil {
			t.Errorf("tool %s has no parameters schema", name)
		}
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "launch_rockets", nil)

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Execute(unknown) error = %v, want *ErrToolUnavailable", err)
	}
	if err.Error() != "Unknown tool: launch_rockets" {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestRegistry_HandlerPanic(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "flaky", Handler: func(context.Context, map[string]any) (string, error) {
		var m map[string]int
		m["x"] = 1
		return "unreachable", nil
	}})

	out, err := r.Execute(context.Background(), "flaky", nil)
	if err == nil || out != "" {
		t.Fatalf("Execute = %q, %v; want error", out, err)
	}
	if !strings.HasPrefix(err.Error(), "flaky: internal error:") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestCurrentDatetime(t *testing.T) {
	r := newTestRegistry(t, nil)
	out, err := r.Execute(context.Background(), "get_current_datetime", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if got["datetime"] != "Monday, February 17, 2025 12:00 PM EST" {
		t.Errorf("datetime = %q", got["datetime"])
	}
	if got["timezone"] != "America/Toronto" {
		t.Errorf("timezone = %q", got["timezone"])
	}
}

func TestCalendarNotConfigured(t *testing.T) {
	r := newTestRegistry(t, nil)
	for _, name := range []string{"list_calendar_events", "create_calendar_event", "update_calendar_event"} {
		if _, err := r.Execute(context.Background(), name, map[string]any{"event_id": "x"}); err == nil {
			t.Errorf("%s without a calendar should fail", name)
		}
	}
	if _, err := r.Execute(context.Background(), "web_search", map[string]any{"query": "x"}); err == nil {
		t.Error("web_search without a provider should fail")
	}
}

func TestCreateEvent_Confirmation(t *testing.T) {
	cal := newFakeCalendar()
	r := newTestRegistry(t, cal)
	ctx, confirmations := WithConfirmations(context.Background())

	out, err := r.Execute(ctx, "create_calendar_event", map[string]any{
		"summary":     "Dentist",
		"start":       "2025-02-18T10:00:00",
		"end":         "2025-02-18T11:00:00",
		"description": "Cleaning",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var res eventView
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if res.ID != "evt-1" || res.Start != "2025-02-18T10:00:00-05:00" {
		t.Errorf("result = %+v", res)
	}

	want := "\n\n---\n**Event Created**\n*Title:* Dentist\n*Start:* Feb 18, 10:00 AM EST\n*End:* Feb 18, 11:00 AM EST\n*Description:* Cleaning\n*Link:* https://dav.example.com/cal/evt-1.ics"
	if got := confirmations.Text(); got != want {
		t.Errorf("confirmation =\n%q\nwant\n%q", got, want)
	}
	if strings.Contains(out, "Event Created") {
		t.Error("confirmation text leaked into the tool result")
	}
}

func TestCreateEvent_ExplicitTimezone(t *testing.T) {
	cal := newFakeCalendar()
	r := newTestRegistry(t, cal)

	_, err := r.Execute(context.Background(), "create_calendar_event", map[string]any{
		"summary":  "Call",
		"start":    "2025-02-18T10:00:00",
		"end":      "2025-02-18T10:30:00",
		"timezone": "UTC",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := time.Date(2025, 2, 18, 10, 0, 0, 0, time.UTC)
	if got := cal.created[0].Start; !got.Equal(want) {
		t.Errorf("start = %v, want %v", got, want)
	}
}

func TestUpdateEvent_Diff(t *testing.T) {
	loc := toronto(t)
	cal := newFakeCalendar()
	cal.events["evt-9"] = calendar.Event{
		ID:      "evt-9",
		Summary: "Dentist",
		Start:   time.Date(2025, 2, 18, 10, 0, 0, 0, loc),
		End:     time.Date(2025, 2, 18, 11, 0, 0, 0, loc),
		Link:    "https://dav.example.com/cal/evt-9.ics",
	}
	r := newTestRegistry(t, cal)
	ctx, confirmations := WithConfirmations(context.Background())

	out, err := r.Execute(ctx, "update_calendar_event", map[string]any{
		"event_id": "evt-9",
		"start":    "2025-02-18T14:00:00",
		"end":      "2025-02-18T15:00:00",
		"location": "Main St",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var res struct {
		ID  string    `json:"id"`
		Old eventView `json:"old"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if res.ID != "evt-9" || res.Old.Start != "2025-02-18T10:00:00-05:00" {
		t.Errorf("result = %+v", res)
	}

	want := strings.Join([]string{
		"\n\n---",
		"**Event Updated**",
		"*Title:* Dentist",
		"*Start:* Feb 18, 10:00 AM EST → Feb 18, 2:00 PM EST",
		"*End:* Feb 18, 11:00 AM EST → Feb 18, 3:00 PM EST",
		"*Location:* Main St",
		"*Link:* https://dav.example.com/cal/evt-9.ics",
	}, "\n")
	if got := confirmations.Text(); got != want {
		t.Errorf("confirmation =\n%q\nwant\n%q", got, want)
	}
}

func TestUpdateEvent_Errors(t *testing.T) {
	r := newTestRegistry(t, newFakeCalendar())

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing id", map[string]any{"summary": "x"}},
		{"nothing to change", map[string]any{"event_id": "evt-1"}},
		{"bad time", map[string]any{"event_id": "evt-1", "start": "soon"}},
		{"unknown event", map[string]any{"event_id": "nope", "summary": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, confirmations := WithConfirmations(context.Background())
			if _, err := r.Execute(ctx, "update_calendar_event", tt.args); err == nil {
				t.Error("expected error")
			}
			if confirmations.Len() != 0 {
				t.Error("failed update recorded a confirmation")
			}
		})
	}
}

func TestListEvents(t *testing.T) {
	cal := newFakeCalendar()
	cal.events["a"] = calendar.Event{
		ID:    "a",
		Start: time.Date(2025, 2, 18, 15, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 2, 18, 16, 0, 0, 0, time.UTC),
	}
	r := newTestRegistry(t, cal)

	out, err := r.Execute(context.Background(), "list_calendar_events", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var views []eventView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(views) != 1 || views[0].Summary != "(no title)" || views[0].Start != "2025-02-18T10:00:00-05:00" {
		t.Errorf("views = %+v", views)
	}

	cal.listErr = errors.New("server down")
	if _, err := r.Execute(context.Background(), "list_calendar_events", nil); err == nil {
		t.Error("expected list error to propagate")
	}
}

func TestThreadIDFromContext(t *testing.T) {
	if got := ThreadIDFromContext(context.Background()); got != "" {
		t.Errorf("unset thread id = %q, want empty", got)
	}
	if got := ThreadIDFromContext(WithThreadID(context.Background(), "abc")); got != "abc" {
		t.Errorf("thread id = %q, want abc", got)
	}
}

func TestRegistry_ExecuteLogsThread(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	r.Register(&Tool{Name: "echo", Handler: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}})

	ctx := WithThreadID(context.Background(), "a1b2c3d4e5f6")
	if _, err := r.Execute(ctx, "echo", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := r.Execute(ctx, "missing", nil); err == nil {
		t.Fatal("Execute(missing) should fail")
	}

	logs := buf.String()
	if strings.Count(logs, "thread_id=a1b2c3d4e5f6") != 2 {
		t.Errorf("log lines should carry the thread id:\n%s", logs)
	}
	if !strings.Contains(logs, "tool=echo") || !strings.Contains(logs, "tool=missing") {
		t.Errorf("log lines should name the tool:\n%s", logs)
	}
}

func TestConfirmations_NilSafe(t *testing.T) {
	var c *Confirmations
	c.Add("x")
	if c.Text() != "" || c.Len() != 0 {
		t.Error("nil collector should be inert")
	}
}
