package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/occam-assistant/internal/calendar"
	"github.com/nugget/occam-assistant/internal/search"
)

// CalendarService is the calendar surface the tools need.
type CalendarService interface {
	List(ctx context.Context, days int) ([]calendar.Event, error)
	Create(ctx context.Context, ev calendar.Event) (calendar.Event, error)
	Update(ctx context.Context, id string, p calendar.Patch) (before, after calendar.Event, err error)
}

// Builtins are the backends behind the fixed tool set. A nil backend
// leaves its tools registered but failing with a "not configured"
// error, so the schema the model sees never changes.
type Builtins struct {
	Search   *search.Manager
	Calendar CalendarService

	// Location is the owner's timezone.
	Location *time.Location

	// Now defaults to time.Now.
	Now func() time.Time
}

var errCalendarNotConfigured = errors.New("calendar not configured")

// RegisterBuiltins registers get_current_datetime, web_search,
// list_calendar_events, create_calendar_event and update_calendar_event.
func (r *Registry) RegisterBuiltins(b Builtins) {
	if b.Location == nil {
		b.Location = time.UTC
	}
	if b.Now == nil {
		b.Now = time.Now
	}

	r.Register(&Tool{
		Name:        "get_current_datetime",
		Description: "Get the current date and time.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     b.currentDatetime,
	})

	webSearch := func(ctx context.Context, args map[string]any) (string, error) {
		if b.Search == nil || !b.Search.Configured() {
			return "", errors.New("web search not configured")
		}
		return b.Search.Handle(ctx, args)
	}
	r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web for information.",
		Parameters:  search.Schema,
		Handler:     webSearch,
	})

	r.Register(&Tool{
		Name:        "list_calendar_events",
		Description: "List upcoming calendar events for the next N days.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days ahead to look. Default 7.",
				},
			},
		},
		Handler: b.listEvents,
	})

	r.Register(&Tool{
		Name:        "create_calendar_event",
		Description: "Create a new calendar event.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":     map[string]any{"type": "string"},
				"start":       map[string]any{"type": "string", "description": "ISO 8601 datetime, e.g. 2026-02-15T14:00:00-05:00"},
				"end":         map[string]any{"type": "string", "description": "ISO 8601 datetime, e.g. 2026-02-15T15:00:00-05:00"},
				"description": map[string]any{"type": "string"},
				"timezone":    map[string]any{"type": "string", "description": "IANA timezone for times without an offset. Default: the owner's timezone."},
			},
			"required": []string{"summary", "start", "end"},
		},
		Handler: b.createEvent,
	})

	r.Register(&Tool{
		Name:        "update_calendar_event",
		Description: "Update an existing calendar event. Use list_calendar_events first to get the event ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"event_id":    map[string]any{"type": "string", "description": "The event ID from list_calendar_events."},
				"summary":     map[string]any{"type": "string"},
				"start":       map[string]any{"type": "string", "description": "ISO 8601 datetime."},
				"end":         map[string]any{"type": "string", "description": "ISO 8601 datetime."},
				"description": map[string]any{"type": "string"},
				"location":    map[string]any{"type": "string"},
			},
			"required": []string{"event_id"},
		},
		Handler: b.updateEvent,
	})
}

func (b Builtins) currentDatetime(_ context.Context, _ map[string]any) (string, error) {
	now := b.Now().In(b.Location)
	return marshal(map[string]string{
		"datetime": now.Format("Monday, January 02, 2006 03:04 PM MST"),
		"iso":      now.Format(time.RFC3339),
		"timezone": b.Location.String(),
	})
}

// eventView is the JSON shape of an event given to the model. Times are
// RFC 3339 in the owner's timezone.
type eventView struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}

func (b Builtins) view(ev calendar.Event) eventView {
	summary := ev.Summary
	if summary == "" {
		summary = "(no title)"
	}
	return eventView{
		ID:          ev.ID,
		Summary:     summary,
		Start:       ev.Start.In(b.Location).Format(time.RFC3339),
		End:         ev.End.In(b.Location).Format(time.RFC3339),
		Location:    ev.Location,
		Description: ev.Description,
		Link:        ev.Link,
	}
}

func (b Builtins) listEvents(ctx context.Context, args map[string]any) (string, error) {
	if b.Calendar == nil {
		return "", errCalendarNotConfigured
	}
	days := 7
	if n, ok := args["days"].(float64); ok && n > 0 {
		days = int(n)
	}

	events, err := b.Calendar.List(ctx, days)
	if err != nil {
		return "", err
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, b.view(ev))
	}
	return marshal(views)
}

func (b Builtins) createEvent(ctx context.Context, args map[string]any) (string, error) {
	if b.Calendar == nil {
		return "", errCalendarNotConfigured
	}

	loc := b.Location
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}

	summary, _ := args["summary"].(string)
	start, err := timeArg(args, "start", loc)
	if err != nil {
		return "", err
	}
	end, err := timeArg(args, "end", loc)
	if err != nil {
		return "", err
	}
	if start == nil || end == nil {
		return "", errors.New("start and end are required")
	}
	description, _ := args["description"].(string)

	created, err := b.Calendar.Create(ctx, calendar.Event{
		Summary:     summary,
		Description: description,
		Start:       *start,
		End:         *end,
	})
	if err != nil {
		return "", err
	}

	confirmationsFrom(ctx).Add(formatCreated(created, b.Location))
	return marshal(b.view(created))
}

func (b Builtins) updateEvent(ctx context.Context, args map[string]any) (string, error) {
	if b.Calendar == nil {
		return "", errCalendarNotConfigured
	}

	id, _ := args["event_id"].(string)
	if id == "" {
		return "", errors.New("event_id is required")
	}

	var p calendar.Patch
	p.Summary = stringArg(args, "summary")
	p.Description = stringArg(args, "description")
	p.Location = stringArg(args, "location")
	var err error
	if p.Start, err = timeArg(args, "start", b.Location); err != nil {
		return "", err
	}
	if p.End, err = timeArg(args, "end", b.Location); err != nil {
		return "", err
	}
	if p.Empty() {
		return "", errors.New("nothing to update")
	}

	before, after, err := b.Calendar.Update(ctx, id, p)
	if err != nil {
		return "", err
	}

	confirmationsFrom(ctx).Add(formatUpdated(before, after, p, b.Location))

	out := struct {
		eventView
		Old eventView `json:"old"`
	}{eventView: b.view(after), Old: b.view(before)}
	return marshal(out)
}

func stringArg(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func timeArg(args map[string]any, key string, loc *time.Location) (*time.Time, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := calendar.ParseTime(s, loc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &t, nil
}

func marshal(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
