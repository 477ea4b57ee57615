package tools

import (
	"strings"
	"sync"
	"time"

	"github.com/nugget/occam-assistant/internal/calendar"
)

// Confirmations collects user-facing summaries of side effects during
// one exchange. They are appended to the reply and never shown to the
// model.
type Confirmations struct {
	mu    sync.Mutex
	items []string
}

// Add records one confirmation block.
func (c *Confirmations) Add(s string) {
	if c == nil || s == "" {
		return
	}
	c.mu.Lock()
	c.items = append(c.items, s)
	c.mu.Unlock()
}

// Text returns every recorded block in order, ready to append to a
// reply.
func (c *Confirmations) Text() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.items, "")
}

// Len reports how many blocks were recorded.
func (c *Confirmations) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

const arrow = " → "

// formatCreated renders the confirmation for a new event.
func formatCreated(ev calendar.Event, loc *time.Location) string {
	lines := []string{"\n\n---", "**Event Created**"}
	lines = append(lines, "*Title:* "+ev.Summary)
	lines = append(lines, "*Start:* "+calendar.FormatTime(ev.Start, loc))
	lines = append(lines, "*End:* "+calendar.FormatTime(ev.End, loc))
	if ev.Description != "" {
		lines = append(lines, "*Description:* "+ev.Description)
	}
	if ev.Location != "" {
		lines = append(lines, "*Location:* "+ev.Location)
	}
	if ev.Link != "" {
		lines = append(lines, "*Link:* "+ev.Link)
	}
	return strings.Join(lines, "\n")
}

// formatUpdated renders the confirmation for a changed event. Fields
// named in the patch show "old → new" when the value changed; the
// title is always shown.
func formatUpdated(before, after calendar.Event, p calendar.Patch, loc *time.Location) string {
	lines := []string{"\n\n---", "**Event Updated**"}

	if p.Summary != nil && after.Summary != before.Summary {
		lines = append(lines, "*Title:* "+before.Summary+arrow+after.Summary)
	} else {
		lines = append(lines, "*Title:* "+after.Summary)
	}

	timeLine := func(label string, patched bool, old, cur time.Time) {
		if !patched {
			return
		}
		if !old.Equal(cur) {
			lines = append(lines, label+calendar.FormatTime(old, loc)+arrow+calendar.FormatTime(cur, loc))
		} else {
			lines = append(lines, label+calendar.FormatTime(cur, loc))
		}
	}
	timeLine("*Start:* ", p.Start != nil, before.Start, after.Start)
	timeLine("*End:* ", p.End != nil, before.End, after.End)

	textLine := func(label string, patched bool, old, cur string) {
		if !patched || cur == "" || cur == old {
			return
		}
		if old != "" {
			lines = append(lines, label+old+arrow+cur)
		} else {
			lines = append(lines, label+cur)
		}
	}
	textLine("*Description:* ", p.Description != nil, before.Description, after.Description)
	textLine("*Location:* ", p.Location != nil, before.Location, after.Location)

	if after.Link != "" {
		lines = append(lines, "*Link:* "+after.Link)
	}
	return strings.Join(lines, "\n")
}
