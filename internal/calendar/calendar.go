// Package calendar reads and writes events on a CalDAV calendar.
//
// Events are identified by their iCalendar UID, which is stable across
// updates. Times are written in UTC and rendered in the owner's zone by
// callers.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no event has the requested id.
var ErrNotFound = errors.New("event not found")

// Event is a calendar event.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Link        string    `json:"link,omitempty"`
}

// Patch lists the fields to change on an existing event. Nil fields are
// left as they are.
type Patch struct {
	Summary     *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Summary == nil && p.Description == nil && p.Location == nil &&
		p.Start == nil && p.End == nil
}

// objectStore is the slice of CalDAV the calendar needs.
type objectStore interface {
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
}

// Calendar is one CalDAV calendar collection.
type Calendar struct {
	store   objectStore
	base    *url.URL
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Config identifies the CalDAV server and collection.
type Config struct {
	URL      string
	Username string
	Password string

	// Path is the calendar collection path. Empty means discover the
	// first event calendar in the principal's home set.
	Path string
}

// Open connects to a CalDAV server and resolves the calendar
// collection.
func Open(ctx context.Context, cfg Config, httpClient *http.Client, logger *slog.Logger) (*Calendar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse calendar url: %w", err)
	}

	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	calPath := cfg.Path
	if calPath == "" {
		calPath, err = discover(ctx, client)
		if err != nil {
			return nil, err
		}
		logger.Info("calendar discovered", "path", calPath)
	}

	return newCalendar(client, base, calPath, logger), nil
}

func newCalendar(store objectStore, base *url.URL, calPath string, logger *slog.Logger) *Calendar {
	if !strings.HasSuffix(calPath, "/") {
		calPath += "/"
	}
	return &Calendar{
		store:   store,
		base:    base,
		path:    calPath,
		logger:  logger.With("component", "calendar"),
		nowFunc: time.Now,
	}
}

func discover(ctx context.Context, client *caldav.Client) (string, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home set: %w", err)
	}
	cals, err := client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	for _, c := range cals {
		if supportsEvents(c.SupportedComponentSet) {
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("no event calendar found under %s", home)
}

func supportsEvents(comps []string) bool {
	if len(comps) == 0 {
		return true
	}
	for _, c := range comps {
		if strings.EqualFold(c, ical.CompEvent) {
			return true
		}
	}
	return false
}

// List returns events overlapping [now, now+days), ordered by start.
func (c *Calendar) List(ctx context.Context, days int) ([]Event, error) {
	if days <= 0 {
		days = 7
	}
	start := c.nowFunc().UTC()
	end := start.AddDate(0, 0, days)

	objs, err := c.store.QueryCalendar(ctx, c.path, eventQuery(start, end, ""))
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objs {
		events = append(events, c.eventsFrom(obj)...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

// Create writes a new event and returns it with its assigned id.
func (c *Calendar) Create(ctx context.Context, ev Event) (Event, error) {
	if ev.Summary == "" {
		return Event{}, errors.New("summary is required")
	}
	if ev.Start.IsZero() || ev.End.IsZero() {
		return Event{}, errors.New("start and end are required")
	}
	if ev.End.Before(ev.Start) {
		return Event{}, errors.New("end is before start")
	}

	ev.ID = uuid.NewString()
	objPath := c.path + ev.ID + ".ics"

	cal := newICalendar()
	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, ev.ID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, c.nowFunc().UTC())
	applyEvent(ve, ev)
	cal.Children = append(cal.Children, ve.Component)

	if _, err := c.store.PutCalendarObject(ctx, objPath, cal); err != nil {
		return Event{}, fmt.Errorf("put event: %w", err)
	}

	ev.Link = c.link(objPath)
	c.logger.Info("event created", "id", ev.ID, "summary", ev.Summary)
	return ev, nil
}

// Update applies p to the event with the given id and returns the
// event as it was before and after the change.
func (c *Calendar) Update(ctx context.Context, id string, p Patch) (before, after Event, err error) {
	if id == "" {
		return Event{}, Event{}, errors.New("event id is required")
	}

	objs, err := c.store.QueryCalendar(ctx, c.path, eventQuery(time.Time{}, time.Time{}, id))
	if err != nil {
		return Event{}, Event{}, fmt.Errorf("query calendar: %w", err)
	}

	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, child := range obj.Data.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			ve := ical.Event{Component: child}
			uid, _ := ve.Props.Text(ical.PropUID)
			if uid != id {
				continue
			}

			before = c.toEvent(ve, obj.Path)
			after = before
			if p.Summary != nil {
				after.Summary = *p.Summary
			}
			if p.Description != nil {
				after.Description = *p.Description
			}
			if p.Location != nil {
				after.Location = *p.Location
			}
			if p.Start != nil {
				after.Start = *p.Start
			}
			if p.End != nil {
				after.End = *p.End
			}
			if after.End.Before(after.Start) {
				return Event{}, Event{}, errors.New("end is before start")
			}

			applyEvent(&ve, after)
			ve.Props.SetDateTime(ical.PropLastModified, c.nowFunc().UTC())
			bumpSequence(&ve)

			if _, err := c.store.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
				return Event{}, Event{}, fmt.Errorf("put event: %w", err)
			}
			c.logger.Info("event updated", "id", id, "summary", after.Summary)
			return before, after, nil
		}
	}

	return Event{}, Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (c *Calendar) eventsFrom(obj caldav.CalendarObject) []Event {
	if obj.Data == nil {
		return nil
	}
	var out []Event
	for _, ve := range obj.Data.Events() {
		out = append(out, c.toEvent(ve, obj.Path))
	}
	return out
}

func (c *Calendar) toEvent(ve ical.Event, objPath string) Event {
	ev := Event{}
	ev.ID, _ = ve.Props.Text(ical.PropUID)
	ev.Summary, _ = ve.Props.Text(ical.PropSummary)
	ev.Description, _ = ve.Props.Text(ical.PropDescription)
	ev.Location, _ = ve.Props.Text(ical.PropLocation)

	var err error
	if ev.Start, err = ve.DateTimeStart(time.UTC); err != nil {
		c.logger.Debug("event start unreadable", "id", ev.ID, "error", err)
	}
	if ev.End, err = ve.DateTimeEnd(time.UTC); err != nil {
		c.logger.Debug("event end unreadable", "id", ev.ID, "error", err)
	}

	if u := ve.Props.Get(ical.PropURL); u != nil && u.Value != "" {
		ev.Link = u.Value
	} else {
		ev.Link = c.link(objPath)
	}
	return ev
}

func (c *Calendar) link(objPath string) string {
	if c.base == nil {
		return objPath
	}
	return c.base.ResolveReference(&url.URL{Path: path.Clean(objPath)}).String()
}

// eventQuery builds a VEVENT query. A non-zero range limits by time; a
// non-empty uid limits to that event.
func eventQuery(start, end time.Time, uid string) *caldav.CalendarQuery {
	filter := caldav.CompFilter{
		Name:  ical.CompEvent,
		Start: start,
		End:   end,
	}
	if uid != "" {
		filter.Props = []caldav.PropFilter{{
			Name:      ical.PropUID,
			TextMatch: &caldav.TextMatch{Text: uid},
		}}
	}
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}
}

func newICalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//occam//assistant//EN")
	return cal
}

// applyEvent writes the mutable fields of ev onto ve. Empty optional
// text fields are removed.
func applyEvent(ve *ical.Event, ev Event) {
	ve.Props.SetText(ical.PropSummary, ev.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	setOptionalText(ve, ical.PropDescription, ev.Description)
	setOptionalText(ve, ical.PropLocation, ev.Location)
}

func setOptionalText(ve *ical.Event, name, value string) {
	if value == "" {
		ve.Props.Del(name)
		return
	}
	ve.Props.SetText(name, value)
}

func bumpSequence(ve *ical.Event) {
	seq := 0
	if p := ve.Props.Get(ical.PropSequence); p != nil {
		if n, err := p.Int(); err == nil {
			seq = n
		}
	}
	ve.Props.Set(&ical.Prop{Name: ical.PropSequence, Value: fmt.Sprint(seq + 1), Params: ical.Params{}})
}
