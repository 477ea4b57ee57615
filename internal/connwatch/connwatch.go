// Package connwatch tracks the health of the services Occam depends on:
// the model backend, the Signal gateway and the IMAP server.
//
// Transport retries in httpkit cover sub-second blips. connwatch covers
// longer outages: it probes each service, re-probes with exponential
// backoff while the service is down, and falls back to a slow poll once
// it is up. Only transitions are logged at info level, so an outage
// shows up once when it starts and once when it ends.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first re-probe delay after a failure.
	InitialDelay time.Duration

	// MaxDelay caps the backoff between failed probes.
	MaxDelay time.Duration

	// PollInterval is the delay between probes while healthy.
	PollInterval time.Duration

	// ProbeTimeout bounds one probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 5s doubling to 60s while down, a 60s poll
// while up, and a 10s probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the last known health of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`

	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
}

// Watcher probes one service until its context ends.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	onChange func(Status)
	logger   *slog.Logger
	done     chan struct{}

	mu     sync.Mutex
	status Status
	probed bool
}

// Status returns the watcher's current view of the service.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.schedule.InitialDelay
	for {
		ok := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.schedule.PollInterval
		if !ok {
			wait = delay
			delay = min(delay*2, w.schedule.MaxDelay)
		} else {
			delay = w.schedule.InitialDelay
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// check runs one probe and records the result, logging and notifying
// on transitions. The first probe always counts as a transition.
func (w *Watcher) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	first := !w.probed
	w.probed = true
	changed := first || w.status.Ready != (err == nil)
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Failures = 0
	}
	st := w.status
	w.mu.Unlock()

	switch {
	case changed && err == nil:
		w.logger.Info("service reachable", "service", w.name)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", st.Failures, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(st)
	}
	return err == nil
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// WatchConfig describes one service to watch.
type WatchConfig struct {
	Name     string
	Probe    ProbeFunc
	Schedule Schedule

	// OnChange is called from the watcher goroutine after every
	// transition, including the first probe. Optional.
	OnChange func(Status)
}

// Watch starts probing a service in the background until ctx ends.
// Watching a name twice replaces the old entry in [Manager.Status]; the
// old watcher keeps running until its context ends.
func (m *Manager) Watch(ctx context.Context, cfg WatchConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	w := &Watcher{
		name:     cfg.Name,
		probe:    cfg.Probe,
		schedule: cfg.Schedule.withDefaults(),
		onChange: cfg.OnChange,
		logger:   m.logger,
		done:     make(chan struct{}),
		status:   Status{Name: cfg.Name},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watched service sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
