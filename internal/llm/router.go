package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Router is a [Client] that picks a backend per request by model name.
// Models without an explicit route go to the default backend.
type Router struct {
	def      string
	backends map[string]Client
	routes   map[string]string // model -> backend name
}

// NewRouter creates a router whose unrouted models go to the backend
// registered under def.
func NewRouter(def string) *Router {
	return &Router{
		def:      def,
		backends: make(map[string]Client),
		routes:   make(map[string]string),
	}
}

// Backend registers a client under a name and routes the given models
// to it. A nil client is ignored, so optional backends can be passed
// unconditionally.
func (r *Router) Backend(name string, c Client, models ...string) *Router {
	if c == nil {
		return r
	}
	r.backends[name] = c
	for _, m := range models {
		r.routes[m] = name
	}
	return r
}

// Default reports the backend unrouted models are sent to, or "" when
// that backend was never registered.
func (r *Router) Default() string {
	if _, ok := r.backends[r.def]; !ok {
		return ""
	}
	return r.def
}

// Backends returns the registered backend names in sorted order.
func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Router) resolve(model string) (Client, error) {
	name, ok := r.routes[model]
	if !ok {
		name = r.def
	}
	if c, ok := r.backends[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no backend for model %q", model)
}

// Chat forwards to the backend that serves model.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := r.resolve(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks every registered backend. Errors are joined and prefixed
// with the backend name.
func (r *Router) Ping(ctx context.Context) error {
	if len(r.backends) == 0 {
		return errors.New("no model backend configured")
	}
	var errs []error
	for _, name := range r.Backends() {
		if err := r.backends[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
