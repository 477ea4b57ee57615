// Package search backs the web_search tool.
//
// Backends implement [Provider]. A [Manager] tries the configured
// primary backend first and falls through the others in registration
// order when it fails, so a rate-limited API key degrades to the
// keyless DuckDuckGo scraper instead of a tool error.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Result counts requested through the tool are clamped to this range.
const (
	DefaultMaxResults = 5
	MaxResultsCap     = 10
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tune one query.
type Options struct {
	MaxResults int
}

func (o Options) limit() int {
	switch {
	case o.MaxResults <= 0:
		return DefaultMaxResults
	case o.MaxResults > MaxResultsCap:
		return MaxResultsCap
	}
	return o.MaxResults
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager runs queries against an ordered chain of providers.
type Manager struct {
	primary string
	chain   []Provider
	logger  *slog.Logger
}

// NewManager creates a manager that prefers the provider named primary.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{primary: primary, logger: logger.With("component", "search")}
}

// Register adds a provider. The primary goes to the front of the chain
// whenever it is registered; the rest keep registration order.
func (m *Manager) Register(p Provider) {
	if p.Name() == m.primary {
		m.chain = append([]Provider{p}, m.chain...)
		return
	}
	m.chain = append(m.chain, p)
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool { return len(m.chain) > 0 }

// Providers lists the chain in the order it is tried.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.chain))
	for i, p := range m.chain {
		names[i] = p.Name()
	}
	return names
}

// Search returns the first successful provider's results, cleaned up
// and trimmed to the requested count. Cancellation stops the chain.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.chain) == 0 {
		return nil, errors.New("no search provider configured")
	}
	var errs []error
	for _, p := range m.chain {
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			m.logger.Debug("search complete", "provider", p.Name(), "query", query, "results", len(results))
			return tidy(results, opts.limit()), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all search providers failed: %w", errors.Join(errs...))
}

// tidy collapses whitespace, drops results without a URL or repeating
// an earlier URL, and applies the limit.
func tidy(in []Result, limit int) []Result {
	seen := make(map[string]bool, len(in))
	out := make([]Result, 0, min(len(in), limit))
	for _, r := range in {
		if len(out) == limit {
			break
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, Result{
			Title:   collapseSpace(r.Title),
			URL:     r.URL,
			Snippet: collapseSpace(r.Snippet),
		})
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
