// Package search looks things up on the web when the persona emits a
// SEARCH action.
//
// Each backend implements [Provider] and is registered on a [Manager]
// by name. The orchestrator calls [Manager.Lookup], which runs the
// query on the primary provider and renders the result text that is
// fed back to the model.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// DefaultCount is the number of results requested when Options.Count
// is zero.
const DefaultCount = 3

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return. Providers may
	// return fewer. Zero means DefaultCount.
	Count int
	// Language is an ISO 639-1 language code (e.g., "en", "ms").
	Language string
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string
	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger.With("component", "search"),
	}
}

// Register adds a provider. The first provider registered becomes
// primary when none was named.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("search complete", "provider", p.Name(), "query", query, "results", len(results))
	return results, nil
}

// Lookup runs query and renders the outcome as the follow-up input for
// the model. Failures are folded into the text so the persona can
// still answer.
func (m *Manager) Lookup(ctx context.Context, query string) (text string, n int) {
	if m == nil || !m.Configured() {
		return ResultText(query, nil, "search is not available right now"), 0
	}
	results, err := m.Search(ctx, query, Options{})
	if err != nil {
		m.logger.Warn("search failed", "query", query, "error", err)
		return ResultText(query, nil, "the search didn't work"), 0
	}
	return ResultText(query, results, ""), len(results)
}

// Providers returns the sorted names of all registered providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

// ResultText formats search results as a [SEARCH_RESULT] block. A
// non-empty failure replaces the result list.
func ResultText(query string, results []Result, failure string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SEARCH_RESULT for '%s'] ", query)
	switch {
	case failure != "":
		b.WriteString(failure + ".")
	case len(results) == 0:
		b.WriteString("No results found.")
	default:
		for i, r := range results {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
			if r.Snippet != "" {
				b.WriteString(": " + strings.TrimSpace(r.Snippet))
			}
			fmt.Fprintf(&b, " (%s)", r.URL)
		}
	}
	return b.String()
}
