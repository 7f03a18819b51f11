// Package search provides a pluggable web search interface for the
// research orchestrator. Each provider implements the [Provider]
// interface and is registered by name. The [Manager] selects a
// provider, enforces a minimum interval between requests to the same
// provider, collapses concurrent identical queries via singleflight,
// validates query text, and retries rate-limited requests with
// exponential backoff.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/retry"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results. Implementations
	// return *apperr.Error with KindAuth/KindValidation/KindRateLimited/
	// KindProvider so the Manager can classify retries.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

const (
	minQueryLen = 3
	maxQueryLen = 1000

	// maxRateLimitRetries is the number of additional attempts after a
	// 429: 3 retries with exponential backoff.
	maxRateLimitRetries = 3
)

// rateLimitBackoff is the schedule used when a provider returns 429:
// 5s, 10s, 20s, capped at 60s.
func rateLimitBackoff() retry.Policy {
	return retry.Policy{
		MaxAttempts: maxRateLimitRetries + 1,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string

	// Interval is the minimum time between requests to the same
	// provider. Zero disables throttling.
	Interval time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	lastCall map[string]time.Time
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default. interval sets the
// minimum spacing between requests to a single provider; default 10s
// is applied by the caller via config defaults.
func NewManager(primary string, interval time.Duration) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		Interval:  interval,
		lastCall:  make(map[string]time.Time),
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider. Queries
// shorter than 3 characters (after trimming) return no results rather
// than erroring, since they are too unspecific to be useful. Queries
// longer than 1000 characters are truncated.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "search", fmt.Sprintf("provider %q not configured", provider))
	}

	query = strings.TrimSpace(query)
	if len(query) < minQueryLen {
		return nil, nil
	}
	if len(query) > maxQueryLen {
		query = query[:maxQueryLen]
	}

	m.throttle(ctx, provider)

	key := provider + "|" + query + "|" + opts.Language + fmt.Sprintf("|%d", opts.Count)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.searchWithRetry(ctx, p, query, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// throttle blocks until at least Interval has elapsed since the last
// call to this provider, or until ctx is cancelled.
func (m *Manager) throttle(ctx context.Context, provider string) {
	if m.Interval <= 0 {
		return
	}
	m.mu.Lock()
	last, ok := m.lastCall[provider]
	now := time.Now()
	var wait time.Duration
	if ok {
		if elapsed := now.Sub(last); elapsed < m.Interval {
			wait = m.Interval - elapsed
		}
	}
	m.lastCall[provider] = now.Add(wait)
	m.mu.Unlock()

	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// searchWithRetry runs the provider's Search, retrying rate-limited
// responses with exponential backoff (up to maxRateLimitRetries extra
// attempts) and any other classified provider error once.
func (m *Manager) searchWithRetry(ctx context.Context, p Provider, query string, opts Options) ([]Result, error) {
	backoff := rateLimitBackoff()
	retriedGeneric := false
	attempt := 0
	for {
		attempt++
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			return results, nil
		}

		switch {
		case apperr.Is(err, apperr.KindRateLimited):
			if attempt > maxRateLimitRetries {
				return nil, apperr.Wrap(apperr.KindRateExhausted, p.Name(), "rate limit retries exhausted", err)
			}
			if serr := backoff.Sleep(ctx, attempt); serr != nil {
				return nil, serr
			}
			continue
		case apperr.Is(err, apperr.KindProvider) && !retriedGeneric:
			retriedGeneric = true
			continue
		default:
			return nil, err
		}
	}
}

// Providers returns the names of all registered providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
