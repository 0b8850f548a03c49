package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Router dispatches to a Fetcher by URL scheme.
type Router struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRouter serves http and https with httpFetcher.
func NewRouter(httpFetcher Fetcher) *Router {
	r := &Router{fetchers: make(map[string]Fetcher)}
	if httpFetcher != nil {
		r.Register("http", httpFetcher)
		r.Register("https", httpFetcher)
	}
	return r
}

func (r *Router) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[strings.ToLower(scheme)] = f
}

func (r *Router) route(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f, nil
}

func (r *Router) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	f, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Probe(ctx, rawURL)
}

func (r *Router) Fetch(ctx context.Context, rawURL string, rng *Range) (*Response, error) {
	f, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, rawURL, rng)
}

// Host returns the host of rawURL, or "" when it does not parse.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
