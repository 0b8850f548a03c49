package download

import (
	"sort"
	"sync"
)

// Registry maps a URL to its active request.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Request
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Request)}
}

// Register makes req the request of url unless an active one is registered
// already, which is then returned with true. A request that is canceled but
// still unwinding is replaced; req will wait for it before touching disk.
func (r *Registry) Register(url string, req *Request) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[url]; ok {
		if existing.active() {
			return existing, true
		}
		if !existing.Ended() {
			req.prev = existing
		}
	}
	r.active[url] = req
	return req, false
}

// Unregister removes req if it is still the request of url.
func (r *Registry) Unregister(url string, req *Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[url] != req {
		return false
	}
	delete(r.active, url)
	return true
}

func (r *Registry) Get(url string) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[url]
	return req, ok
}

// IsActive reports whether url has a request that is neither canceled nor
// finished.
func (r *Registry) IsActive(url string) bool {
	req, ok := r.Get(url)
	return ok && req.active()
}

// Active returns the registered requests, oldest first.
func (r *Registry) Active() []*Request {
	r.mu.Lock()
	out := make([]*Request, 0, len(r.active))
	for _, req := range r.active {
		out = append(out, req)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
