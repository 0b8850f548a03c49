package api

import (
	"net/http"
)

// Route represents a registered API route
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

func NewRoute(method, path string, handler http.HandlerFunc) Route {
	return Route{
		Method:  method,
		Path:    path,
		Handler: handler,
	}
}

// String returns the pattern format expected by ServeMux: "METHOD /path"
func (r *Route) String() string {
	if r.Method == "" {
		return r.Path
	}
	return r.Method + " " + r.Path
}

// HandlerRegistrar is an interface for packages to register their API handlers
type HandlerRegistrar interface {
	RegisterHandler(route Route) error
}

// EndpointHandler is implemented by whatever exposes routes on the server
type EndpointHandler interface {
	RegisterHandlers(registrar HandlerRegistrar) error
}

// EnqueueRequest is the body of POST /downloads
type EnqueueRequest struct {
	URL      string `json:"url"`
	Category string `json:"category"`
	Chunks   int    `json:"chunks"`
	Size     int64  `json:"size,omitempty"`
	MD5      string `json:"md5,omitempty"`
}

// DownloadInfo describes one active download
type DownloadInfo struct {
	ID         string  `json:"id"`
	URL        string  `json:"url"`
	Category   string  `json:"category"`
	Chunks     int     `json:"chunks"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Progress   string  `json:"progress"`
	Speed      string  `json:"speed"`
	Status     string  `json:"status"`
	Listeners  int     `json:"listeners"`
	Age        float64 `json:"age_seconds"`
}
