package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// DefaultHTTPClient negotiates HTTP/2 over TLS and falls back to HTTP/1.1.
// Compression is disabled so byte ranges map to bytes on disk.
func DefaultHTTPClient() *http.Client {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	}
	// only fails when the transport is already configured for h2
	_ = http2.ConfigureTransport(t)

	return &http.Client{Transport: t}
}

type HTTPFetcherOption func(*HTTPFetcher)

func HTTPWithClient(c *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// HTTPWithHeaders sets headers sent with every request, e.g. User-Agent.
func HTTPWithHeaders(h map[string]string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		for k, v := range h {
			f.headers[k] = v
		}
	}
}

type HTTPFetcher struct {
	client  *http.Client
	headers map[string]string
}

func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  DefaultHTTPClient(),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Probe sends a HEAD asking for the open range "bytes=0-". A 206 answer
// proves range support.
func (f *HTTPFetcher) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	req, err := f.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}

	result := &ProbeResult{
		Size:        resp.ContentLength,
		ETag:        cleanETag(resp.Header.Get("ETag")),
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.AcceptsRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, _, total, err := ParseContentRange(cr); err == nil {
				result.Size = total
			}
		}
	default:
		result.AcceptsRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	}
	return result, nil
}

// Fetch issues a GET, with a Range header when rng is set.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	req, err := f.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		req.Header.Set("Range", rng.String())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatusCode(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	if rng != nil {
		if resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, ErrRangeNotSupported
		}
		if start, _, _, err := ParseContentRange(resp.Header.Get("Content-Range")); err != nil || start != rng.Start {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: asked for %s, got %q", ErrRangeNotSupported, rng, resp.Header.Get("Content-Range"))
		}
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}, nil
}

// checkStatusCode maps non-success status codes to errors.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSupported
	default:
		return fmt.Errorf("unexpected status code: %d %s", code, http.StatusText(code))
	}
}

func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// ParseContentRange parses "bytes start-end/total". Total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}

	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if totalPart == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
