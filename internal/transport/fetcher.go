package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotFound          = errors.New("transport: resource not found")
	ErrRangeNotSupported = errors.New("transport: source does not support range requests")
	ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")
)

// ProbeResult describes a remote resource before it is downloaded.
type ProbeResult struct {
	Size          int64 // -1 when the source does not report it
	AcceptsRanges bool
	ETag          string
	ContentType   string
}

// Range is an inclusive byte range, like the HTTP Range header.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Response is an open body. The caller must close it.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
	ETag          string
}

// Fetcher is the network collaborator of the downloader.
type Fetcher interface {
	// Probe reports size and range support. It returns ErrNotFound when the
	// resource does not exist.
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	// Fetch opens the resource, or only rng of it when rng is not nil. It
	// returns ErrRangeNotSupported when a range was asked for and the source
	// answered with the whole body.
	Fetch(ctx context.Context, url string, rng *Range) (*Response, error)
}
