package download

import (
	"errors"
	"fmt"

	"mediacache/internal/transport"
)

var (
	ErrNotFound      = errors.New("download: resource not found")
	ErrBadOutputFile = errors.New("download: output file is not usable")
	ErrSizeMismatch  = errors.New("download: size mismatch")
	ErrHashMismatch  = errors.New("download: hash mismatch")

	// ErrCanceled and ErrStopped are the cancellation causes of a request.
	// A canceled download is purged, a stopped one keeps its partial payload.
	ErrCanceled = errors.New("download: canceled")
	ErrStopped  = errors.New("download: stopped")
)

// ChunkError is an I/O failure of one chunk.
type ChunkError struct {
	Index int
	Range transport.Range
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%s): %v", e.Index, e.Range, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
