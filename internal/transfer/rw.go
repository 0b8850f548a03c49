package transfer

import (
	"context"
	"errors"
	"io"

	"golang.org/x/time/rate"
)

// Callback is called with the number of bytes persisted by each write.
// It runs on the copying goroutine, so it must not block.
type Callback func(n int64)

type Option func(*Stream)

func WithLimiter(limiter *rate.Limiter) Option {
	return func(s *Stream) {
		s.limiter = limiter
	}
}

func WithCallback(callback Callback) Option {
	return func(s *Stream) {
		s.callback = callback
	}
}

func WithBufferSize(size int) Option {
	return func(s *Stream) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// Stream copies data with context cancellation, rate limiting and a
// progress callback.
type Stream struct {
	limiter    *rate.Limiter
	callback   Callback
	bufferSize int
}

func NewStream(opts ...Option) *Stream {
	s := &Stream{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Copy is a shorthand for NewStream(opts...).Copy.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, opts ...Option) (int64, error) {
	return NewStream(opts...).Copy(ctx, dst, src)
}

// Copy moves src into dst until EOF. When ctx is done the cancellation
// cause is returned, so callers can tell why the copy stopped.
func (s *Stream) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, s.bufferSize)
	for {
		if ctx.Err() != nil {
			return copied, context.Cause(ctx)
		}
		if err := waitN(ctx, s.limiter, len(buf)); err != nil {
			return copied, err
		}

		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if w > 0 && s.callback != nil {
				s.callback(int64(w))
			}
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			// a body read racing a cancellation reports the transport error
			if ctx.Err() != nil {
				return copied, context.Cause(ctx)
			}
			return copied, err
		}
	}
}
