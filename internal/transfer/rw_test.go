package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"mediacache/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyReportsProgress(t *testing.T) {
	data := strings.Repeat("0123456789", 10000)
	var dst bytes.Buffer
	var reported int64

	n, err := Copy(context.Background(), &dst, strings.NewReader(data),
		WithBufferSize(1024),
		WithCallback(func(n int64) { reported += n }),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, n, reported)
	assert.Equal(t, data, dst.String())
}

func TestCopyReturnsCancellationCause(t *testing.T) {
	stop := errors.New("stopped by user")
	ctx, cancel := context.WithCancelCause(context.Background())

	src := &slowReader{chunk: []byte("abc")}
	var written int64
	_, err := Copy(ctx, io.Discard, src, WithCallback(func(n int64) {
		written += n
		if written >= 9 {
			cancel(stop)
		}
	}))
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int64(9), written)
}

func TestCopyShortWrite(t *testing.T) {
	_, err := Copy(context.Background(), shortWriter{}, strings.NewReader("hello"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestRateLimiterThrottles(t *testing.T) {
	limiter := NewRateLimiter(types.Bytes(100*1024), types.Bytes(1024), 1)
	assert.Equal(t, 1024, limiter.Burst())

	data := make([]byte, 20*1024)
	start := time.Now()
	_, err := Copy(context.Background(), io.Discard, bytes.NewReader(data),
		WithLimiter(limiter),
		WithBufferSize(4096),
	)
	require.NoError(t, err)
	// 20 KiB at 100 KiB/s with a 1 KiB burst takes roughly 190ms
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestNewRateLimiterZeroIsUnlimited(t *testing.T) {
	limiter := NewRateLimiter(0, DefaultRateBurst, 4)
	require.NoError(t, waitN(context.Background(), limiter, 1<<30))
}

type slowReader struct {
	chunk []byte
}

func (r *slowReader) Read(p []byte) (int, error) {
	return copy(p, r.chunk), nil
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, nil
}
