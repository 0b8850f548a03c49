package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPayload = bytes.Repeat([]byte("mediacache"), 1000)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ranged.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		http.ServeContent(w, r, "ranged.bin", time.Time{}, bytes.NewReader(testPayload))
	})
	mux.HandleFunc("/plain.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(testPayload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(testPayload)
	})
	mux.HandleFunc("/ua", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProbe(t *testing.T) {
	srv := newTestServer(t)
	f := NewHTTPFetcher()
	ctx := context.Background()

	res, err := f.Probe(ctx, srv.URL+"/ranged.bin")
	require.NoError(t, err)
	assert.True(t, res.AcceptsRanges)
	assert.Equal(t, int64(len(testPayload)), res.Size)
	assert.Equal(t, "abc123", res.ETag)

	res, err = f.Probe(ctx, srv.URL+"/plain.bin")
	require.NoError(t, err)
	assert.False(t, res.AcceptsRanges)
	assert.Equal(t, int64(len(testPayload)), res.Size)

	_, err = f.Probe(ctx, srv.URL+"/missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPFetchRange(t *testing.T) {
	srv := newTestServer(t)
	f := NewHTTPFetcher()

	rng := &Range{Start: 10, End: 29}
	resp, err := f.Fetch(context.Background(), srv.URL+"/ranged.bin", rng)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, testPayload[10:30], data)
	assert.Equal(t, rng.Len(), resp.ContentLength)
}

func TestHTTPFetchRangeUnsupported(t *testing.T) {
	srv := newTestServer(t)
	f := NewHTTPFetcher()

	_, err := f.Fetch(context.Background(), srv.URL+"/plain.bin", &Range{Start: 0, End: 9})
	assert.ErrorIs(t, err, ErrRangeNotSupported)

	resp, err := f.Fetch(context.Background(), srv.URL+"/plain.bin", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, testPayload, data)
}

func TestHTTPFetchNotFound(t *testing.T) {
	srv := newTestServer(t)
	_, err := NewHTTPFetcher().Fetch(context.Background(), srv.URL+"/nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPFetcherSendsHeaders(t *testing.T) {
	srv := newTestServer(t)
	f := NewHTTPFetcher(HTTPWithHeaders(map[string]string{"User-Agent": "mediacache-test"}))

	resp, err := f.Fetch(context.Background(), srv.URL+"/ua", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "mediacache-test", string(data))
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{header: "bytes 0-99/1000", start: 0, end: 99, total: 1000},
		{header: "bytes 100-199/*", start: 100, end: 199, total: -1},
		{header: "0-99/1000", wantErr: true},
		{header: "bytes 0-99", wantErr: true},
		{header: "bytes a-99/100", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, total, err := ParseContentRange(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int64{tt.start, tt.end, tt.total}, []int64{start, end, total})
		})
	}
}

func TestRouter(t *testing.T) {
	srv := newTestServer(t)
	r := NewRouter(NewHTTPFetcher())

	res, err := r.Probe(context.Background(), srv.URL+"/ranged.bin")
	require.NoError(t, err)
	assert.True(t, res.AcceptsRanges)

	_, err = r.Fetch(context.Background(), "ftp://example.org/file", nil)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	assert.Equal(t, "example.org", Host("https://Example.org:8443/a.png"))
}
