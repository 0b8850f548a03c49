package download

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mediacache/internal/cache"
	"mediacache/internal/category"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
	"mediacache/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB

// newOrigin serves payload in several flavours. Stalling handlers send half
// of what was asked for and hang until the client goes away.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})

	serve := func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(payload))
	}
	stall := func(w http.ResponseWriter, r *http.Request, start, end int64) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[start : start+(end-start+1)/2])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ranged", serve)
	mux.HandleFunc("/slow-first", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			time.Sleep(150 * time.Millisecond)
		}
		serve(w, r)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	})
	mux.HandleFunc("/ignores-range", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			serve(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	})
	mux.HandleFunc("/stall-whole", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:len(payload)/2])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	mux.HandleFunc("/stall-ranged", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			serve(w, r)
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		stall(w, r, start, end)
	})

	mux.HandleFunc("/stall-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			serve(w, r)
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		stall(w, r, start, end)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(category.Media, 100<<20, t.TempDir(), cache.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestPipeline(opts ...PipelineOption) *Pipeline {
	opts = append([]PipelineOption{WithPipelineLogger(logger.Discard())}, opts...)
	return NewPipeline(transport.NewHTTPFetcher(), opts...)
}

// run drives one request to its end and returns the outcome and the events
// its listener saw.
func run(t *testing.T, p *Pipeline, store *cache.Store, url string, chunks int, extra ExtraInfo, onProgress func(*Request)) (Outcome, []Event) {
	t.Helper()
	req := NewRequest(context.Background(), url, category.Media, chunks, extra, logger.Discard())

	l := NewChannelListener(4096)
	var once sync.Once
	_, ok := req.Subscribe(ListenerFuncs{
		Start: l.OnStart,
		Progress: func(i int, d, total int64) {
			if onProgress != nil {
				once.Do(func() { onProgress(req) })
			}
		},
		Success:  l.OnSuccess,
		NotFound: l.OnNotFound,
		Cancel:   l.OnCancel,
		Stop:     l.OnStop,
		Fail:     l.OnFail,
		End:      l.OnEnd,
	}, Inline)
	require.True(t, ok)

	o := p.Run(req, store)
	req.Finish(o)

	var events []Event
	for ev := range l.Events() {
		events = append(events, ev)
	}
	return o, events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func assertNoChunks(t *testing.T, store *cache.Store) {
	t.Helper()
	files, err := store.ChunkFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSplitRanges(t *testing.T) {
	assert.Equal(t, []transport.Range{{Start: 0, End: 3}, {Start: 4, End: 6}, {Start: 7, End: 9}}, splitRanges(10, 3))
	assert.Equal(t, []transport.Range{{Start: 0, End: 99}}, splitRanges(100, 1))

	for _, n := range []int{1, 2, 3, 7} {
		var total int64
		for _, r := range splitRanges(1001, n) {
			total += r.Len()
		}
		assert.Equal(t, int64(1001), total)
	}
}

func TestPlanChunks(t *testing.T) {
	ranged := &transport.ProbeResult{Size: 1000, AcceptsRanges: true}
	assert.Equal(t, 3, planChunks(3, DefaultSourcePolicy(), ranged))
	assert.Equal(t, 1, planChunks(1, DefaultSourcePolicy(), ranged))
	assert.Equal(t, 1, planChunks(3, SourcePolicy{}, ranged), "source forbids chunking")
	assert.Equal(t, 1, planChunks(3, DefaultSourcePolicy(), nil), "probe failed")
	assert.Equal(t, 1, planChunks(3, DefaultSourcePolicy(), &transport.ProbeResult{Size: 1000}))
	assert.Equal(t, 1, planChunks(3, DefaultSourcePolicy(), &transport.ProbeResult{Size: -1, AcceptsRanges: true}))
	assert.Equal(t, 2, planChunks(3, DefaultSourcePolicy(), &transport.ProbeResult{Size: 2, AcceptsRanges: true}))
}

func TestPipelineChunkedMergesInRangeOrder(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/slow-first"

	o, events := run(t, newTestPipeline(), store, url, 3, ExtraInfo{}, nil)
	require.Equal(t, types.StatusSucceeded, o.Status, "error: %v", o.Err)

	data, err := os.ReadFile(o.File)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "the first chunk finished last but is merged first")

	assert.Equal(t, EventStart, events[0].Kind)
	assert.Equal(t, 3, events[0].ChunkCount)
	assert.Equal(t, []EventKind{EventStart, EventSuccess, EventEnd}, kinds(events))

	path, ok := store.GetExisting(url)
	assert.True(t, ok)
	assert.Equal(t, o.File, path)
	assert.Equal(t, int64(len(payload)), store.Size())
	assertNoChunks(t, store)
}

func TestPipelineWholeModeWithoutRangeSupport(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)

	var starts []int
	req := NewRequest(context.Background(), srv.URL+"/plain", category.Media, 4, ExtraInfo{}, logger.Discard())
	var progressed int64
	req.Subscribe(ListenerFuncs{
		Start:    func(n int) { starts = append(starts, n) },
		Progress: func(i int, d, total int64) { progressed = d },
	}, Inline)

	o := newTestPipeline(WithProgressStep(1024)).Run(req, store)
	require.Equal(t, types.StatusSucceeded, o.Status, "error: %v", o.Err)
	assert.Equal(t, []int{1}, starts)
	assert.Equal(t, int64(len(payload)), progressed)
	assert.Equal(t, int64(len(payload)), req.Downloaded())
	assert.Equal(t, int64(len(payload)), req.Total())
}

func TestPipelineFallsBackWhenRangesAreIgnored(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)

	o, _ := run(t, newTestPipeline(), store, srv.URL+"/ignores-range", 3, ExtraInfo{}, nil)
	require.Equal(t, types.StatusSucceeded, o.Status, "error: %v", o.Err)

	data, err := os.ReadFile(o.File)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assertNoChunks(t, store)
}

func TestPipelineNotFound(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/missing"

	o, events := run(t, newTestPipeline(), store, url, 3, ExtraInfo{}, nil)
	assert.Equal(t, types.StatusNotFound, o.Status)
	assert.ErrorIs(t, o.Err, ErrNotFound)
	assert.Equal(t, []EventKind{EventNotFound, EventEnd}, kinds(events))

	assert.NoFileExists(t, store.PayloadPath(url))
	assert.Zero(t, store.Stats().Entries)
}

func TestPipelineCancelPurgesEverything(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/stall-ranged"

	o, events := run(t, newTestPipeline(WithProgressStep(1)), store, url, 3, ExtraInfo{}, func(req *Request) {
		req.Cancel()
	})
	assert.Equal(t, types.StatusCanceled, o.Status)
	assert.ErrorIs(t, o.Err, ErrCanceled)

	terminal := kinds(events)[len(events)-2:]
	assert.Equal(t, []EventKind{EventCancel, EventEnd}, terminal)

	assert.NoFileExists(t, store.PayloadPath(url))
	assertNoChunks(t, store)
	assert.Zero(t, store.Size())
}

func TestPipelineStopKeepsPartialPayload(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/stall-whole"

	o, events := run(t, newTestPipeline(WithProgressStep(1)), store, url, 1, ExtraInfo{}, func(req *Request) {
		req.Stop()
	})
	require.Equal(t, types.StatusStopped, o.Status)
	assert.Equal(t, store.PayloadPath(url), o.File)

	info, err := os.Stat(o.File)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Less(t, info.Size(), int64(len(payload)))

	last := events[len(events)-2]
	assert.Equal(t, EventStop, last.Kind)
	assert.Equal(t, o.File, last.File)

	_, ok := store.GetExisting(url)
	assert.False(t, ok, "a stopped download is never complete")
}

func TestPipelineStopKeepsChunkedPrefix(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/stall-tail"
	first := splitRanges(int64(len(payload)), 3)[0]

	req := NewRequest(context.Background(), url, category.Media, 3, ExtraInfo{}, logger.Discard())
	l := NewChannelListener(4096)
	_, ok := req.Subscribe(ListenerFuncs{
		Progress: func(i int, d, total int64) {
			if i == 0 && d == total {
				req.Stop()
			}
		},
		Stop: l.OnStop,
		End:  l.OnEnd,
	}, Inline)
	require.True(t, ok)

	o := newTestPipeline(WithProgressStep(1)).Run(req, store)
	req.Finish(o)
	require.Equal(t, types.StatusStopped, o.Status)
	require.Equal(t, store.PayloadPath(url), o.File)

	got, err := os.ReadFile(o.File)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(len(got)), first.Len())
	assert.Less(t, len(got), len(payload))
	assert.Equal(t, payload[:len(got)], got)
	assertNoChunks(t, store)

	var events []Event
	for ev := range l.Events() {
		events = append(events, ev)
	}
	assert.Equal(t, []EventKind{EventStop, EventEnd}, kinds(events))
	assert.Equal(t, o.File, events[0].File)
}

func TestPipelineSizeTracksCompletePayloads(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	p := newTestPipeline(WithProgressStep(1))

	o, _ := run(t, p, store, srv.URL+"/ranged", 3, ExtraInfo{}, nil)
	require.Equal(t, types.StatusSucceeded, o.Status)

	o, _ = run(t, p, store, srv.URL+"/stall-whole", 1, ExtraInfo{}, func(req *Request) {
		req.Cancel()
	})
	require.Equal(t, types.StatusCanceled, o.Status)

	stopped := srv.URL + "/stall-whole?stopped"
	o, _ = run(t, p, store, stopped, 1, ExtraInfo{}, func(req *Request) {
		req.Stop()
	})
	require.Equal(t, types.StatusStopped, o.Status)
	assert.Equal(t, int64(len(payload)), store.Size(), "a kept partial payload is not counted")

	// a later lookup purges the partial entry
	_, ok := store.GetExisting(stopped)
	require.False(t, ok)

	var onDisk int64
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(store.PayloadPath(srv.URL+"/ranged")), "*.cache"))
	require.NoError(t, err)
	for _, m := range matches {
		info, err := os.Stat(m)
		require.NoError(t, err)
		onDisk += info.Size()
	}
	assert.Equal(t, onDisk, store.Size())
	assert.Equal(t, int64(len(payload)), store.Size())
}

func TestPipelineVerifiesTrustedSources(t *testing.T) {
	srv := newOrigin(t)
	sum := md5.Sum(payload)
	goodMD5 := hex.EncodeToString(sum[:])

	trusted := WithSources([]types.SourceConfig{{
		Host:      "127.0.0.1",
		Chunked:   true,
		TrustSize: true,
		TrustHash: true,
	}})

	tests := []struct {
		name    string
		opts    []PipelineOption
		extra   ExtraInfo
		want    types.Status
		wantErr error
	}{
		{
			name:  "matching size and hash",
			opts:  []PipelineOption{trusted},
			extra: ExtraInfo{Size: int64(len(payload)), MD5: goodMD5},
			want:  types.StatusSucceeded,
		},
		{
			name:    "wrong size",
			opts:    []PipelineOption{trusted},
			extra:   ExtraInfo{Size: 10},
			want:    types.StatusFailed,
			wantErr: ErrSizeMismatch,
		},
		{
			name:    "wrong hash",
			opts:    []PipelineOption{trusted},
			extra:   ExtraInfo{MD5: "00000000000000000000000000000000"},
			want:    types.StatusFailed,
			wantErr: ErrHashMismatch,
		},
		{
			name:  "untrusted source ignores extra info",
			extra: ExtraInfo{Size: 10, MD5: "00000000000000000000000000000000"},
			want:  types.StatusSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			url := srv.URL + "/ranged"

			o, _ := run(t, newTestPipeline(tt.opts...), store, url, 2, tt.extra, nil)
			assert.Equal(t, tt.want, o.Status)
			if tt.wantErr != nil {
				assert.ErrorIs(t, o.Err, tt.wantErr)
				assert.NoFileExists(t, store.PayloadPath(url))
			}
			assertNoChunks(t, store)
		})
	}
}

func TestPipelineWaitsForReplacedRequest(t *testing.T) {
	srv := newOrigin(t)
	store := newTestStore(t)
	url := srv.URL + "/ranged"

	prev := NewRequest(context.Background(), url, category.Media, 1, ExtraInfo{}, logger.Discard())
	prev.Cancel()

	reg := NewRegistry()
	reg.Register(url, prev)
	req := NewRequest(context.Background(), url, category.Media, 1, ExtraInfo{}, logger.Discard())
	_, joined := reg.Register(url, req)
	require.False(t, joined)

	done := make(chan Outcome, 1)
	go func() { done <- newTestPipeline().Run(req, store) }()

	select {
	case <-done:
		t.Fatal("pipeline ran before the replaced request finished")
	case <-time.After(50 * time.Millisecond):
	}

	prev.Finish(Outcome{Status: types.StatusCanceled, Err: ErrCanceled})
	select {
	case o := <-done:
		assert.Equal(t, types.StatusSucceeded, o.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not start")
	}
}
