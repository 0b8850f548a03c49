package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediacache/internal/category"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/tracker"
	"mediacache/internal/core/types"

	"github.com/segmentio/ksuid"
)

// ExtraInfo is what the caller already knows about the payload.
type ExtraInfo struct {
	Size int64  // expected size in bytes, 0 when unknown
	MD5  string // expected hex MD5, "" when unknown
}

// Outcome is the terminal result of a download.
type Outcome struct {
	Status types.Status
	File   string // payload on success, partial payload on stop
	Err    error
}

type subscription struct {
	listener Listener
	exec     Executor
}

// Request is one active download of a URL, shared by every subscriber.
type Request struct {
	id         ksuid.KSUID
	url        string
	category   category.Category
	chunkCount int
	extra      ExtraInfo
	createdAt  time.Time
	log        *logger.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	downloaded atomic.Int64
	total      atomic.Int64
	tracker    *tracker.Tracker

	mu          sync.Mutex
	subs        []*subscription
	started     bool
	startChunks int
	ended       bool
	outcome     Outcome
	finished    chan struct{}

	// prev is an earlier request for the same url that was canceled but had
	// not finished unwinding when this one was registered.
	prev *Request
}

func NewRequest(parent context.Context, url string, cat category.Category, chunkCount int, extra ExtraInfo, log *logger.Logger) *Request {
	ctx, cancel := types.NewCauseSubContext(parent)
	id := ksuid.New()
	if log == nil {
		log = logger.NewLogger(logger.WithName("download"))
	}
	return &Request{
		id:         id,
		url:        url,
		category:   cat,
		chunkCount: max(1, chunkCount),
		extra:      extra,
		createdAt:  time.Now(),
		log:        log.With("request", id.String()),
		ctx:        ctx,
		cancel:     cancel,
		tracker:    tracker.NewTracker(url),
		finished:   make(chan struct{}),
	}
}

func (r *Request) ID() ksuid.KSUID             { return r.id }
func (r *Request) URL() string                 { return r.url }
func (r *Request) Category() category.Category { return r.category }
func (r *Request) ChunkCount() int             { return r.chunkCount }
func (r *Request) Extra() ExtraInfo            { return r.extra }
func (r *Request) CreatedAt() time.Time        { return r.createdAt }
func (r *Request) Tracker() *tracker.Tracker   { return r.tracker }
func (r *Request) Logger() *logger.Logger      { return r.log }

// Context is canceled with ErrCanceled or ErrStopped as its cause.
func (r *Request) Context() context.Context { return r.ctx }

// Cancel aborts the download and purges what was written.
func (r *Request) Cancel() { r.cancel(ErrCanceled) }

// Stop aborts the download but keeps the partial payload.
func (r *Request) Stop() { r.cancel(ErrStopped) }

// Canceled reports whether Cancel or Stop was called.
func (r *Request) Canceled() bool { return r.ctx.Err() != nil }

func (r *Request) Downloaded() int64 { return r.downloaded.Load() }
func (r *Request) Total() int64      { return r.total.Load() }

func (r *Request) addDownloaded(n int64) {
	r.downloaded.Add(n)
	r.tracker.IncCurrent(n)
}

func (r *Request) setTotal(n int64) {
	r.total.Store(n)
	r.tracker.SetTotal(n)
}

func (r *Request) resetProgress() {
	r.downloaded.Store(0)
	r.tracker.SetCurrent(0)
}

// Finished is closed once the terminal event was dispatched.
func (r *Request) Finished() <-chan struct{} { return r.finished }

// Ended reports whether the terminal event was dispatched.
func (r *Request) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *Request) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// active is true until the request is canceled or finished.
func (r *Request) active() bool {
	return !r.Canceled() && !r.Ended()
}

// Subscribe adds a listener. It returns false when the request already ended,
// in which case the listener is not called at all. A late subscriber of a
// started download gets OnStart first.
func (r *Request) Subscribe(l Listener, exec Executor) (*Handle, bool) {
	if exec == nil {
		exec = Inline
	}
	sub := &subscription{listener: l, exec: exec}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil, false
	}
	r.subs = append(r.subs, sub)
	started, chunks := r.started, r.startChunks
	r.mu.Unlock()

	if started {
		r.dispatch(sub, func(l Listener) { l.OnStart(chunks) })
	}
	return &Handle{req: r, sub: sub}, true
}

func (r *Request) unsubscribe(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of subscribers.
func (r *Request) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Request) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*subscription(nil), r.subs...)
}

func (r *Request) dispatch(sub *subscription, fn func(Listener)) {
	sub.exec.Execute(func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("listener panicked", "url", r.url, "panic", p)
			}
		}()
		fn(sub.listener)
	})
}

func (r *Request) emitStart(chunkCount int) {
	r.mu.Lock()
	r.started, r.startChunks = true, chunkCount
	r.mu.Unlock()
	r.tracker.Start()

	for _, sub := range r.snapshot() {
		r.dispatch(sub, func(l Listener) { l.OnStart(chunkCount) })
	}
}

func (r *Request) emitProgress(chunkIndex int, downloaded, chunkTotal int64) {
	for _, sub := range r.snapshot() {
		r.dispatch(sub, func(l Listener) { l.OnProgress(chunkIndex, downloaded, chunkTotal) })
	}
}

// Finish delivers the terminal event and OnEnd to every subscriber. Only the
// first call has an effect.
func (r *Request) Finish(o Outcome) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.outcome = o
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	if r.tracker.IsPending() {
		r.tracker.Start()
	}
	r.tracker.Finish(o.Status, o.Err)

	for _, sub := range subs {
		r.dispatch(sub, func(l Listener) { deliver(l, o) })
		r.dispatch(sub, func(l Listener) { l.OnEnd() })
	}
	r.cancel(context.Canceled)
	close(r.finished)
}

func deliver(l Listener, o Outcome) {
	switch o.Status {
	case types.StatusSucceeded:
		l.OnSuccess(o.File)
	case types.StatusNotFound:
		l.OnNotFound()
	case types.StatusCanceled:
		l.OnCancel()
	case types.StatusStopped:
		l.OnStop(o.File)
	default:
		l.OnFail(o.Err)
	}
}

// Handle is one subscriber's view of a request.
type Handle struct {
	req *Request
	sub *subscription
}

func (h *Handle) Request() *Request { return h.req }
func (h *Handle) ID() ksuid.KSUID   { return h.req.id }
func (h *Handle) URL() string       { return h.req.url }

// Cancel cancels the shared download for every subscriber.
func (h *Handle) Cancel() { h.req.Cancel() }

// Stop stops the shared download, keeping its partial payload.
func (h *Handle) Stop() { h.req.Stop() }

// Unsubscribe removes this listener only. The download keeps running.
func (h *Handle) Unsubscribe() { h.req.unsubscribe(h.sub) }

// Wait blocks until the request finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.req.finished:
		return h.req.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
