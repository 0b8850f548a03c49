package download

import (
	"fmt"
	"sync"
)

// Listener receives the lifecycle of a download. Exactly one of OnSuccess,
// OnNotFound, OnCancel, OnStop or OnFail is delivered, and OnEnd always comes
// last.
type Listener interface {
	OnStart(chunkCount int)
	OnProgress(chunkIndex int, downloaded, chunkTotal int64)
	OnSuccess(file string)
	OnNotFound()
	OnCancel()
	// OnStop receives the partial payload, or "" when there is none.
	OnStop(file string)
	OnFail(err error)
	OnEnd()
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start    func(chunkCount int)
	Progress func(chunkIndex int, downloaded, chunkTotal int64)
	Success  func(file string)
	NotFound func()
	Cancel   func()
	Stop     func(file string)
	Fail     func(err error)
	End      func()
}

func (l ListenerFuncs) OnStart(chunkCount int) {
	if l.Start != nil {
		l.Start(chunkCount)
	}
}

func (l ListenerFuncs) OnProgress(chunkIndex int, downloaded, chunkTotal int64) {
	if l.Progress != nil {
		l.Progress(chunkIndex, downloaded, chunkTotal)
	}
}

func (l ListenerFuncs) OnSuccess(file string) {
	if l.Success != nil {
		l.Success(file)
	}
}

func (l ListenerFuncs) OnNotFound() {
	if l.NotFound != nil {
		l.NotFound()
	}
}

func (l ListenerFuncs) OnCancel() {
	if l.Cancel != nil {
		l.Cancel()
	}
}

func (l ListenerFuncs) OnStop(file string) {
	if l.Stop != nil {
		l.Stop(file)
	}
}

func (l ListenerFuncs) OnFail(err error) {
	if l.Fail != nil {
		l.Fail(err)
	}
}

func (l ListenerFuncs) OnEnd() {
	if l.End != nil {
		l.End()
	}
}

// Executor decides where listener callbacks run.
type Executor interface {
	Execute(fn func())
}

type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs callbacks on the goroutine that produced them.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// SerialExecutor runs callbacks one at a time, in order, on its own
// goroutine. Execute never blocks.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// Close runs what is already queued, then stops the goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	<-e.done
}

type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventSuccess
	EventNotFound
	EventCancel
	EventStop
	EventFail
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventSuccess:
		return "success"
	case EventNotFound:
		return "not_found"
	case EventCancel:
		return "cancel"
	case EventStop:
		return "stop"
	case EventFail:
		return "fail"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one listener callback as a value.
type Event struct {
	Kind       EventKind
	ChunkCount int
	ChunkIndex int
	Downloaded int64
	ChunkTotal int64
	File       string
	Err        error
}

// ChannelListener turns callbacks into a stream of events. The channel is
// closed after the end event. Progress events are dropped rather than block
// when the buffer is full; every other event is always delivered.
type ChannelListener struct {
	events chan Event
	once   sync.Once
}

func NewChannelListener(buffer int) *ChannelListener {
	return &ChannelListener{events: make(chan Event, max(buffer, 1))}
}

func (l *ChannelListener) Events() <-chan Event { return l.events }

func (l *ChannelListener) OnStart(chunkCount int) {
	l.events <- Event{Kind: EventStart, ChunkCount: chunkCount}
}

func (l *ChannelListener) OnProgress(chunkIndex int, downloaded, chunkTotal int64) {
	select {
	case l.events <- Event{Kind: EventProgress, ChunkIndex: chunkIndex, Downloaded: downloaded, ChunkTotal: chunkTotal}:
	default:
	}
}

func (l *ChannelListener) OnSuccess(file string) {
	l.events <- Event{Kind: EventSuccess, File: file}
}

func (l *ChannelListener) OnNotFound() {
	l.events <- Event{Kind: EventNotFound}
}

func (l *ChannelListener) OnCancel() {
	l.events <- Event{Kind: EventCancel}
}

func (l *ChannelListener) OnStop(file string) {
	l.events <- Event{Kind: EventStop, File: file}
}

func (l *ChannelListener) OnFail(err error) {
	l.events <- Event{Kind: EventFail, Err: err}
}

func (l *ChannelListener) OnEnd() {
	l.once.Do(func() {
		l.events <- Event{Kind: EventEnd}
		close(l.events)
	})
}

// Terminal collects events until the end and returns the terminal one.
func (l *ChannelListener) Terminal() (Event, bool) {
	var terminal Event
	var ok bool
	for ev := range l.events {
		switch ev.Kind {
		case EventSuccess, EventNotFound, EventCancel, EventStop, EventFail:
			terminal, ok = ev, true
		}
	}
	return terminal, ok
}
