package runner

import (
	"context"
	"errors"
	"sync"

	"mediacache/internal/core/logger"
	"mediacache/internal/core/tracker"
	"mediacache/internal/core/types"
)

var ErrPoolClosed = errors.New("pool is closed")

type PoolOption func(*Pool)

func WithPoolLogger(log *logger.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = log
	}
}

func WithPoolWorkers(workers int) PoolOption {
	return func(p *Pool) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// Pool runs jobs from one unbounded FIFO queue on a fixed number of workers.
// Submit never blocks.
type Pool struct {
	name    string
	workers int
	logger  *logger.Logger
	tracker *tracker.Tracker

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Job
	closed  bool
	running int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool starts the workers. When ctx is done the pool closes; queued jobs
// still run, with the done context, so they can report their cancellation.
func NewPool(ctx context.Context, name string, opts ...PoolOption) *Pool {
	p := &Pool{
		name:    name,
		workers: types.DefaultWorkers(),
		tracker: tracker.NewTracker(name),
		stop:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.NewLogger(logger.WithName(name))
	}

	p.tracker.Start()
	p.wg.Add(p.workers)
	for i := range p.workers {
		go p.worker(ctx, i)
	}

	go func() {
		select {
		case <-ctx.Done():
			p.shutdown()
		case <-p.stop:
		}
	}()

	p.logger.Debug("started pool", "workers", p.workers)
	return p
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		job, ok := p.next()
		if !ok {
			p.logger.Debug("pool is closed, worker exiting", "worker", id)
			return
		}

		err := job.Run(ctx)
		if errors.Is(err, ErrJobStarted) {
			p.logger.Warn("job submitted twice", "job", job.Name())
		}
		p.tracker.IncCurrent(1)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

func (p *Pool) next() (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.running++
	return job, true
}

// Submit appends job to the queue.
func (p *Pool) Submit(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Debug("pool is closed, job rejected", "job", job.Name())
		return ErrPoolClosed
	}
	p.queue = append(p.queue, job)
	p.tracker.IncTotal(1)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Running returns the number of jobs being run.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Workers() int { return p.workers }

func (p *Pool) shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cond.Broadcast()
		close(p.stop)
	})
}

// Close stops accepting jobs and waits until the queue is drained.
func (p *Pool) Close() {
	p.shutdown()
	p.wg.Wait()
	if p.tracker.IsRunning() {
		p.tracker.Finish(types.StatusSucceeded, nil)
	}
	p.logger.Debug("pool closed",
		"jobs", p.tracker.ProgressFraction(),
		"duration", p.tracker.DurationString(),
	)
}

func (p *Pool) Logger() *logger.Logger { return p.logger }

func (p *Pool) Tracker() *tracker.Tracker { return p.tracker }
