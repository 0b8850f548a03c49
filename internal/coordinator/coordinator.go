// Package coordinator is the entry point of the downloader: it deduplicates
// requests, answers cache hits and feeds misses to the worker pool.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediacache/internal/cache"
	"mediacache/internal/category"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
	"mediacache/internal/download"
	"mediacache/internal/keylock"
	"mediacache/internal/runner"
	"mediacache/internal/transfer"
	"mediacache/internal/transport"

	"golang.org/x/sync/semaphore"
)

type Option func(*Coordinator)

func WithLogger(log *logger.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

func WithWorkers(workers int) Option {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

func WithFetcher(f transport.Fetcher) Option {
	return func(c *Coordinator) {
		c.fetcher = f
	}
}

func WithPipelineOptions(opts ...download.PipelineOption) Option {
	return func(c *Coordinator) {
		c.pipelineOpts = append(c.pipelineOpts, opts...)
	}
}

type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	extra download.ExtraInfo
	exec  download.Executor
}

// WithExtraInfo passes what the caller already knows about the payload.
func WithExtraInfo(extra download.ExtraInfo) EnqueueOption {
	return func(o *enqueueOptions) {
		o.extra = extra
	}
}

// WithExecutor picks where the listener is called. Default is inline.
func WithExecutor(exec download.Executor) EnqueueOption {
	return func(o *enqueueOptions) {
		o.exec = exec
	}
}

// Coordinator owns the cache stores, the active requests and the workers.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager      *cache.Manager
	registry     *download.Registry
	enqueueLocks *keylock.Registry
	pipeline     *download.Pipeline
	pool         *runner.Pool
	fetcher      transport.Fetcher
	pipelineOpts []download.PipelineOption
	workers      int
	log          *logger.Logger
}

// New starts the worker pool. Cancelling ctx cancels every download.
func New(ctx context.Context, manager *cache.Manager, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		ctx:          ctx,
		cancel:       cancel,
		manager:      manager,
		registry:     download.NewRegistry(),
		enqueueLocks: keylock.New(),
		workers:      types.DefaultWorkers(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewLogger(logger.WithName("coordinator"))
	}
	if c.fetcher == nil {
		c.fetcher = transport.NewRouter(transport.NewHTTPFetcher())
	}

	// chunk fan-out gets its own semaphore of the pool's width; chunks never
	// wait for a pool worker, so a busy pool cannot deadlock on them
	pipelineOpts := append([]download.PipelineOption{
		download.WithPipelineLogger(c.log.Named("pipeline")),
		download.WithChunkSemaphore(semaphore.NewWeighted(int64(c.workers))),
	}, c.pipelineOpts...)
	c.pipeline = download.NewPipeline(c.fetcher, pipelineOpts...)

	c.pool = runner.NewPool(ctx, "downloads",
		runner.WithPoolWorkers(c.workers),
		runner.WithPoolLogger(c.log.Named("pool")),
	)
	return c
}

// NewFromConfig opens the cache under cfg.Cache.Root and wires the
// transports, rate limit and source policies of cfg.Download.
func NewFromConfig(ctx context.Context, cfg *types.Config, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.NewLogger(logger.WithName("mediacache"))
	}

	manager, err := cache.NewManager(
		cfg.Cache.Root,
		int64(cfg.Cache.TotalBudget.Bytes()),
		category.Default(),
		log.Named("cache"),
		cache.WithOptions(cache.OptionsFromConfig(cfg.Cache, cfg.Debug)),
	)
	if err != nil {
		return nil, err
	}

	router := transport.NewRouter(transport.NewHTTPFetcher(transport.HTTPWithHeaders(cfg.Download.Headers)))
	if cfg.S3 != nil {
		s3Fetcher, err := transport.NewS3FetcherFromConfig(*cfg.S3)
		if err != nil {
			return nil, err
		}
		router.Register("s3", s3Fetcher)
	}

	workers := cfg.Download.Workers
	if workers <= 0 {
		workers = types.DefaultWorkers()
	}

	return New(ctx, manager,
		WithLogger(log.Named("coordinator")),
		WithWorkers(workers),
		WithFetcher(router),
		WithPipelineOptions(
			download.WithLimiter(transfer.NewRateLimiter(cfg.Download.RateLimit, transfer.DefaultRateBurst, workers)),
			download.WithProbeTimeout(types.ParseDuration(cfg.Download.ProbeTimeout, download.DefaultProbeTimeout)),
			download.WithRequestTimeout(types.ParseDuration(cfg.Download.RequestTimeout, 0)),
			download.WithSources(cfg.Download.Sources),
		),
	), nil
}

// Enqueue downloads url into the cache of cat and reports to l.
//
// A download already running for url is joined instead of started twice. A
// complete cache entry is reported synchronously, without network I/O.
func (c *Coordinator) Enqueue(url string, cat category.Category, chunkCount int, l download.Listener, opts ...EnqueueOption) (*download.Handle, error) {
	o := enqueueOptions{exec: download.Inline}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := c.manager.Store(cat)
	if err != nil {
		return nil, err
	}

	h, finish, err := c.enqueue(url, cat, chunkCount, l, store, o)
	// terminal events of hits and rejected jobs are delivered without the
	// url lock, so a listener may enqueue the same url again
	if finish != nil {
		finish()
	}
	return h, err
}

func (c *Coordinator) enqueue(url string, cat category.Category, chunkCount int, l download.Listener, store *cache.Store, o enqueueOptions) (*download.Handle, func(), error) {
	// serializes the active check, the cache lookup and registration of url
	unlock := c.enqueueLocks.Lock(url)
	defer unlock()

	for {
		// an active download owns the entry; looking it up would purge it
		if req, ok := c.registry.Get(url); ok && c.registry.IsActive(url) {
			if h, ok := req.Subscribe(l, o.exec); ok {
				c.log.Debug("joined active download", "url", url, "request", req.ID().String())
				return h, nil, nil
			}
			continue
		}

		if path, ok := store.GetExisting(url); ok {
			req := download.NewRequest(c.ctx, url, cat, chunkCount, o.extra, c.log)
			h, _ := req.Subscribe(l, o.exec)
			return h, func() {
				req.Finish(download.Outcome{Status: types.StatusSucceeded, File: path})
			}, nil
		}

		req := download.NewRequest(c.ctx, url, cat, chunkCount, o.extra, c.log)
		existing, joined := c.registry.Register(url, req)
		if joined {
			if h, ok := existing.Subscribe(l, o.exec); ok {
				return h, nil, nil
			}
			continue
		}
		h, _ := req.Subscribe(l, o.exec)

		job := runner.NewJob(req.ID().String(), func(ctx context.Context, job *runner.Job) error {
			return c.run(req, store)
		}, runner.WithJobLogger(c.log))

		if err := c.pool.Submit(job); err != nil {
			c.registry.Unregister(url, req)
			return h, func() {
				req.Finish(download.Outcome{Status: types.StatusFailed, Err: err})
			}, fmt.Errorf("failed to queue %s: %w", url, err)
		}
		c.log.Debug("queued download", "url", url, "category", cat.Name, "chunks", chunkCount)
		return h, nil, nil
	}
}

// run is the body of one worker job.
func (c *Coordinator) run(req *download.Request, store *cache.Store) error {
	outcome := c.pipeline.Run(req, store)
	req.Finish(outcome)
	c.registry.Unregister(req.URL(), req)

	switch outcome.Status {
	case types.StatusFailed, types.StatusNotFound:
		return outcome.Err
	default:
		return nil
	}
}

// IsActive reports whether url is being downloaded.
func (c *Coordinator) IsActive(url string) bool {
	return c.registry.IsActive(url)
}

// Cancel aborts the download behind h for every subscriber and purges it.
func (c *Coordinator) Cancel(h *download.Handle) {
	if h != nil {
		h.Cancel()
	}
}

// Stop aborts the download behind h, keeping the partial payload.
func (c *Coordinator) Stop(h *download.Handle) {
	if h != nil {
		h.Stop()
	}
}

// CancelURL cancels the active download of url, if any.
func (c *Coordinator) CancelURL(url string) bool {
	req, ok := c.registry.Get(url)
	if !ok || req.Ended() {
		return false
	}
	req.Cancel()
	return true
}

// StopURL stops the active download of url, keeping its partial payload.
func (c *Coordinator) StopURL(url string) bool {
	req, ok := c.registry.Get(url)
	if !ok || req.Ended() {
		return false
	}
	req.Stop()
	return true
}

// ClearAll cancels every active download.
func (c *Coordinator) ClearAll() {
	active := c.registry.Active()
	for _, req := range active {
		req.Cancel()
	}
	if len(active) > 0 {
		c.log.Info("canceled all downloads", "count", len(active))
	}
}

// Active returns the active downloads, oldest first.
func (c *Coordinator) Active() []*download.Request {
	return c.registry.Active()
}

// GetCachedFile returns the complete payload of url in cat, if there is one.
func (c *Coordinator) GetCachedFile(cat category.Category, url string) (string, bool) {
	store, err := c.manager.Store(cat)
	if err != nil {
		return "", false
	}
	if c.registry.IsActive(url) {
		return "", false
	}
	return store.GetExisting(url)
}

// ClearCache deletes every entry of cat.
func (c *Coordinator) ClearCache(cat category.Category) error {
	store, err := c.manager.Store(cat)
	if err != nil {
		return err
	}
	return store.Clear()
}

// Size returns the bytes used by cat.
func (c *Coordinator) Size(cat category.Category) int64 {
	store, err := c.manager.Store(cat)
	if err != nil {
		return 0
	}
	return store.Size()
}

// MaxSize returns the budget of cat.
func (c *Coordinator) MaxSize(cat category.Category) int64 {
	store, err := c.manager.Store(cat)
	if err != nil {
		return 0
	}
	return store.Budget()
}

// Stats returns per category statistics.
func (c *Coordinator) Stats() []cache.Stats {
	return c.manager.Stats()
}

func (c *Coordinator) Manager() *cache.Manager { return c.manager }

// Close cancels every download, waits for the workers to report and for
// pending trims to finish.
func (c *Coordinator) Close() error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.pool.Close()
		c.manager.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return errors.New("timed out waiting for downloads to stop")
	}
}
