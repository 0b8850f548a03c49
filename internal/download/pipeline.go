package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mediacache/internal/cache"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
	"mediacache/internal/transfer"
	"mediacache/internal/transport"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultProbeTimeout = time.Second
	DefaultProgressStep = 64 * humanize.KiByte
)

// SourcePolicy says how far a source can be trusted.
type SourcePolicy struct {
	Chunked   bool // ranges may be split across connections
	TrustSize bool // ExtraInfo.Size is checked against the payload
	TrustHash bool // ExtraInfo.MD5 is checked against the payload
}

func DefaultSourcePolicy() SourcePolicy {
	return SourcePolicy{Chunked: true}
}

type PipelineOption func(*Pipeline)

func WithPipelineLogger(log *logger.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.log = log
	}
}

func WithLimiter(limiter *rate.Limiter) PipelineOption {
	return func(p *Pipeline) {
		p.limiter = limiter
	}
}

// WithChunkSemaphore bounds how many chunks download at once across every
// request sharing the semaphore.
func WithChunkSemaphore(sem *semaphore.Weighted) PipelineOption {
	return func(p *Pipeline) {
		p.sem = sem
	}
}

func WithProbeTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.probeTimeout = d
	}
}

// WithRequestTimeout bounds a whole download. Zero means no limit.
func WithRequestTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.requestTimeout = d
	}
}

func WithProgressStep(step int64) PipelineOption {
	return func(p *Pipeline) {
		if step > 0 {
			p.progressStep = step
		}
	}
}

func WithSources(sources []types.SourceConfig) PipelineOption {
	return func(p *Pipeline) {
		for _, s := range sources {
			p.sources[strings.ToLower(s.Host)] = SourcePolicy{
				Chunked:   s.Chunked,
				TrustSize: s.TrustSize,
				TrustHash: s.TrustHash,
			}
		}
	}
}

// Pipeline downloads one request into its cache entry: probe, whole or
// chunked transfer, merge, verification and completion.
type Pipeline struct {
	fetcher        transport.Fetcher
	limiter        *rate.Limiter
	sem            *semaphore.Weighted
	probeTimeout   time.Duration
	requestTimeout time.Duration
	progressStep   int64
	sources        map[string]SourcePolicy
	log            *logger.Logger
}

func NewPipeline(fetcher transport.Fetcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		fetcher:      fetcher,
		limiter:      transfer.Unlimited(),
		sem:          semaphore.NewWeighted(int64(types.DefaultWorkers())),
		probeTimeout: DefaultProbeTimeout,
		progressStep: DefaultProgressStep,
		sources:      make(map[string]SourcePolicy),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.NewLogger(logger.WithName("pipeline"))
	}
	return p
}

// Policy returns the policy of the host of url.
func (p *Pipeline) Policy(url string) SourcePolicy {
	if policy, ok := p.sources[transport.Host(url)]; ok {
		return policy
	}
	return DefaultSourcePolicy()
}

// Run drives req to a terminal outcome. Start and progress events are
// emitted here; the terminal one is left to Request.Finish.
func (p *Pipeline) Run(req *Request, store *cache.Store) Outcome {
	ctx := req.Context()
	log := p.log.With("url", req.url, "request", req.id.String())

	// the canceled request this one replaced may still be cleaning up
	if prev := req.prev; prev != nil {
		select {
		case <-prev.Finished():
		case <-ctx.Done():
		}
	}

	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return p.cleanup(req, store, "", context.Cause(ctx))
	}

	path, err := store.GetOrCreate(req.url)
	if err != nil {
		return p.cleanup(req, store, "", fmt.Errorf("%w: %w", ErrBadOutputFile, err))
	}

	probe, err := p.probe(ctx, req.url)
	switch {
	case errors.Is(err, transport.ErrNotFound):
		return p.cleanup(req, store, path, err)
	case ctx.Err() != nil:
		return p.cleanup(req, store, path, context.Cause(ctx))
	case err != nil:
		log.Debug("probe failed, downloading whole file", "error", err)
		probe = nil
	}

	size := int64(-1)
	if probe != nil {
		size = probe.Size
	}
	if size > 0 {
		req.setTotal(size)
	}

	policy := p.Policy(req.url)
	chunks := planChunks(req.chunkCount, policy, probe)
	req.emitStart(chunks)
	log.Debug("starting download", "chunks", chunks, "size", types.HumanBytes(size))

	if chunks > 1 {
		ranges := splitRanges(size, chunks)
		done := make([]bool, len(ranges))
		err = p.runChunked(ctx, req, store, path, ranges, done)
		switch {
		case errors.Is(err, transport.ErrRangeNotSupported) && ctx.Err() == nil:
			log.Info("source refused ranges, downloading whole file")
			store.RemoveChunks(req.url)
			req.resetProgress()
			err = p.runWhole(ctx, req, path, size)
		case err != nil && errors.Is(context.Cause(req.ctx), ErrStopped):
			kept := p.keepPrefix(req, store, path, ranges, done)
			log.Debug("kept downloaded prefix", "size", types.HumanBytes(kept))
		}
	} else {
		err = p.runWhole(ctx, req, path, size)
	}
	if err != nil {
		return p.cleanup(req, store, path, err)
	}

	n, err := p.verify(req, path, size, policy)
	if err != nil {
		return p.cleanup(req, store, path, err)
	}
	if err := store.MarkComplete(req.url); err != nil {
		return p.cleanup(req, store, path, fmt.Errorf("%w: %w", ErrBadOutputFile, err))
	}
	store.RemoveChunks(req.url)
	store.FileAdded(n)

	log.Info("download finished",
		"size", types.HumanBytes(n),
		"chunks", chunks,
		"took", time.Since(req.createdAt).Round(time.Millisecond),
	)
	return Outcome{Status: types.StatusSucceeded, File: path}
}

func (p *Pipeline) probe(ctx context.Context, url string) (*transport.ProbeResult, error) {
	if p.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.probeTimeout)
		defer cancel()
	}
	return p.fetcher.Probe(ctx, url)
}

// planChunks falls back to one chunk unless the source and the probe allow
// splitting. No chunk is ever empty.
func planChunks(requested int, policy SourcePolicy, probe *transport.ProbeResult) int {
	if requested <= 1 || !policy.Chunked || probe == nil || !probe.AcceptsRanges || probe.Size <= 0 {
		return 1
	}
	return int(min(int64(requested), probe.Size))
}

// splitRanges cuts [0, size) into n inclusive ranges whose lengths differ by
// at most one byte.
func splitRanges(size int64, n int) []transport.Range {
	ranges := make([]transport.Range, 0, n)
	base, rem := size/int64(n), size%int64(n)
	var start int64
	for i := range n {
		length := base
		if int64(i) < rem {
			length++
		}
		ranges = append(ranges, transport.Range{Start: start, End: start + length - 1})
		start += length
	}
	return ranges
}

func (p *Pipeline) runWhole(ctx context.Context, req *Request, path string, size int64) error {
	resp, err := p.fetcher.Fetch(ctx, req.url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := size
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
		req.setTotal(total)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadOutputFile, err)
	}

	prog := p.newProgress(req, 0, total)
	n, err := transfer.Copy(ctx, f, resp.Body,
		transfer.WithLimiter(p.limiter),
		transfer.WithCallback(prog.add),
	)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %w", ErrBadOutputFile, closeErr)
	}
	prog.flush()
	if err != nil {
		return err
	}
	if total > 0 && n != total {
		return fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, n, total)
	}
	return nil
}

// runChunked downloads every range to its own chunk file, then merges. The
// first failing chunk cancels its siblings.
// done[i] is set once chunk i is fully on disk.
func (p *Pipeline) runChunked(ctx context.Context, req *Request, store *cache.Store, path string, ranges []transport.Range, done []bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, rng := range ranges {
		g.Go(func() error {
			if err := p.fetchChunk(gctx, req, store, i, rng); err != nil {
				return err
			}
			done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	return p.merge(ctx, req, store, path, ranges)
}

func (p *Pipeline) fetchChunk(ctx context.Context, req *Request, store *cache.Store, index int, rng transport.Range) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return context.Cause(ctx)
	}
	defer p.sem.Release(1)

	unlock := store.LockChunk(req.url, rng.Start, rng.End)
	defer unlock()

	resp, err := p.fetcher.Fetch(ctx, req.url, &rng)
	if err != nil {
		return &ChunkError{Index: index, Range: rng, Err: err}
	}
	defer resp.Body.Close()

	f, err := store.CreateChunk(req.url, rng.Start, rng.End)
	if err != nil {
		return &ChunkError{Index: index, Range: rng, Err: err}
	}

	prog := p.newProgress(req, index, rng.Len())
	n, err := transfer.Copy(ctx, f, resp.Body,
		transfer.WithLimiter(p.limiter),
		transfer.WithCallback(prog.add),
	)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	prog.flush()
	if err != nil {
		return &ChunkError{Index: index, Range: rng, Err: err}
	}
	if n != rng.Len() {
		return &ChunkError{Index: index, Range: rng, Err: fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, n, rng.Len())}
	}
	return nil
}

// merge concatenates the chunk files in range order, whatever order they
// finished in.
func (p *Pipeline) merge(ctx context.Context, req *Request, store *cache.Store, path string, ranges []transport.Range) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadOutputFile, err)
	}
	defer out.Close()

	for i, rng := range ranges {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := appendChunk(out, store, req.url, rng); err != nil {
			return &ChunkError{Index: i, Range: rng, Err: err}
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadOutputFile, err)
	}
	return nil
}

// keepPrefix rewrites the payload with the bytes downloaded contiguously from
// offset zero: every finished chunk in order, then what the first unfinished
// one received. Chunk files hold a prefix of their range, so the result is a
// prefix of the source file.
func (p *Pipeline) keepPrefix(req *Request, store *cache.Store, path string, ranges []transport.Range, done []bool) int64 {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0
	}
	defer out.Close()

	var kept int64
	for i, rng := range ranges {
		n, err := copyChunk(out, store, req.url, rng)
		kept += n
		if err != nil || !done[i] || n != rng.Len() {
			break
		}
	}
	return kept
}

func copyChunk(out io.Writer, store *cache.Store, url string, rng transport.Range) (int64, error) {
	unlock := store.LockChunk(url, rng.Start, rng.End)
	defer unlock()

	in, err := os.Open(store.ChunkPath(url, rng.Start, rng.End))
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return io.Copy(out, in)
}

func appendChunk(out io.Writer, store *cache.Store, url string, rng transport.Range) error {
	n, err := copyChunk(out, store, url, rng)
	if err != nil {
		return err
	}
	if n != rng.Len() {
		return fmt.Errorf("%w: chunk file has %d of %d bytes", ErrSizeMismatch, n, rng.Len())
	}
	return nil
}

// verify checks the payload against the probe and, for trusted sources,
// against what the caller expected.
func (p *Pipeline) verify(req *Request, path string, size int64, policy SourcePolicy) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadOutputFile, err)
	}
	n := info.Size()

	if size > 0 && n != size {
		return 0, fmt.Errorf("%w: payload has %d bytes, source reported %d", ErrSizeMismatch, n, size)
	}
	if policy.TrustSize && req.extra.Size > 0 && n != req.extra.Size {
		return 0, fmt.Errorf("%w: payload has %d bytes, expected %d", ErrSizeMismatch, n, req.extra.Size)
	}
	if policy.TrustHash && req.extra.MD5 != "" {
		sum, err := fileMD5(path)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrBadOutputFile, err)
		}
		if !strings.EqualFold(sum, req.extra.MD5) {
			return 0, fmt.Errorf("%w: got %s, expected %s", ErrHashMismatch, sum, req.extra.MD5)
		}
	}
	return n, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// cleanup maps err to an outcome. Chunk files never survive; the payload
// survives only a stop, and only if something was written to it.
func (p *Pipeline) cleanup(req *Request, store *cache.Store, path string, err error) Outcome {
	store.RemoveChunks(req.url)
	log := p.log.With("url", req.url, "request", req.id.String())

	status := classify(req, err)
	switch status {
	case types.StatusStopped:
		if path != "" {
			if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
				log.Info("download stopped, keeping partial payload", "size", types.HumanBytes(info.Size()))
				return Outcome{Status: status, File: path, Err: ErrStopped}
			}
		}
		store.Delete(req.url)
		return Outcome{Status: status, Err: ErrStopped}
	case types.StatusCanceled:
		store.Delete(req.url)
		log.Info("download canceled")
		return Outcome{Status: status, Err: ErrCanceled}
	case types.StatusNotFound:
		store.Delete(req.url)
		log.Info("resource not found")
		return Outcome{Status: status, Err: fmt.Errorf("%w: %w", ErrNotFound, err)}
	default:
		store.Delete(req.url)
		log.Warn("download failed", "error", err)
		return Outcome{Status: status, Err: err}
	}
}

func classify(req *Request, err error) types.Status {
	if req.ctx.Err() != nil {
		if errors.Is(context.Cause(req.ctx), ErrStopped) {
			return types.StatusStopped
		}
		return types.StatusCanceled
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, transport.ErrNotFound) {
		return types.StatusNotFound
	}
	return types.StatusFailed
}

// progress batches byte counts into OnProgress events of at least step bytes.
type progress struct {
	req     *Request
	index   int
	total   int64
	step    int64
	done    int64
	emitted int64
}

func (p *Pipeline) newProgress(req *Request, index int, total int64) *progress {
	return &progress{req: req, index: index, total: total, step: p.progressStep}
}

func (pr *progress) add(n int64) {
	pr.done += n
	pr.req.addDownloaded(n)
	if pr.done-pr.emitted >= pr.step || pr.done == pr.total {
		pr.emitted = pr.done
		pr.req.emitProgress(pr.index, pr.done, pr.total)
	}
}

func (pr *progress) flush() {
	if pr.done != pr.emitted {
		pr.emitted = pr.done
		pr.req.emitProgress(pr.index, pr.done, pr.total)
	}
}
