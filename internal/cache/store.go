package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mediacache/internal/category"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
	"mediacache/internal/keylock"
)

const (
	filesDirName  = "files"
	chunksDirName = "chunks"

	payloadExt = ".cache"
	metaExt    = ".cache_meta"
	chunkExt   = ".chunk"
)

// Options tunes the eviction behaviour of a store.
type Options struct {
	CleanupPercent  int           // extra share of the current size freed by a trim
	MinTrimInterval time.Duration // minimum time between two trims
	MinFileLifetime time.Duration // entries younger than this are never evicted
	TrimTimeBudget  time.Duration // wall-clock budget of one trim pass
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		CleanupPercent:  25,
		MinTrimInterval: 5 * time.Second,
		MinFileLifetime: time.Minute,
		TrimTimeBudget:  3 * time.Second,
	}
}

// DebugOptions drops the trim interval and grace period so eviction can be
// observed immediately.
func DebugOptions() Options {
	opts := DefaultOptions()
	opts.MinTrimInterval = 0
	opts.MinFileLifetime = 0
	return opts
}

// OptionsFromConfig converts the YAML settings, falling back to defaults.
func OptionsFromConfig(cfg types.CacheConfig, debug bool) Options {
	defaults := DefaultOptions()
	if debug {
		defaults = DebugOptions()
	}
	opts := Options{
		CleanupPercent:  cfg.CleanupPercent,
		MinTrimInterval: types.ParseDuration(cfg.MinTrimInterval, defaults.MinTrimInterval),
		MinFileLifetime: types.ParseDuration(cfg.MinFileLifetime, defaults.MinFileLifetime),
		TrimTimeBudget:  types.ParseDuration(cfg.TrimTimeBudget, defaults.TrimTimeBudget),
	}
	if opts.CleanupPercent <= 0 || opts.CleanupPercent > 100 {
		opts.CleanupPercent = defaults.CleanupPercent
	}
	if debug {
		opts.MinTrimInterval = 0
		opts.MinFileLifetime = 0
	}
	return opts
}

type StoreOption func(*Store)

func WithLogger(log *logger.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

func WithOptions(opts Options) StoreOption {
	return func(s *Store) {
		s.opts = opts
	}
}

// WithClock replaces the clock used for entry ages and trim intervals.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Key returns the on-disk key of a source URL.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Store is the disk cache of one category. It owns <dir>/files and
// <dir>/chunks exclusively.
type Store struct {
	cat       category.Category
	budget    int64
	dir       string
	filesDir  string
	chunksDir string
	opts      Options
	locks     *keylock.Registry
	log       *logger.Logger
	now       func() time.Time
	metrics   *Metrics

	// mu guards the membership sets and serializes bulk operations
	// (clear, trim listing, rescans).
	mu       sync.Mutex
	onDisk   map[string]struct{}
	complete map[string]struct{}

	size        atomic.Int64
	trimRunning atomic.Bool
	lastTrim    atomic.Int64 // unix nanos of the last scheduled trim
	trimWG      sync.WaitGroup
}

// NewStore opens (or creates) the store of cat under dir. Leftover chunk files
// are swept since they cannot outlive the process that wrote them.
func NewStore(cat category.Category, budget int64, dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}

	s := &Store{
		cat:       cat,
		budget:    budget,
		dir:       dir,
		filesDir:  filepath.Join(dir, filesDirName),
		chunksDir: filepath.Join(dir, chunksDirName),
		opts:      DefaultOptions(),
		locks:     keylock.New(),
		now:       time.Now,
		metrics:   NewMetrics(),
		onDisk:    make(map[string]struct{}),
		complete:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewLogger(logger.WithName("cache"))
	}
	s.log = s.log.With("category", cat.Name)

	for _, d := range []string{s.filesDir, s.chunksDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", d, err)
		}
	}

	if n, err := s.sweepChunks(); err != nil {
		return nil, fmt.Errorf("failed to sweep chunk directory: %w", err)
	} else if n > 0 {
		s.log.Info("removed stale chunk files", "count", n)
	}

	if err := s.rescan(); err != nil {
		return nil, fmt.Errorf("failed to scan cache directory: %w", err)
	}

	s.log.Debug("opened cache store",
		"dir", dir,
		"size", types.HumanBytes(s.Size()),
		"budget", types.HumanBytes(budget),
	)
	return s, nil
}

func (s *Store) Category() category.Category { return s.cat }

// Budget returns the maximum size in bytes before a trim is scheduled.
func (s *Store) Budget() int64 { return s.budget }

// Size returns the tracked size of the complete payload files.
func (s *Store) Size() int64 { return s.size.Load() }

func (s *Store) Metrics() *Metrics { return s.metrics }

func (s *Store) payloadPath(key string) string {
	return filepath.Join(s.filesDir, key+payloadExt)
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.filesDir, key+metaExt)
}

// PayloadPath returns where the payload of url lives, whether or not it exists.
func (s *Store) PayloadPath(url string) string {
	return s.payloadPath(Key(url))
}

// GetExisting returns the payload of url if it is fully downloaded. Any other
// state of the entry is purged.
func (s *Store) GetExisting(url string) (string, bool) {
	key := Key(url)
	unlock := s.locks.Lock(key)
	defer unlock()

	payload := s.payloadPath(key)
	_, statErr := os.Stat(payload)
	payloadExists := statErr == nil
	meta, metaErr := readMeta(s.metaPath(key))

	if payloadExists && metaErr == nil && meta.Complete {
		s.metrics.RecordHit()
		return payload, true
	}
	s.metrics.RecordMiss()

	metaMissing := errors.Is(metaErr, fs.ErrNotExist)
	if !payloadExists && metaMissing {
		return "", false
	}

	s.log.Debug("purging unusable entry",
		"key", key,
		"payload", payloadExists,
		"meta_error", metaErr,
	)
	s.metrics.RecordRepair()
	s.deleteLocked(key)
	return "", false
}

// GetOrCreate returns the payload path of url, creating an empty payload and
// an incomplete sidecar if the entry does not exist yet.
func (s *Store) GetOrCreate(url string) (string, error) {
	key := Key(url)
	unlock := s.locks.Lock(key)
	defer unlock()

	payload, metaFile := s.payloadPath(key), s.metaPath(key)
	_, statErr := os.Stat(payload)
	_, metaErr := readMeta(metaFile)
	if statErr == nil && metaErr == nil {
		return payload, nil
	}
	if statErr == nil || !errors.Is(metaErr, fs.ErrNotExist) {
		// half an entry; start over
		s.metrics.RecordRepair()
		s.deleteLocked(key)
	}

	f, err := os.OpenFile(payload, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(payload)
		return "", fmt.Errorf("failed to close payload file: %w", err)
	}

	if err := writeMeta(metaFile, s.chunksDir, newMeta(s.now())); err != nil {
		os.Remove(payload)
		return "", err
	}

	s.mu.Lock()
	s.onDisk[key] = struct{}{}
	delete(s.complete, key)
	s.mu.Unlock()

	return payload, nil
}

// MarkComplete flags the entry of url as fully downloaded. The original
// creation time is kept. An entry with unreadable metadata is deleted.
func (s *Store) MarkComplete(url string) error {
	key := Key(url)
	unlock := s.locks.Lock(key)
	defer unlock()

	if _, err := os.Stat(s.payloadPath(key)); err != nil {
		s.deleteLocked(key)
		return fmt.Errorf("payload of %s is missing: %w", key, err)
	}

	meta, err := readMeta(s.metaPath(key))
	if err != nil {
		s.metrics.RecordRepair()
		s.deleteLocked(key)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: sidecar of %s is missing", ErrCorruptMeta, key)
		}
		return err
	}

	meta.Complete = true
	if err := writeMeta(s.metaPath(key), s.chunksDir, meta); err != nil {
		return err
	}

	s.mu.Lock()
	s.onDisk[key] = struct{}{}
	s.complete[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Delete removes the entry of url. It reports true if both files are gone
// afterwards.
func (s *Store) Delete(url string) bool {
	key := Key(url)
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.deleteLocked(key)
}

// deleteLocked must be called with the key lock held. Only complete payloads
// count toward the size, so only those are subtracted.
func (s *Store) deleteLocked(key string) bool {
	payload := s.payloadPath(key)

	s.mu.Lock()
	_, accounted := s.complete[key]
	s.mu.Unlock()

	var size int64
	if info, err := os.Stat(payload); err == nil {
		size = info.Size()
	}

	payloadGone := s.removeFile(payload)
	metaGone := s.removeFile(s.metaPath(key))
	if payloadGone && accounted {
		s.subSize(size)
	}

	s.mu.Lock()
	delete(s.onDisk, key)
	delete(s.complete, key)
	s.mu.Unlock()

	return payloadGone && metaGone
}

func (s *Store) removeFile(path string) bool {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.metrics.RecordDeleteFailure()
		s.log.Warn("failed to delete cache file", "path", path, "error", err)
		return false
	}
	return true
}

func (s *Store) subSize(n int64) {
	for {
		cur := s.size.Load()
		next := max(0, cur-n)
		if s.size.CompareAndSwap(cur, next) {
			return
		}
	}
}

// FileAdded accounts for delta new bytes and schedules a trim when the
// store is over budget, the last trim is old enough and none is running.
func (s *Store) FileAdded(delta int64) int64 {
	total := s.size.Add(delta)
	if total <= s.budget {
		return total
	}

	now := s.now().UnixNano()
	if now-s.lastTrim.Load() < int64(s.opts.MinTrimInterval) {
		return total
	}
	if !s.trimRunning.CompareAndSwap(false, true) {
		return total
	}
	s.lastTrim.Store(now)

	s.log.Debug("scheduling trim",
		"size", types.HumanBytes(total),
		"budget", types.HumanBytes(s.budget),
	)
	s.trimWG.Add(1)
	go func() {
		defer s.trimWG.Done()
		defer s.trimRunning.Store(false)
		s.trim()
	}()
	return total
}

// Clear deletes every file of the category and resets the counters.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, d := range []string{s.filesDir, s.chunksDir} {
		if err := removeContents(d); err != nil {
			errs = append(errs, err)
		}
	}

	s.size.Store(0)
	s.onDisk = make(map[string]struct{})
	s.complete = make(map[string]struct{})

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to clear %s cache: %w", s.cat.Name, err)
	}
	s.log.Info("cleared cache")
	return nil
}

// Close waits for a running trim to finish.
func (s *Store) Close() {
	s.trimWG.Wait()
}

// Stats describes the store at one point in time.
type Stats struct {
	Category category.Category `json:"category"`
	Size     int64             `json:"size"`
	Budget   int64             `json:"budget"`
	Entries  int               `json:"entries"`
	Complete int               `json:"complete"`
	Perf     PerformanceStats  `json:"perf"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries, complete := len(s.onDisk), len(s.complete)
	s.mu.Unlock()

	return Stats{
		Category: s.cat,
		Size:     s.Size(),
		Budget:   s.budget,
		Entries:  entries,
		Complete: complete,
		Perf:     s.metrics.GetStats(),
	}
}

// rescan recomputes the size and membership sets from the files directory.
// Partial payloads are tracked as entries but not counted in the size.
func (s *Store) rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.filesDir)
	if err != nil {
		return err
	}

	var total int64
	onDisk := make(map[string]struct{})
	complete := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != payloadExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := name[:len(name)-len(payloadExt)]
		onDisk[key] = struct{}{}
		if meta, err := readMeta(s.metaPath(key)); err == nil && meta.Complete {
			complete[key] = struct{}{}
			total += info.Size()
		}
	}

	s.size.Store(total)
	s.onDisk = onDisk
	s.complete = complete
	return nil
}

func removeContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
