package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mediacache/internal/core/types"
)

// trimEntry is one evictable (payload, meta) pair.
type trimEntry struct {
	key       string
	createdAt time.Time
	size      int64
	complete  bool
}

// trimListing is the result of grouping the files directory.
type trimListing struct {
	entries []trimEntry
	broken  []string // keys with half an entry or unreadable metadata
	stray   []string // paths that are not cache files at all
}

// trim evicts the oldest entries until the store is back under budget plus a
// cleanup cushion, then recomputes the size from disk.
func (s *Store) trim() {
	started := time.Now()
	defer func() {
		s.metrics.RecordTrim(time.Since(started))
	}()

	listing, err := s.listForTrim()
	if err != nil {
		s.log.Error("failed to list cache directory for trim", "error", err)
		return
	}

	for _, path := range listing.stray {
		s.metrics.RecordRepair()
		s.removeFile(path)
	}
	for _, key := range listing.broken {
		s.repairEntry(key)
	}

	sort.Slice(listing.entries, func(i, j int) bool {
		return listing.entries[i].createdAt.Before(listing.entries[j].createdAt)
	})

	size := s.Size()
	target := max(0, size-s.budget) + size*int64(s.opts.CleanupPercent)/100

	now := s.now()
	var freed int64
	var evicted int
	for _, e := range listing.entries {
		if freed >= target {
			break
		}
		if time.Since(started) > s.opts.TrimTimeBudget {
			s.log.Warn("trim ran out of time", "freed", types.HumanBytes(freed), "target", types.HumanBytes(target))
			break
		}
		// entries are sorted oldest first, so nothing after this one qualifies either
		if now.Sub(e.createdAt) < s.opts.MinFileLifetime {
			break
		}

		if s.evict(e, now) {
			if e.complete {
				freed += e.size
			}
			evicted++
			s.metrics.RecordEviction(e.size)
		}
	}

	if err := s.rescan(); err != nil {
		s.log.Error("failed to rescan cache directory after trim", "error", err)
	}

	s.log.Info("trim finished",
		"evicted", evicted,
		"freed", types.HumanBytes(freed),
		"target", types.HumanBytes(target),
		"size", types.HumanBytes(s.Size()),
		"budget", types.HumanBytes(s.budget),
		"took", time.Since(started).Round(time.Millisecond),
	)
}

// listForTrim groups the files directory into entries under the store lock.
// Nothing is deleted here so the key locks are never taken while mu is held.
func (s *Store) listForTrim() (trimListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.filesDir)
	if err != nil {
		return trimListing{}, err
	}

	type pair struct {
		payload bool
		meta    bool
		size    int64
	}
	pairs := make(map[string]*pair)
	var listing trimListing

	for _, de := range dirEntries {
		name := de.Name()
		var key string
		var isMeta bool
		switch {
		case de.IsDir():
			listing.stray = append(listing.stray, filepath.Join(s.filesDir, name))
			continue
		case strings.HasSuffix(name, metaExt):
			key, isMeta = strings.TrimSuffix(name, metaExt), true
		case strings.HasSuffix(name, payloadExt):
			key = strings.TrimSuffix(name, payloadExt)
		default:
			listing.stray = append(listing.stray, filepath.Join(s.filesDir, name))
			continue
		}

		p := pairs[key]
		if p == nil {
			p = &pair{}
			pairs[key] = p
		}
		if isMeta {
			p.meta = true
			continue
		}
		p.payload = true
		if info, err := de.Info(); err == nil {
			p.size = info.Size()
		}
	}

	for key, p := range pairs {
		if !p.payload || !p.meta {
			listing.broken = append(listing.broken, key)
			continue
		}
		meta, err := readMeta(s.metaPath(key))
		if err != nil {
			listing.broken = append(listing.broken, key)
			continue
		}
		listing.entries = append(listing.entries, trimEntry{
			key:       key,
			createdAt: meta.CreatedAt,
			size:      p.size,
			complete:  meta.Complete,
		})
	}
	return listing, nil
}

// evict deletes the listed entry e once its lock is held. The entry may have
// been replaced since it was listed, so its age is checked again first.
func (s *Store) evict(e trimEntry, now time.Time) bool {
	unlock := s.locks.Lock(e.key)
	defer unlock()

	meta, err := readMeta(s.metaPath(e.key))
	if err != nil {
		return false
	}
	if !meta.CreatedAt.Equal(e.createdAt) || now.Sub(meta.CreatedAt) < s.opts.MinFileLifetime {
		return false
	}
	return s.deleteLocked(e.key)
}

// repairEntry deletes key if it is still half an entry once its lock is held.
// A concurrent GetOrCreate may have finished the entry in the meantime.
func (s *Store) repairEntry(key string) {
	unlock := s.locks.Lock(key)
	defer unlock()

	_, statErr := os.Stat(s.payloadPath(key))
	_, metaErr := readMeta(s.metaPath(key))
	if statErr == nil && metaErr == nil {
		return
	}
	s.log.Debug("deleting broken entry", "key", key, "meta_error", metaErr)
	s.metrics.RecordRepair()
	s.deleteLocked(key)
}
