package cache

import (
	"sync"
	"time"
)

// Metrics tracks lookups, repairs and evictions of one store.
type Metrics struct {
	mu sync.RWMutex

	hits    int64
	misses  int64
	repairs int64

	trims          int64
	lastTrim       time.Duration
	evictions      int64
	evictedBytes   int64
	deleteFailures int64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordHit records a lookup that returned a complete entry
func (m *Metrics) RecordHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

// RecordMiss records a lookup that found nothing usable
func (m *Metrics) RecordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

// RecordRepair records an inconsistent entry that was deleted
func (m *Metrics) RecordRepair() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repairs++
}

// RecordEviction records an entry removed by a trim
func (m *Metrics) RecordEviction(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
	m.evictedBytes += bytes
}

// RecordDeleteFailure records a file that could not be removed
func (m *Metrics) RecordDeleteFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFailures++
}

// RecordTrim records a finished trim pass
func (m *Metrics) RecordTrim(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trims++
	m.lastTrim = duration
}

// GetStats returns a snapshot of the counters
func (m *Metrics) GetStats() PerformanceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hitRatio := float64(0)
	if total := m.hits + m.misses; total > 0 {
		hitRatio = float64(m.hits) / float64(total)
	}

	return PerformanceStats{
		Hits:             m.hits,
		Misses:           m.misses,
		HitRatio:         hitRatio,
		Repairs:          m.repairs,
		Trims:            m.trims,
		LastTrimDuration: m.lastTrim,
		Evictions:        m.evictions,
		EvictedBytes:     m.evictedBytes,
		DeleteFailures:   m.deleteFailures,
		Uptime:           time.Since(m.startTime),
	}
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits = 0
	m.misses = 0
	m.repairs = 0
	m.trims = 0
	m.lastTrim = 0
	m.evictions = 0
	m.evictedBytes = 0
	m.deleteFailures = 0
	m.startTime = time.Now()
}

// PerformanceStats is a snapshot of Metrics
type PerformanceStats struct {
	Hits             int64         `json:"hits"`
	Misses           int64         `json:"misses"`
	HitRatio         float64       `json:"hit_ratio"`
	Repairs          int64         `json:"repairs"`
	Trims            int64         `json:"trims"`
	LastTrimDuration time.Duration `json:"last_trim_duration"`
	Evictions        int64         `json:"evictions"`
	EvictedBytes     int64         `json:"evicted_bytes"`
	DeleteFailures   int64         `json:"delete_failures"`
	Uptime           time.Duration `json:"uptime"`
}
