// Package cli renders downloads and cache state for the mediacache command.
package cli

import (
	"fmt"
	"io"
	"path"
	"sync"
	"text/tabwriter"

	"mediacache/internal/cache"
	"mediacache/internal/core/progress"
	"mediacache/internal/core/types"
	"mediacache/internal/download"

	"github.com/dustin/go-humanize"
)

// Result is the terminal state of one fetched URL.
type Result struct {
	URL    string
	Status types.Status
	File   string
	Err    error
}

// BarListener drives one progress bar from download events. Chunks report
// their own counters, so the bar shows their sum.
type BarListener struct {
	progress *progress.Progress
	id       string
	url      string

	mu     sync.Mutex
	chunks map[int]chunkState
	result Result
	done   chan struct{}
}

type chunkState struct {
	downloaded int64
	total      int64
}

var _ download.Listener = (*BarListener)(nil)

// NewBarListener adds a bar for url to p.
func NewBarListener(p *progress.Progress, id, url string) *BarListener {
	p.AddBar(id, label(url), 0)
	return &BarListener{
		progress: p,
		id:       id,
		url:      url,
		chunks:   make(map[int]chunkState),
		result:   Result{URL: url},
		done:     make(chan struct{}),
	}
}

func label(url string) string {
	name := path.Base(url)
	if len(name) > 32 {
		name = name[:29] + "..."
	}
	return name
}

func (l *BarListener) OnStart(chunkCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chunks = make(map[int]chunkState, chunkCount)
}

func (l *BarListener) OnProgress(chunkIndex int, downloaded, chunkTotal int64) {
	l.mu.Lock()
	// a different total for a known chunk means the download restarted as a
	// single stream
	if prev, ok := l.chunks[chunkIndex]; ok && prev.total != chunkTotal {
		clear(l.chunks)
	}
	l.chunks[chunkIndex] = chunkState{downloaded: downloaded, total: chunkTotal}
	var sum, total int64
	for _, c := range l.chunks {
		sum += c.downloaded
		total += max(c.total, 0)
	}
	l.mu.Unlock()

	l.progress.SetTotal(l.id, total)
	l.progress.SetCurrent(l.id, sum)
}

func (l *BarListener) OnSuccess(file string) {
	l.progress.Complete(l.id)
	l.set(Result{URL: l.url, Status: types.StatusSucceeded, File: file})
}

func (l *BarListener) OnNotFound() {
	l.progress.Abort(l.id, false)
	l.set(Result{URL: l.url, Status: types.StatusNotFound})
}

func (l *BarListener) OnCancel() {
	l.progress.Abort(l.id, false)
	l.set(Result{URL: l.url, Status: types.StatusCanceled})
}

func (l *BarListener) OnStop(file string) {
	l.progress.Abort(l.id, false)
	l.set(Result{URL: l.url, Status: types.StatusStopped, File: file})
}

func (l *BarListener) OnFail(err error) {
	l.progress.Abort(l.id, false)
	l.set(Result{URL: l.url, Status: types.StatusFailed, Err: err})
}

func (l *BarListener) OnEnd() {
	close(l.done)
}

func (l *BarListener) set(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.result = r
}

// Done is closed after the last event.
func (l *BarListener) Done() <-chan struct{} { return l.done }

// Result returns the outcome once Done is closed.
func (l *BarListener) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// PrintResults writes one line per URL and returns how many did not succeed.
func PrintResults(w io.Writer, results []Result) int {
	failed := 0
	for _, r := range results {
		switch r.Status {
		case types.StatusSucceeded:
			fmt.Fprintf(w, "✓ %s -> %s\n", r.URL, r.File)
		case types.StatusStopped:
			failed++
			fmt.Fprintf(w, "■ %s stopped", r.URL)
			if r.File != "" {
				fmt.Fprintf(w, ", partial file %s", r.File)
			}
			fmt.Fprintln(w)
		case types.StatusFailed:
			failed++
			fmt.Fprintf(w, "✗ %s: %v\n", r.URL, r.Err)
		default:
			failed++
			fmt.Fprintf(w, "✗ %s: %s\n", r.URL, r.Status)
		}
	}
	return failed
}

// PrintStats writes a table of the per category usage.
func PrintStats(w io.Writer, stats []cache.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tSIZE\tBUDGET\tUSED\tENTRIES\tCOMPLETE\tHITS\tMISSES\tEVICTIONS")
	for _, s := range stats {
		used := float64(0)
		if s.Budget > 0 {
			used = float64(s.Size) / float64(s.Budget) * 100
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%d\t%d\t%d\t%d\t%d\n",
			s.Category.Name,
			humanize.IBytes(uint64(s.Size)),
			humanize.IBytes(uint64(s.Budget)),
			used,
			s.Entries,
			s.Complete,
			s.Perf.Hits,
			s.Perf.Misses,
			s.Perf.Evictions,
		)
	}
	return tw.Flush()
}
