package progress

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Option func() mpb.ContainerOption

// WithOutput sets the output for the progress container.
func WithOutput(w io.Writer) Option {
	return func() mpb.ContainerOption {
		return mpb.WithOutput(w)
	}
}

// WithRefreshRate sets the refresh rate for the progress container.
func WithRefreshRate(refreshRate time.Duration) Option {
	return func() mpb.ContainerOption {
		return mpb.WithRefreshRate(refreshRate)
	}
}

// WithPopCompletedMode prints finished bars above the running ones.
func WithPopCompletedMode() Option {
	return func() mpb.ContainerOption {
		return mpb.PopCompletedMode()
	}
}

// Progress is a group of byte counting bars keyed by an id.
type Progress struct {
	mu        sync.Mutex
	container *mpb.Progress
	bars      map[string]*bar
}

type bar struct {
	*mpb.Bar
	last time.Time
}

// NewProgress creates a new progress container.
func NewProgress(opts ...Option) *Progress {
	containerOpts := DefaultContainerOptions()
	for _, opt := range opts {
		containerOpts = append(containerOpts, opt())
	}
	return &Progress{
		container: mpb.New(containerOpts...),
		bars:      make(map[string]*bar),
	}
}

// DefaultContainerOptions returns the default container options for the progress container.
func DefaultContainerOptions() []mpb.ContainerOption {
	return []mpb.ContainerOption{
		mpb.WithOutput(os.Stdout),
		mpb.WithRefreshRate(150 * time.Millisecond),
	}
}

// DefaultBarOptions returns the default bar options for the progress container.
func DefaultBarOptions(description string) []mpb.BarOption {
	return []mpb.BarOption{
		mpb.PrependDecorators(
			decor.Spinner(spinner, decor.WCSyncSpaceR),
			decor.Name(description, decor.WCSyncSpaceR),
			decor.CountersKibiByte("%.2f/%.2f", decor.WCSyncSpace),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.EwmaSpeed(decor.SizeB1024(0), "%.2f", 30, decor.WCSyncSpace), "done"),
			decor.OnAbort(decor.EwmaETA(decor.ET_STYLE_GO, 30, decor.WCSyncSpace), "aborted"),
		),
	}
}

// AddBar adds a bar for id. A size of zero or less is unknown and can be set
// later with SetTotal.
func (g *Progress) AddBar(id, description string, size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.bars[id]; ok {
		return
	}
	g.bars[id] = &bar{
		Bar:  g.container.AddBar(max(size, 0), DefaultBarOptions(description)...),
		last: time.Now(),
	}
}

// SetTotal updates the expected size of the bar for id.
func (g *Progress) SetTotal(id string, size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bars[id]; ok && size > 0 {
		b.SetTotal(size, false)
	}
}

// SetCurrent moves the bar for id to n bytes and feeds the speed average.
func (g *Progress) SetCurrent(id string, n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bars[id]; ok {
		now := time.Now()
		b.EwmaSetCurrent(n, now.Sub(b.last))
		b.last = now
	}
}

// Complete marks the bar for id as done at its current value.
func (g *Progress) Complete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bars[id]; ok {
		b.SetTotal(-1, true)
		delete(g.bars, id)
	}
}

// Abort stops the bar for id. A dropped bar is removed from the output.
func (g *Progress) Abort(id string, drop bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bars[id]; ok {
		b.Abort(drop)
		delete(g.bars, id)
	}
}

// Len returns the number of running bars.
func (g *Progress) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bars)
}

// Wait aborts the bars still running and waits for the output to flush.
func (g *Progress) Wait() {
	g.mu.Lock()
	for id, b := range g.bars {
		b.Abort(false)
		delete(g.bars, id)
	}
	g.mu.Unlock()
	g.container.Wait()
}
