package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressLifecycle(t *testing.T) {
	var out bytes.Buffer
	p := NewProgress(WithOutput(&out), WithRefreshRate(10*time.Millisecond), WithPopCompletedMode())

	p.AddBar("a", "first", 100)
	p.AddBar("a", "duplicate", 100)
	p.AddBar("b", "second", 0)
	assert.Equal(t, 2, p.Len())

	p.SetCurrent("a", 50)
	p.SetCurrent("a", 100)
	p.Complete("a")

	p.SetTotal("b", 10)
	p.SetCurrent("b", 3)
	p.Abort("b", true)
	assert.Equal(t, 0, p.Len())

	// unknown ids are ignored
	p.SetCurrent("c", 1)
	p.Complete("c")

	p.Wait()
}

func TestProgressWaitAbortsRunningBars(t *testing.T) {
	var out bytes.Buffer
	p := NewProgress(WithOutput(&out))
	p.AddBar("a", "stuck", 100)
	p.SetCurrent("a", 10)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Equal(t, 0, p.Len())
}
