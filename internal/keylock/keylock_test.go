package keylock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeySerializes(t *testing.T) {
	r := New()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.With("same", func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, r.Len(), "released keys are dropped from the registry")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	r := New()

	unlockA := r.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := r.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestWaiterKeepsEntryAlive(t *testing.T) {
	r := New()

	unlock := r.Lock("k")
	acquired := make(chan struct{})
	go func() {
		u := r.Lock("k")
		close(acquired)
		u()
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.locks["k"] != nil && r.locks["k"].refs == 2
	}, time.Second, time.Millisecond)

	unlock()
	<-acquired
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
}

func TestRegistryDoesNotGrowWithKeySpace(t *testing.T) {
	r := New()
	for i := range 10_000 {
		_ = r.With(fmt.Sprintf("https://example.com/%d.jpg", i), func() error { return nil })
	}
	assert.Zero(t, r.Len())
}
