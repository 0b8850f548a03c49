package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediacache/internal/core/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, ctx context.Context, workers int) *Pool {
	t.Helper()
	return NewPool(ctx, "test-pool",
		WithPoolWorkers(workers),
		WithPoolLogger(logger.Discard()),
	)
}

func TestPoolRunsJobsInOrder(t *testing.T) {
	pool := newTestPool(t, context.Background(), 1)

	var mu sync.Mutex
	var order []string
	var jobs []*Job
	for i := range 5 {
		job := NewJob(fmt.Sprintf("job-%d", i), func(ctx context.Context, job *Job) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, job.Name())
			return nil
		}, WithJobLogger(logger.Discard()))
		require.NoError(t, pool.Submit(job))
		jobs = append(jobs, job)
	}
	pool.Close()

	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}, order)
	for _, job := range jobs {
		assert.True(t, job.Tracker().IsSucceeded())
	}
	assert.Equal(t, "5/5", pool.Tracker().ProgressFraction())
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	pool := newTestPool(t, context.Background(), 2)
	release := make(chan struct{})

	var ran atomic.Int32
	for i := range 1000 {
		job := NewJob(fmt.Sprintf("job-%d", i), func(ctx context.Context, job *Job) error {
			<-release
			ran.Add(1)
			return nil
		}, WithJobLogger(logger.Discard()))
		require.NoError(t, pool.Submit(job))
	}

	assert.Eventually(t, func() bool { return pool.Running() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 998, pool.Pending())

	close(release)
	pool.Close()
	assert.Equal(t, int32(1000), ran.Load())
}

func TestJobCallbackAndFailure(t *testing.T) {
	pool := newTestPool(t, context.Background(), 2)
	boom := errors.New("boom")

	var got error
	job := NewJob("job-fail", func(ctx context.Context, job *Job) error {
		return boom
	}, WithJobCallback(func(ctx context.Context, job *Job, err error) {
		got = err
	}), WithJobLogger(logger.Discard()))

	require.NoError(t, pool.Submit(job))
	<-job.Done()

	assert.ErrorIs(t, got, boom)
	assert.True(t, job.Tracker().IsFailed())
	assert.ErrorIs(t, job.Run(context.Background()), ErrJobStarted)
	pool.Close()
}

func TestPoolClosedByContextDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := newTestPool(t, ctx, 1)
	block := make(chan struct{})

	first := NewJob("first", func(ctx context.Context, job *Job) error {
		<-block
		return ctx.Err()
	}, WithJobLogger(logger.Discard()))
	second := NewJob("second", func(ctx context.Context, job *Job) error {
		return ctx.Err()
	}, WithJobLogger(logger.Discard()))
	require.NoError(t, pool.Submit(first))
	require.NoError(t, pool.Submit(second))

	cancel()
	assert.Eventually(t, func() bool {
		return errors.Is(pool.Submit(NewJob("late", nil)), ErrPoolClosed)
	}, time.Second, 5*time.Millisecond)

	close(block)
	pool.Close()
	assert.True(t, first.Tracker().IsCanceled())
	assert.True(t, second.Tracker().IsCanceled(), "queued jobs still run and see the cancellation")
}
