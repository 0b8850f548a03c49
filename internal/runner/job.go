package runner

import (
	"context"
	"errors"

	"mediacache/internal/core/logger"
	"mediacache/internal/core/tracker"
)

var ErrJobStarted = errors.New("job already started")

// JobHandler does the work of a job.
type JobHandler func(ctx context.Context, job *Job) error

// JobCallback is called once the handler returned.
type JobCallback func(ctx context.Context, job *Job, err error)

type JobOption func(job *Job)

func WithJobLogger(log *logger.Logger) JobOption {
	return func(j *Job) {
		j.logger = log
	}
}

func WithJobCallback(callback JobCallback) JobOption {
	return func(j *Job) {
		j.callback = callback
	}
}

// Job is one unit of work for a Pool. A job runs at most once.
type Job struct {
	name     string
	logger   *logger.Logger
	tracker  *tracker.Tracker
	handler  JobHandler
	callback JobCallback
	done     chan struct{}
}

func NewJob(name string, handler JobHandler, opts ...JobOption) *Job {
	j := &Job{
		name:    name,
		tracker: tracker.NewTracker(name),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = logger.NewLogger(logger.WithName("job")).With("job", name)
	}
	return j
}

func (j *Job) Name() string { return j.name }

func (j *Job) Tracker() *tracker.Tracker { return j.tracker }

func (j *Job) Logger() *logger.Logger { return j.logger }

// Done is closed once the job and its callback returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// Run runs the handler, then the callback.
func (j *Job) Run(ctx context.Context) error {
	if !j.tracker.IsPending() {
		return ErrJobStarted
	}
	j.tracker.Start()
	defer close(j.done)

	err := j.handler(ctx, j)
	j.tracker.Update(err)

	if j.callback != nil {
		j.callback(ctx, j, err)
	}
	return err
}
