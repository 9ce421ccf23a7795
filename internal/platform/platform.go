// Package platform runs background jobs for the heap. A job is a task that
// may be run by several workers at once and is re-run until it reports that
// it needs no more concurrency.
package platform

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskPriority orders jobs by urgency.
type TaskPriority int

const (
	PriorityBestEffort TaskPriority = iota
	PriorityUserVisible
	PriorityUserBlocking
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityBestEffort:
		return "best-effort"
	case PriorityUserVisible:
		return "user-visible"
	case PriorityUserBlocking:
		return "user-blocking"
	default:
		return fmt.Sprintf("TaskPriority(%d)", int(p))
	}
}

// JobDelegate is handed to every Run invocation.
type JobDelegate interface {
	// ShouldYield reports that the worker should return from Run as soon as
	// it reaches a point where it can resume later.
	ShouldYield() bool
	TaskID() int
	IsJoiningThread() bool
}

// JobTask is the unit of background work.
type JobTask interface {
	Run(delegate JobDelegate)
	// MaxConcurrency returns how many workers the task can use given the
	// number currently running it. Zero means the job is complete.
	MaxConcurrency(workerCount int) int
}

// JobHandle controls a posted job.
type JobHandle interface {
	// Join runs the job on the calling goroutine until it completes.
	Join()
	IsActive() bool
	Done() <-chan struct{}
}

// Platform posts jobs.
type Platform interface {
	PostJob(priority TaskPriority, task JobTask) JobHandle
}

// Options configures the default platform.
type Options struct {
	// MaxWorkers bounds the goroutines running jobs across the platform.
	// Zero means GOMAXPROCS.
	MaxWorkers int
	// TimeSlice is how long a user-visible worker runs before ShouldYield
	// turns true. Best-effort workers get half of it, user-blocking twice.
	TimeSlice time.Duration
	Logger    *slog.Logger
}

const defaultTimeSlice = 2 * time.Millisecond

// DefaultPlatform runs job workers on goroutines drawn from one bounded
// errgroup.
type DefaultPlatform struct {
	workers   errgroup.Group
	timeSlice time.Duration
	logger    *slog.Logger
	jobs      atomic.Int64
}

// NewDefaultPlatform creates a platform from opts.
func NewDefaultPlatform(opts Options) *DefaultPlatform {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if opts.TimeSlice <= 0 {
		opts.TimeSlice = defaultTimeSlice
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &DefaultPlatform{timeSlice: opts.TimeSlice, logger: opts.Logger}
	p.workers.SetLimit(opts.MaxWorkers)
	return p
}

// PostJob schedules task and returns a handle to it.
func (p *DefaultPlatform) PostJob(priority TaskPriority, task JobTask) JobHandle {
	j := &job{
		platform: p,
		task:     task,
		priority: priority,
		slice:    p.sliceFor(priority),
		id:       p.jobs.Add(1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.logger.Debug("job posted", "job", j.id, "priority", priority)
	go j.dispatch()
	return j
}

// Wait blocks until every worker goroutine has returned.
func (p *DefaultPlatform) Wait() {
	_ = p.workers.Wait()
}

func (p *DefaultPlatform) sliceFor(priority TaskPriority) time.Duration {
	switch priority {
	case PriorityBestEffort:
		return p.timeSlice / 2
	case PriorityUserBlocking:
		return p.timeSlice * 2
	default:
		return p.timeSlice
	}
}

type job struct {
	platform *DefaultPlatform
	task     JobTask
	priority TaskPriority
	slice    time.Duration
	id       int64

	mu       sync.Mutex
	active   int
	nextTask int
	finished bool

	wake chan struct{}
	done chan struct{}
}

// dispatch keeps the number of workers at the task's requested concurrency
// until the task reports completion. Workers that find no free slot are
// retried after one time slice.
func (j *job) dispatch() {
	for {
		j.mu.Lock()
		if j.finished {
			j.mu.Unlock()
			return
		}
		want := j.task.MaxConcurrency(j.active)
		if want == 0 && j.active == 0 {
			j.finishLocked()
			j.mu.Unlock()
			return
		}
		starved := false
		for j.active < want {
			j.active++
			if !j.platform.workers.TryGo(j.worker) {
				j.active--
				starved = true
				break
			}
		}
		j.mu.Unlock()

		var retry <-chan time.Time
		if starved {
			retry = time.After(j.slice)
		}
		select {
		case <-j.wake:
		case <-retry:
		case <-j.done:
			return
		}
	}
}

func (j *job) worker() error {
	j.runWorker(false)
	return nil
}

// runWorker runs one Run invocation. The caller has already counted it in
// j.active.
func (j *job) runWorker(joining bool) {
	j.mu.Lock()
	id := j.nextTask
	j.nextTask++
	j.mu.Unlock()

	j.task.Run(&delegate{job: j, id: id, joining: joining, start: time.Now()})

	j.mu.Lock()
	j.active--
	j.mu.Unlock()
	j.signal()
}

func (j *job) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *job) finishLocked() {
	if j.finished {
		return
	}
	j.finished = true
	close(j.done)
	j.platform.logger.Debug("job finished", "job", j.id, "workers", j.nextTask)
}

// Join contributes the calling goroutine as a worker that never yields and
// returns once the job is complete and every worker has returned.
func (j *job) Join() {
	for {
		j.mu.Lock()
		if j.finished {
			j.mu.Unlock()
			return
		}
		want := j.task.MaxConcurrency(j.active)
		if want == 0 && j.active == 0 {
			j.finishLocked()
			j.mu.Unlock()
			return
		}
		if want > j.active {
			j.active++
			j.mu.Unlock()
			j.runWorker(true)
			continue
		}
		j.mu.Unlock()

		// Other workers are running; poll until they return or the
		// dispatcher observes completion.
		select {
		case <-j.done:
			return
		case <-time.After(j.slice):
		}
	}
}

func (j *job) IsActive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.finished
}

func (j *job) Done() <-chan struct{} { return j.done }

type delegate struct {
	job     *job
	id      int
	joining bool
	start   time.Time
}

func (d *delegate) ShouldYield() bool {
	if d.joining {
		return false
	}
	return time.Since(d.start) >= d.job.slice
}

func (d *delegate) TaskID() int { return d.id }

func (d *delegate) IsJoiningThread() bool { return d.joining }
