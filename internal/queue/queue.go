// Package queue serializes callers against a single heavy resource.
//
// A Queue holds pending Jobs in arrival order and drains them one at a time
// on a worker goroutine that exists only while there is work. Every Job is
// settled exactly once through its Future.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
)

var (
	ErrClosed     = errors.New("queue closed")
	ErrJobTimeout = errors.New("job timed out")
)

const defaultAbandonGrace = 5 * time.Second

// Job is one queued unit of work.
type Job[P any] struct {
	ID         string
	Payload    P
	EnqueuedAt time.Time
}

// ProcessFunc executes a single Job. It runs on the queue worker only.
type ProcessFunc[P, R any] func(ctx context.Context, job *Job[P]) (R, error)

type Options struct {
	// JobTimeout bounds a single Job. Zero disables the deadline.
	JobTimeout time.Duration
	// AbandonGrace is how long the worker waits for a timed-out Job to
	// observe cancellation before moving on to the next one.
	AbandonGrace time.Duration
	Observer     Observer
}

type entry[P, R any] struct {
	job    *Job[P]
	future *Future[R]
}

type Queue[P, R any] struct {
	name    string
	process ProcessFunc[P, R]
	opts    Options
	log     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	items      []entry[P, R]
	processing bool
	closed     bool
	wg         sync.WaitGroup
}

func New[P, R any](name string, process ProcessFunc[P, R], opts Options) *Queue[P, R] {
	if opts.AbandonGrace <= 0 {
		opts.AbandonGrace = defaultAbandonGrace
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[P, R]{
		name:    name,
		process: process,
		opts:    opts,
		log:     logx.Component("queue").With().Str("queue", name).Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (q *Queue[P, R]) Name() string { return q.name }

// Submit appends payload to the queue and returns its pending result.
func (q *Queue[P, R]) Submit(payload P) *Future[R] {
	job := &Job[P]{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	f := newFuture[R](job.ID)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		var zero R
		f.settle(zero, ErrClosed)
		return f
	}
	q.items = append(q.items, entry[P, R]{job: job, future: f})
	// Notified under the lock so OnEnqueue always precedes OnStart.
	q.opts.Observer.OnEnqueue(q.name, job.ID, len(q.items))
	start := !q.processing
	if start {
		q.processing = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return f
}

// Len reports the number of Jobs waiting, excluding the one in flight.
func (q *Queue[P, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processing reports whether a worker is currently draining.
func (q *Queue[P, R]) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close rejects every pending Job with ErrClosed, cancels the in-flight one
// and waits for the worker to exit.
func (q *Queue[P, R]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	var zero R
	for _, e := range pending {
		e.future.settle(zero, ErrClosed)
		q.opts.Observer.OnFinish(q.name, e.job.ID, 0, ErrClosed)
	}
	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue[P, R]) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		head := q.items[0]
		q.items[0] = entry[P, R]{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(head)
	}
}

type outcome[R any] struct {
	val R
	err error
}

func (q *Queue[P, R]) run(e entry[P, R]) {
	start := time.Now()
	q.opts.Observer.OnStart(q.name, e.job.ID)

	var res outcome[R]
	if q.opts.JobTimeout <= 0 {
		res = q.invoke(q.baseCtx, e.job)
	} else {
		res = q.invokeWithDeadline(e.job)
	}

	elapsed := time.Since(start)
	q.opts.Observer.OnFinish(q.name, e.job.ID, elapsed, res.err)
	e.future.settle(res.val, res.err)
	if res.err != nil {
		q.log.Debug().Str("job_id", e.job.ID).Dur("elapsed", elapsed).Err(res.err).Msg("job rejected")
	}
}

func (q *Queue[P, R]) invokeWithDeadline(job *Job[P]) outcome[R] {
	ctx, cancel := context.WithTimeout(q.baseCtx, q.opts.JobTimeout)
	defer cancel()

	done := make(chan outcome[R], 1)
	go func() { done <- q.invoke(ctx, job) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
	}

	var zero R
	err := ErrJobTimeout
	if q.baseCtx.Err() != nil {
		err = ErrClosed
	}
	// Keep the resource exclusive: give the stuck call a chance to unwind
	// before the next Job starts.
	select {
	case <-done:
	case <-time.After(q.opts.AbandonGrace):
		q.log.Warn().Str("job_id", job.ID).Dur("grace", q.opts.AbandonGrace).Msg("timed-out job did not return; continuing")
	}
	return outcome[R]{val: zero, err: err}
}

func (q *Queue[P, R]) invoke(ctx context.Context, job *Job[P]) (res outcome[R]) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("job_id", job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			var zero R
			res = outcome[R]{val: zero, err: fmt.Errorf("job %s panicked: %v", job.ID, r)}
		}
	}()
	v, err := q.process(ctx, job)
	return outcome[R]{val: v, err: err}
}
