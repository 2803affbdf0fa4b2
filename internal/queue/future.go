package queue

import (
	"context"
	"sync"
)

// Future is the one-shot completion handle returned by Submit.
type Future[R any] struct {
	id   string
	once sync.Once
	done chan struct{}
	val  R
	err  error
}

func newFuture[R any](id string) *Future[R] {
	return &Future[R]{id: id, done: make(chan struct{})}
}

func (f *Future[R]) ID() string { return f.id }

// Done is closed once the Job is resolved or rejected.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Wait blocks until the Job settles or ctx ends. A ctx expiry does not
// remove the Job from the queue.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// settle reports whether this call was the one that resolved the Future.
func (f *Future[R]) settle(v R, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}
