// File: sched/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-assignment result cell with done-callbacks and cooperative
// cancellation. Completion runs on whichever goroutine resolved the
// future; the bridge resolves only from its loop goroutine, which is
// what lets done-callbacks mutate queue state directly.

package sched

import (
	"context"
	"errors"
	"sync"

	"github.com/amsock/amsock/api"
)

// Future holds one eventual result. Only the first of Complete, Fail
// and Cancel takes effect; the rest are no-ops.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	val       T
	err       error
	resolved  bool
	callbacks []func(*Future[T])
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future with a value. Reports whether this call
// was the one that resolved it.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail resolves the future with an error.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

// Cancel resolves the future with api.ErrCanceled.
func (f *Future[T]) Cancel() {
	f.Fail(api.ErrCanceled)
}

// Canceled reports whether the future resolved by cancellation.
func (f *Future[T]) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved && errors.Is(f.err, api.ErrCanceled)
}

func (f *Future[T]) resolve(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.val = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, cb := range callbacks {
		cb(f)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has been resolved.
func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Err returns the resolution error, or nil while pending or on success.
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Result returns the resolved value and error. Valid only once Done is
// closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// OnDone registers a callback invoked exactly once when the future
// resolves. If it already has, the callback runs inline.
func (f *Future[T]) OnDone(cb func(*Future[T])) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb(f)
}

// Await blocks until the future resolves, ctx is canceled, or the loop
// stops. On cancellation the cancel is marshaled onto the loop so
// done-callbacks (queue and timer teardown) run in the single-writer
// discipline, and Await returns only after they have. Once the loop has
// exited nothing else can resolve the future — including a posted
// cancel that Stop dropped — so Await cancels it in place and reports
// ErrClosed. A future that raced to a genuine result before the cancel
// still returns that result.
func (f *Future[T]) Await(ctx context.Context, l *Loop) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		if !l.Post(func() { f.Cancel() }) {
			f.Cancel()
		}
	case <-l.exited:
		f.Cancel()
	}
	select {
	case <-f.done:
	case <-l.exited:
		f.Cancel()
	}
	<-f.done
	if v, err := f.Result(); !errors.Is(err, api.ErrCanceled) {
		return v, err
	}
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, api.ErrClosed
}
