// Package client implements the quorum writer: per-peer async loggers over
// NATS, the fan-out/await-majority primitive, the edit double buffer, and the
// tail-segment recovery coordinator.
package client

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrCanceled is the failure assigned to a Deferred that was canceled before
// completing.
var ErrCanceled = errors.New("call canceled")

// Void is the result type of RPCs that return no body.
type Void = struct{}

// Deferred is a single-assignment result handle. It completes exactly once
// with a value, a typed failure, or cancellation; later assignments are
// ignored.
type Deferred[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	val  T
	err  error
}

// NewDeferred returns an incomplete Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Complete assigns a success value.
func (d *Deferred[T]) Complete(val T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return
	default:
	}
	d.val = val
	close(d.done)
}

// Fail assigns a failure.
func (d *Deferred[T]) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return
	default:
	}
	d.err = err
	close(d.done)
}

// Cancel assigns ErrCanceled if the Deferred has not completed. Cancellation
// is a hint: work already dispatched may still take effect remotely.
func (d *Deferred[T]) Cancel() {
	d.Fail(ErrCanceled)
}

// Done returns a channel closed once the Deferred has completed.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.val, d.err
}
