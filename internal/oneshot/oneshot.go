// ABOUTME: One-shot value-carrying result cell.
// ABOUTME: Resolves exactly once and keeps the value for late arrivals.

// Package oneshot provides a result cell that is resolved exactly once and
// holds its value afterwards. Unlike closing a bare channel, the cell carries
// the result, so a waiter that shows up after resolution still gets it; this
// is what task completion needs when the requester polls instead of waiting.
package oneshot

import (
	"context"
	"sync"
)

// Cell holds one result of type T. The zero value is not usable; call New.
type Cell[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an unresolved cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Resolve stores the value and wakes all waiters. Only the first Resolve or
// Fail takes effect; it reports whether this call won.
func (c *Cell[T]) Resolve(value T) bool {
	won := false
	c.once.Do(func() {
		c.value = value
		close(c.done)
		won = true
	})
	return won
}

// Fail stores an error outcome instead of a value.
func (c *Cell[T]) Fail(err error) bool {
	won := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Wait blocks until the cell resolves or ctx is done. A cancelled wait does
// not consume the result; later waiters still see it.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking. ok is false while unresolved.
func (c *Cell[T]) TryGet() (value T, err error, ok bool) {
	select {
	case <-c.done:
		return c.value, c.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Done exposes the resolution signal for select loops.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}
