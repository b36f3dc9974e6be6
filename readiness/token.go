// Package readiness provides a one-shot future used to signal that an
// asynchronous setup step has completed or failed permanently.
package readiness

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Err while the token has not settled yet
var ErrPending = errors.New("readiness: token pending")

// Token settles exactly once, either with a value or with an error.
// Any number of goroutines may wait on it before or after settlement.
type Token[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates a pending token
func New[T any]() *Token[T] {
	return &Token[T]{done: make(chan struct{})}
}

// Resolved creates a token that already succeeded with v
func Resolved[T any](v T) *Token[T] {
	t := New[T]()
	t.Resolve(v)
	return t
}

// Failed creates a token that already failed with err
func Failed[T any](err error) *Token[T] {
	t := New[T]()
	t.Fail(err)
	return t
}

// Resolve settles the token successfully. It reports whether this call settled it.
func (t *Token[T]) Resolve(v T) bool {
	settled := false
	t.once.Do(func() {
		t.value = v
		settled = true
		close(t.done)
	})
	return settled
}

// Fail settles the token with err. A nil err is replaced by a generic failure
// so a failed token can never be mistaken for a resolved one.
func (t *Token[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("readiness: failed without cause")
	}
	settled := false
	t.once.Do(func() {
		t.err = err
		settled = true
		close(t.done)
	})
	return settled
}

// Done is closed once the token settles
func (t *Token[T]) Done() <-chan struct{} {
	return t.done
}

// Settled reports whether the token has resolved or failed
func (t *Token[T]) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the failure, nil on success, or ErrPending while unsettled
func (t *Token[T]) Err() error {
	if !t.Settled() {
		return ErrPending
	}
	return t.err
}

// Wait blocks until the token settles or ctx is done. Cancelling ctx only
// abandons this wait; the token keeps its eventual outcome.
func (t *Token[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then runs fn in a new goroutine once the token settles
func (t *Token[T]) Then(fn func(T, error)) {
	go func() {
		<-t.done
		fn(t.value, t.err)
	}()
}
