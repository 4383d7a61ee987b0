// Package guard makes a completion handler fire exactly once when a real
// result races a timeout.
package guard

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Guard wraps a single-fire handler
type Guard[T any] struct {
	handler func(T)
	fired   *atomic.Bool

	lock          sync.Mutex
	timer         *time.Timer
	timeoutResult func() T
}

// Option configures a Guard
type Option[T any] func(*Guard[T])

// WithTimeout arms a timer at construction. When it expires before a result
// arrives, the handler receives timeoutResult().
func WithTimeout[T any](d time.Duration, timeoutResult func() T) Option[T] {
	return func(g *Guard[T]) {
		g.timeoutResult = timeoutResult
		if d > 0 {
			g.timer = time.AfterFunc(d, g.Timeout)
		}
	}
}

// New returns a Guard around handler
func New[T any](handler func(T), opts ...Option[T]) *Guard[T] {
	g := &Guard[T]{
		handler: handler,
		fired:   atomic.NewBool(false),
	}
	g.lock.Lock()
	for _, opt := range opts {
		opt(g)
	}
	g.lock.Unlock()
	return g
}

// Complete delivers result unless the guard already fired. It returns false
// for every call after the first.
func (g *Guard[T]) Complete(result T) bool {
	if g.fired.Load() {
		return false
	}
	if !g.fired.CAS(false, true) {
		return false
	}

	g.lock.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.lock.Unlock()

	g.handler(result)
	return true
}

// Timeout delivers the synthesized timeout result
func (g *Guard[T]) Timeout() {
	if g.timeoutResult == nil || g.fired.Load() {
		return
	}
	g.Complete(g.timeoutResult())
}

// Fired reports whether the handler has been invoked
func (g *Guard[T]) Fired() bool {
	return g.fired.Load()
}
