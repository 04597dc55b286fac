// Package timeoutstream wraps a channel of items with a periodic timeout:
// each read either yields the next item in time, or a timeout marker if
// the period elapses first. The timer resets on every yield (C10).
package timeoutstream

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Result is either an item that arrived in time or a timeout marker.
type Result[T any] struct {
	Item     T
	TimedOut bool
}

// Stream reads from an upstream channel and yields a Result per period,
// resetting its internal timer every time it yields.
type Stream[T any] struct {
	clock clockwork.Clock
	in    <-chan T
	out   chan Result[T]
	done  chan struct{}
}

// New starts a Stream that reads from in and yields on out, timing out
// after period with no item. The background goroutine exits once in is
// closed and drained, or Stop is called.
func New[T any](clock clockwork.Clock, period time.Duration, in <-chan T) *Stream[T] {
	s := &Stream[T]{
		clock: clock,
		in:    in,
		out:   make(chan Result[T]),
		done:  make(chan struct{}),
	}
	go s.run(period)
	return s
}

func (s *Stream[T]) run(period time.Duration) {
	defer close(s.out)
	timer := s.clock.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case item, ok := <-s.in:
			if !ok {
				return
			}
			if !timer.Stop() {
				drainTimer(timer)
			}
			timer.Reset(period)
			select {
			case s.out <- Result[T]{Item: item}:
			case <-s.done:
				return
			}
		case <-timer.Chan():
			timer.Reset(period)
			select {
			case s.out <- Result[T]{TimedOut: true}:
			case <-s.done:
				return
			}
		}
	}
}

func drainTimer(t clockwork.Timer) {
	select {
	case <-t.Chan():
	default:
	}
}

// Out returns the channel of results. It closes once the upstream channel
// closes or Stop is called.
func (s *Stream[T]) Out() <-chan Result[T] {
	return s.out
}

// Stop releases the background goroutine.
func (s *Stream[T]) Stop() {
	close(s.done)
}
