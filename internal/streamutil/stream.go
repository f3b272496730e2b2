// Package streamutil provides the pull-based stream combinators the
// continuation pipeline is built from: framing, tee-to-log, consolidation,
// and keep-alive injection. Each stage is an object implementing Next,
// not a goroutine writing to a channel, so the "observer sees stages in
// the order they were applied" guarantee holds without synchronization —
// nothing can race ahead of whoever is pulling.
package streamutil

import (
	"context"
	"time"
)

// Stream is a pull-based iterator. Next returns the next item, or
// ok=false when the stream is exhausted (err is nil in that case), or a
// non-nil err if producing the next item failed.
type Stream[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

// sliceStream adapts a pre-built slice to a Stream, mostly useful in tests.
type sliceStream[T any] struct {
	items []T
	pos   int
}

// FromSlice returns a Stream that yields each element of items in order.
func FromSlice[T any](items []T) Stream[T] {
	return &sliceStream[T]{items: items}
}

func (s *sliceStream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

// mapStream applies fn to each item of an underlying stream.
type mapStream[T, U any] struct {
	src Stream[T]
	fn  func(T) (U, error)
}

// Map returns a Stream that applies fn to every item of src.
func Map[T, U any](src Stream[T], fn func(T) (U, error)) Stream[U] {
	return &mapStream[T, U]{src: src, fn: fn}
}

func (m *mapStream[T, U]) Next(ctx context.Context) (U, bool, error) {
	var zero U
	item, ok, err := m.src.Next(ctx)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := m.fn(item)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// tapStream calls fn for every item passed through, without altering it.
type tapStream[T any] struct {
	src Stream[T]
	fn  func(T)
}

// Tap returns a Stream identical to src, but calls fn for every item
// observed — the hook TeeToConsoleOutput and log-on-flush use.
func Tap[T any](src Stream[T], fn func(T)) Stream[T] {
	return &tapStream[T]{src: src, fn: fn}
}

func (t *tapStream[T]) Next(ctx context.Context) (T, bool, error) {
	item, ok, err := t.src.Next(ctx)
	if ok {
		t.fn(item)
	}
	return item, ok, err
}

// Drain pulls every item from s and returns them as a slice, or the
// first error encountered.
func Drain[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

// Reduce folds every item of s into an accumulator, starting from init.
// This is the non-streaming half of ConsolidateAndYield: callers that
// want the final JSON object rather than the chunks that built it up
// call Reduce instead of observing the stream directly.
func Reduce[T, A any](ctx context.Context, s Stream[T], init A, fn func(A, T) (A, error)) (A, error) {
	acc := init
	for {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return acc, err
		}
		if !ok {
			return acc, nil
		}
		acc, err = fn(acc, item)
		if err != nil {
			return acc, err
		}
	}
}

// KeepaliveItem wraps either a real item from the source stream or a
// synthetic keep-alive signal injected during a silent period.
type KeepaliveItem[T any] struct {
	Item      T
	IsReal    bool
	Iteration int // increments once per keep-alive emitted since the last real item
}

// keepaliveStream races the source stream's Next call against a ticker,
// emitting a synthetic KeepaliveItem whenever the ticker fires first.
// The source's in-flight Next call is never cancelled — only raced —
// matching the original asyncio.shield behavior: a slow upstream chunk
// still arrives and is delivered on the following Next call.
type keepaliveStream[T any] struct {
	src      Stream[T]
	interval time.Duration

	pending  chan nextResult[T]
	inFlight bool
	iter     int
}

type nextResult[T any] struct {
	item T
	ok   bool
	err  error
}

// EmitKeepalive wraps src so that Next returns a synthetic keep-alive
// item (IsReal=false) whenever more than interval has elapsed without a
// real item arriving from src, without ever cancelling the pending call
// to src.Next.
func EmitKeepalive[T any](src Stream[T], interval time.Duration) Stream[KeepaliveItem[T]] {
	return &keepaliveStream[T]{src: src, interval: interval, pending: make(chan nextResult[T], 1)}
}

func (k *keepaliveStream[T]) Next(ctx context.Context) (KeepaliveItem[T], bool, error) {
	var zero KeepaliveItem[T]

	if !k.inFlight {
		k.inFlight = true
		go func() {
			item, ok, err := k.src.Next(ctx)
			k.pending <- nextResult[T]{item: item, ok: ok, err: err}
		}()
	}

	timer := time.NewTimer(k.interval)
	defer timer.Stop()

	select {
	case res := <-k.pending:
		k.inFlight = false
		k.iter = 0
		if res.err != nil || !res.ok {
			return zero, res.ok, res.err
		}
		return KeepaliveItem[T]{Item: res.item, IsReal: true}, true, nil
	case <-timer.C:
		k.iter++
		return KeepaliveItem[T]{IsReal: false, Iteration: k.iter}, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
