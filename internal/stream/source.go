// Package stream turns blocking, chunked data sources into ordered sequences
// of deferred per-point results.
//
// A detector or position encoder delivers values in batches whose size has
// nothing to do with how fast a scan engine consumes them. An Indexer hands out
// a Handle per scan point immediately and resolves it later, pulling chunks
// from the source only when a caller actually needs a value.
package stream

import (
	"context"
	"io"
	"sync"
)

// Source is a blocking, chunked read primitive.
//
// Read returns between 1 and max items, in production order. It may return
// fewer than max without being exhausted. Exhaustion is signalled by io.EOF,
// optionally together with a final batch of items. Any other error is a device
// or transport fault. A Read that returns no items and a nil error breaks the
// contract.
//
// A Source must not drop items when it returns an error.
type Source[T any] interface {
	Read(ctx context.Context, max int) ([]T, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc[T any] func(ctx context.Context, max int) ([]T, error)

func (f SourceFunc[T]) Read(ctx context.Context, max int) ([]T, error) { return f(ctx, max) }

// SliceSource serves a fixed slice. When Chunks is set, successive reads return
// at most Chunks[i] items (the last size repeats), which lets tests and
// rehearsals replay a particular batching of the same data.
type SliceSource[T any] struct {
	mu     sync.Mutex
	items  []T
	chunks []int
	reads  int
}

// NewSliceSource returns a SliceSource over items, optionally with fixed chunk
// sizes.
func NewSliceSource[T any](items []T, chunks ...int) *SliceSource[T] {
	return &SliceSource[T]{items: items, chunks: chunks}
}

func (s *SliceSource[T]) Read(ctx context.Context, max int) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return nil, io.EOF
	}
	n := max
	if len(s.chunks) > 0 {
		c := s.chunks[len(s.chunks)-1]
		if s.reads < len(s.chunks) {
			c = s.chunks[s.reads]
		}
		if c < n {
			n = c
		}
	}
	if n > len(s.items) {
		n = len(s.items)
	}
	s.reads++
	out := s.items[:n:n]
	s.items = s.items[n:]
	return out, nil
}

// Reads returns the number of Read calls that delivered items.
func (s *SliceSource[T]) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// ChanSource reads from a channel fed by a producer goroutine. Each Read blocks
// for the first item and then drains whatever else is already queued, up to
// max. A closed channel signals exhaustion.
type ChanSource[T any] struct {
	C <-chan T
}

func (s ChanSource[T]) Read(ctx context.Context, max int) ([]T, error) {
	var out []T
	select {
	case v, ok := <-s.C:
		if !ok {
			return nil, io.EOF
		}
		out = append(out, v)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < max {
		select {
		case v, ok := <-s.C:
			if !ok {
				return out, io.EOF
			}
			out = append(out, v)
		default:
			return out, nil
		}
	}
	return out, nil
}
