package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MultiIndexer aligns several sources that advance one logical scan point per
// index, e.g. two detectors triggered by the same motion pulse.
type MultiIndexer[T any] struct {
	mu       sync.Mutex // keeps child indices aligned across concurrent RequestNext
	children []*Indexer[T]
}

// NewMultiIndexer creates one Indexer per source, in the given order. The
// options apply to every child; children are named "<name>[i]".
func NewMultiIndexer[T any](sources []Source[T], opts ...Option) *MultiIndexer[T] {
	o := options{name: "multi"}
	for _, opt := range opts {
		opt(&o)
	}
	m := &MultiIndexer[T]{children: make([]*Indexer[T], len(sources))}
	for i, src := range sources {
		childOpts := append(append([]Option{}, opts...), WithName(fmt.Sprintf("%s[%d]", o.name, i)))
		m.children[i] = NewIndexer(src, childOpts...)
	}
	return m
}

// ErrNotFresh is returned by Compose when a child already handed out handles.
var ErrNotFresh = errors.New("indexer already has outstanding handles")

// Compose aligns existing indexers, e.g. one owned by a detector episode. The
// children must not have handed out any handles yet and must not be used
// directly afterwards.
func Compose[T any](children ...*Indexer[T]) (*MultiIndexer[T], error) {
	for i, c := range children {
		if c.Requested() != 0 {
			return nil, fmt.Errorf("child %d (%s): %w", i, c.opts.name, ErrNotFresh)
		}
	}
	return &MultiIndexer[T]{children: append([]*Indexer[T](nil), children...)}, nil
}

// Width returns the number of component sources.
func (m *MultiIndexer[T]) Width() int { return len(m.children) }

// Child returns the component indexer for source i.
func (m *MultiIndexer[T]) Child(i int) *Indexer[T] { return m.children[i] }

// RequestNext creates one child handle per source and bundles them.
func (m *MultiIndexer[T]) RequestNext() *MultiHandle[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]*Handle[T], len(m.children))
	for i, c := range m.children {
		hs[i] = c.RequestNext()
	}
	return &MultiHandle[T]{handles: hs}
}

// MultiHandle is a composite deferred result.
type MultiHandle[T any] struct {
	handles []*Handle[T]
}

// Index returns the bound index, which every child shares.
func (h *MultiHandle[T]) Index() int {
	if len(h.handles) == 0 {
		return 0
	}
	return h.handles[0].index
}

// Resolve resolves the child handles in source order and returns their values.
// It fails if any component fails at this index.
func (h *MultiHandle[T]) Resolve(ctx context.Context) ([]T, error) {
	out := make([]T, len(h.handles))
	for i, c := range h.handles {
		v, err := c.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
