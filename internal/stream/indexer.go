package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/monitoring"
)

// DefaultChunkSize is the largest batch an Indexer asks its source for when
// no caller needs more.
const DefaultChunkSize = 16

var (
	// ErrExhausted is returned for indices past the end of an exhausted source.
	ErrExhausted = faults.StreamContract("read past end of stream", io.EOF)
	// ErrEmptyRead is recorded when a source returns no items and no error.
	ErrEmptyRead = errors.New("source returned zero items without signalling exhaustion")
)

// Option configures an Indexer.
type Option func(*options)

type options struct {
	chunkSize int
	name      string
}

// WithChunkSize bounds how many items a single source read may request beyond
// what the waiting caller needs. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithName labels the indexer in log lines and errors.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Indexer presents a Source as an ordered sequence of deferred, exactly-once
// results. It is created for one acquisition episode and not reused.
type Indexer[T any] struct {
	src  Source[T]
	opts options

	// token is held by the single goroutine currently reading from src.
	token chan struct{}

	mu        sync.Mutex
	requested int       // handles handed out
	next      int       // raw index of the next item src will produce
	pending   map[int]T // pulled but not yet claimed
	fault     error     // permanent fault for indices >= faultAt
	faultAt   int
	reads     int
}

// NewIndexer wraps src.
func NewIndexer[T any](src Source[T], opts ...Option) *Indexer[T] {
	o := options{chunkSize: DefaultChunkSize, name: "stream"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Indexer[T]{
		src:     src,
		opts:    o,
		token:   make(chan struct{}, 1),
		pending: make(map[int]T),
	}
}

// RequestNext returns a handle bound to the next sequential index. It never
// blocks.
func (ix *Indexer[T]) RequestNext() *Handle[T] {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	h := &Handle[T]{ix: ix, index: ix.requested}
	ix.requested++
	return h
}

// Requested returns the number of handles handed out so far.
func (ix *Indexer[T]) Requested() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.requested
}

// Reads returns how many times the source has been read.
func (ix *Indexer[T]) Reads() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.reads
}

// Handle is a deferred result bound to one index of an Indexer.
type Handle[T any] struct {
	ix    *Indexer[T]
	index int

	// guarded by ix.mu
	done bool
	val  T
	err  error
}

// Index returns the index the handle was bound to at creation.
func (h *Handle[T]) Index() int { return h.index }

// Resolve blocks until the item at the handle's index is available and returns
// it. The result is memoised: later calls return the same value or fault
// without touching the source. Cancelling ctx abandons this call only.
func (h *Handle[T]) Resolve(ctx context.Context) (T, error) {
	return h.ix.resolve(ctx, h)
}

func (ix *Indexer[T]) resolve(ctx context.Context, h *Handle[T]) (T, error) {
	var zero T
	for {
		ix.mu.Lock()
		if h.done {
			v, err := h.val, h.err
			ix.mu.Unlock()
			return v, err
		}
		if h.index < ix.next {
			v, ok := ix.pending[h.index]
			if !ok {
				// Pulled but missing: only possible if the same index was
				// claimed through a different handle.
				ix.mu.Unlock()
				return zero, faults.StreamContract(ix.opts.name, fmt.Errorf("index %d already claimed", h.index))
			}
			delete(ix.pending, h.index)
			h.val, h.done = v, true
			ix.mu.Unlock()
			return v, nil
		}
		if ix.fault != nil {
			h.err = fmt.Errorf("%s: index %d (failed at %d): %w", ix.opts.name, h.index, ix.faultAt, ix.fault)
			h.done = true
			err := h.err
			ix.mu.Unlock()
			return zero, err
		}
		ix.mu.Unlock()

		select {
		case ix.token <- struct{}{}:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		err := ix.pull(ctx, h.index)
		<-ix.token
		if err != nil {
			return zero, err
		}
	}
}

// pull reads one chunk from the source if index is still not available. The
// caller holds the reader token. Only cancellation of ctx is returned; source
// faults are recorded and picked up by the resolve loop.
func (ix *Indexer[T]) pull(ctx context.Context, index int) error {
	ix.mu.Lock()
	need := index + 1 - ix.next
	if need <= 0 || ix.fault != nil {
		ix.mu.Unlock()
		return nil
	}
	ix.mu.Unlock()

	max := need
	if max < ix.opts.chunkSize {
		max = ix.opts.chunkSize
	}
	items, err := ix.src.Read(ctx, max)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.reads++
	for _, v := range items {
		ix.pending[ix.next] = v
		ix.next++
	}

	switch {
	case err == nil && len(items) == 0:
		ix.fail(faults.StreamContract("read chunk", ErrEmptyRead))
	case err == nil:
	case errors.Is(err, io.EOF):
		if ix.next <= index {
			ix.fail(ErrExhausted)
		}
		// Items up to ix.next remain claimable; the fault is recorded on the
		// next pull past the end.
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return err
	default:
		ix.fail(err)
	}
	return nil
}

func (ix *Indexer[T]) fail(err error) {
	ix.fault = err
	ix.faultAt = ix.next
	monitoring.Logf("[%s] source fault at index %d: %v", ix.opts.name, ix.next, err)
}
