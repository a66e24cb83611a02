package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/stream"
	"github.com/banshee-data/flyscan/internal/timeutil"
)

// ErrCancelled is returned for readbacks of an episode stopped by Cancel or
// Close.
var ErrCancelled = errors.New("episode cancelled")

// Episode is one armed acquisition: a detector file being written during a
// motion execute, read back through a stream.Indexer once complete.
type Episode[T any] struct {
	ID     uuid.UUID
	Slot   Slot
	Path   string
	Points int

	a  *Adapter[T]
	ix *stream.Indexer[T]

	stopCtx context.Context
	cancel  context.CancelFunc

	// token serialises Wait; the fields below are only touched while it is
	// held.
	token chan struct{}
	done  bool
	src   stream.Source[T]
	err   error

	restoreOnce sync.Once
}

func newEpisode[T any](a *Adapter[T], slot Slot, path string, points int) *Episode[T] {
	stopCtx, cancel := context.WithCancel(context.Background())
	e := &Episode[T]{
		ID:      uuid.New(),
		Slot:    slot,
		Path:    path,
		Points:  points,
		a:       a,
		stopCtx: stopCtx,
		cancel:  cancel,
		token:   make(chan struct{}, 1),
	}
	opts := []stream.Option{stream.WithName("episode " + slot.String())}
	if a.cfg.ChunkSize > 0 {
		opts = append(opts, stream.WithChunkSize(a.cfg.ChunkSize))
	}
	e.ix = stream.NewIndexer[T](episodeSource[T]{e}, opts...)
	return e
}

// RequestNext returns a handle for the next trigger's record. It does not
// block and may be called before the detector has written anything.
func (e *Episode[T]) RequestNext() *stream.Handle[T] { return e.ix.RequestNext() }

// Indexer returns the episode's indexer, e.g. to stream.Compose it with other
// sources advancing on the same triggers.
func (e *Episode[T]) Indexer() *stream.Indexer[T] { return e.ix }

// Bound is the completion timeout of this episode.
func (e *Episode[T]) Bound() time.Duration { return e.a.cfg.Bound(e.Points) }

// Wait blocks until the detector file is complete and loaded. Resolving a
// handle waits implicitly; calling Wait first separates a completion failure
// from record faults. The outcome is memoised except when ctx itself is done.
func (e *Episode[T]) Wait(ctx context.Context) error {
	_, err := e.source(ctx)
	return err
}

// Cancel interrupts pending and future readbacks with ErrCancelled, also once
// the file has loaded. Records the indexer already read stay resolvable.
func (e *Episode[T]) Cancel() { e.cancel() }

// Close cancels the episode, stops a recording still in progress, restores
// ModeSpectra and releases the loaded file.
func (e *Episode[T]) Close() error {
	e.cancel()
	e.token <- struct{}{}
	defer func() { <-e.token }()

	ctx := context.Background()
	if !e.done {
		e.a.stop(ctx)
		e.done, e.err = true, ErrCancelled
	}
	e.restore(ctx)
	if c, ok := e.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (e *Episode[T]) source(ctx context.Context) (stream.Source[T], error) {
	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.token }()

	if e.done {
		return e.src, e.err
	}
	if e.stopCtx.Err() != nil {
		e.a.stop(ctx)
		e.restore(ctx)
		e.done, e.err = true, ErrCancelled
		return nil, ErrCancelled
	}
	src, err := e.await(ctx)
	if err != nil && ctx.Err() != nil && e.stopCtx.Err() == nil {
		return nil, err
	}
	e.done, e.src, e.err = true, src, err
	return src, err
}

// await polls for completion and loads the file. ModeSpectra is restored on
// every exit except a cancelled caller context, which leaves the episode
// running for a later Wait.
func (e *Episode[T]) await(parent context.Context) (stream.Source[T], error) {
	defer func() {
		if r := recover(); r != nil {
			e.restore(parent)
			panic(r)
		}
	}()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	unlink := context.AfterFunc(e.stopCtx, cancel)
	defer unlink()

	cfg := e.a.cfg
	var wake <-chan struct{}
	if w, ok := cfg.FS.(fsutil.Watcher); ok {
		ch, unwatch, err := w.Watch(filepath.Dir(e.Path))
		if err != nil {
			e.a.log("watch %s: %v; polling only", filepath.Dir(e.Path), err)
		} else {
			wake = ch
			defer unwatch()
		}
	}

	err := timeutil.Poll(ctx, cfg.Clock, timeutil.PollOptions{Interval: cfg.PollInterval, Timeout: e.Bound(), Wake: wake},
		func(ctx context.Context) (bool, error) {
			complete, err := e.a.det.FileComplete(ctx)
			if err != nil {
				return false, err
			}
			return complete && cfg.FS.Exists(e.Path), nil
		})
	switch {
	case err == nil:
	case errors.Is(err, timeutil.ErrPollTimeout):
		e.a.stop(ctx)
		e.restore(ctx)
		e.a.log("episode %s: file %s not complete after %v", e.ID, e.Path, e.Bound())
		return nil, faults.FileTimeout(e.Path, err)
	case e.stopCtx.Err() != nil:
		e.a.stop(ctx)
		e.restore(ctx)
		return nil, ErrCancelled
	case parent.Err() != nil:
		return nil, err
	default:
		e.restore(ctx)
		return nil, fmt.Errorf("wait for %s: %w", e.Path, err)
	}
	e.restore(ctx)

	f, err := cfg.FS.Open(e.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Path, err)
	}
	src, err := e.a.loader.Load(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load %s: %w", e.Path, err)
	}
	e.a.log("episode %s: loaded %s", e.ID, e.Path)
	return src, nil
}

func (e *Episode[T]) restore(ctx context.Context) {
	e.restoreOnce.Do(func() { e.a.restore(ctx) })
}

// episodeSource defers to the loaded file source once the episode completes.
type episodeSource[T any] struct{ e *Episode[T] }

func (s episodeSource[T]) Read(ctx context.Context, max int) ([]T, error) {
	src, err := s.e.source(ctx)
	if err != nil {
		return nil, err
	}
	if s.e.stopCtx.Err() != nil {
		return nil, ErrCancelled
	}
	return src.Read(ctx, max)
}
