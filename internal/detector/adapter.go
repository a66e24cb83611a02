package detector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/timeutil"
)

// Defaults for Config fields left zero.
const (
	DefaultExt          = "dat"
	DefaultPerPointTime = 100 * time.Millisecond
	DefaultMargin       = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond

	// restoreTimeout bounds the commands that put the detector back into
	// ModeSpectra, which run even when the caller's context is done.
	restoreTimeout = 5 * time.Second
)

// Config configures an Adapter.
type Config struct {
	// Dir is the staging root; files land at EpisodePath(Dir, slot, Ext).
	Dir string
	Ext string
	// PerPointTime and Margin give the completion bound for an episode of n
	// points: PerPointTime*n + Margin.
	PerPointTime time.Duration
	Margin       time.Duration
	// PollInterval between completion checks. File system notifications
	// trigger an earlier check where the file system supports them.
	PollInterval time.Duration
	// ChunkSize is passed to the episode's stream.Indexer.
	ChunkSize int
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// FS defaults to fsutil.OSFileSystem.
	FS fsutil.FileSystem
}

func (c Config) withDefaults() Config {
	if c.Ext == "" {
		c.Ext = DefaultExt
	}
	if c.PerPointTime <= 0 {
		c.PerPointTime = DefaultPerPointTime
	}
	if c.Margin <= 0 {
		c.Margin = DefaultMargin
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	return c
}

// Bound returns the completion timeout for an episode of n points.
func (c Config) Bound(n int) time.Duration {
	c = c.withDefaults()
	return c.PerPointTime*time.Duration(n) + c.Margin
}

// Adapter arms a Detector for acquisition episodes and reads back its files
// as records of type T.
type Adapter[T any] struct {
	det    Detector
	loader Loader[T]
	seq    Sequence
	cfg    Config
	log    func(string, ...interface{})
}

// NewAdapter returns an adapter. seq supplies the run/row slot of each episode.
func NewAdapter[T any](det Detector, loader Loader[T], seq Sequence, cfg Config) *Adapter[T] {
	return &Adapter[T]{
		det:    det,
		loader: loader,
		seq:    seq,
		cfg:    cfg.withDefaults(),
		log:    monitoring.Component("detector"),
	}
}

// Arm prepares the detector to record points triggers into a fresh file and
// returns the episode that reads it back. It must be called before motion
// starts. On any failure the detector is put back into ModeSpectra.
func (a *Adapter[T]) Arm(ctx context.Context, points int) (ep *Episode[T], err error) {
	if points <= 0 {
		return nil, fmt.Errorf("arm: point count must be positive, got %d", points)
	}
	slot := a.seq.Next()
	path := EpisodePath(a.cfg.Dir, slot, a.cfg.Ext)

	if err := a.cfg.FS.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("arm %s: create staging directory: %w", slot, err)
	}
	if a.cfg.FS.Exists(path) {
		if err := a.cfg.FS.Remove(path); err != nil {
			return nil, fmt.Errorf("arm %s: remove stale file: %w", slot, err)
		}
		a.log("removed stale file %s", path)
	}

	armed := false
	defer func() {
		if !armed {
			a.restore(ctx)
		}
	}()
	if err := a.det.SetCollectionMode(ctx, ModeMapping); err != nil {
		return nil, fmt.Errorf("arm %s: set mode: %w", slot, err)
	}
	if err := a.det.Reset(ctx); err != nil {
		return nil, fmt.Errorf("arm %s: reset: %w", slot, err)
	}
	if err := a.det.SetPointCount(ctx, points); err != nil {
		return nil, fmt.Errorf("arm %s: point count: %w", slot, err)
	}
	if err := a.det.StartRecording(ctx, path); err != nil {
		return nil, fmt.Errorf("arm %s: start recording: %w", slot, err)
	}
	armed = true

	ep = newEpisode(a, slot, path, points)
	a.log("armed episode %s (%s) for %d points, bound %v", ep.ID, slot, points, a.cfg.Bound(points))
	return ep, nil
}

// restore puts the detector back into the safe default mode. It runs on a
// context detached from ctx's cancellation.
func (a *Adapter[T]) restore(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := a.det.SetCollectionMode(ctx, ModeSpectra); err != nil {
		a.log("restore %s mode failed: %v", ModeSpectra, err)
	}
}

func (a *Adapter[T]) stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := a.det.StopRecording(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log("stop recording failed: %v", err)
	}
}
