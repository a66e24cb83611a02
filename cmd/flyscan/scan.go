package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/flyscan/internal/detector"
	"github.com/banshee-data/flyscan/internal/stream"
	"github.com/banshee-data/flyscan/internal/trajectory"
)

// raster describes a rectangular fly scan: points along the first enabled
// axis, one line per step of the second.
type raster struct {
	axes   []string
	points int
	lines  int
	step   float64
	dwell  time.Duration
}

func (r raster) validate() error {
	switch {
	case len(r.axes) == 0:
		return fmt.Errorf("no enabled axes")
	case r.points <= 0:
		return fmt.Errorf("points must be positive, got %d", r.points)
	case r.lines <= 0:
		return fmt.Errorf("lines must be positive, got %d", r.lines)
	case r.dwell <= 0:
		return fmt.Errorf("dwell must be positive, got %v", r.dwell)
	}
	return nil
}

// line returns the profile for one row. Axes past the second stay at zero.
func (r raster) line(row int) trajectory.Profile {
	p := make(trajectory.Profile, r.points)
	for i := range p {
		pos := make(map[string]float64, len(r.axes))
		for j, id := range r.axes {
			switch j {
			case 0:
				pos[id] = float64(i) * r.step
			case 1:
				pos[id] = float64(row) * r.step
			default:
				pos[id] = 0
			}
		}
		mode := trajectory.ModeMiddle
		switch {
		case r.points == 1:
			mode = trajectory.ModeZeroVelocity
		case i == 0:
			mode = trajectory.ModeStart
		case i == r.points-1:
			mode = trajectory.ModeEnd
		}
		p[i] = trajectory.Point{Positions: pos, Dwell: r.dwell, Mode: mode}
	}
	return p
}

// positionsOf orders a point's positions by axes.
func positionsOf(axes []string, p trajectory.Point) []float64 {
	out := make([]float64, len(axes))
	for i, id := range axes {
		out[i] = p.Positions[id]
	}
	return out
}

// sample is one assembled point of a line.
type sample struct {
	Line     int
	Point    int
	Position []float64
	Record   []float64
}

// scanner runs lines against one controller and detector adapter.
type scanner struct {
	ctrl    trajectory.Controller
	adapter *detector.Adapter[[]float64]
	raster  raster
	wait    trajectory.WaitOptions
	margin  time.Duration
	chunk   int
	// positions returns the position stream for a line's profile.
	positions func(trajectory.Profile) stream.Source[[]float64]
	log       func(string, ...interface{})
}

// commanded streams a profile's target positions.
func commanded(axes []string) func(trajectory.Profile) stream.Source[[]float64] {
	return func(p trajectory.Profile) stream.Source[[]float64] {
		rows := make([][]float64, len(p))
		for i, pt := range p {
			rows[i] = positionsOf(axes, pt)
		}
		return stream.NewSliceSource(rows)
	}
}

// run scans every line in order and stops at the first failure.
func (s *scanner) run(ctx context.Context, emit func(sample)) error {
	for row := 0; row < s.raster.lines; row++ {
		samples, err := s.scanLine(ctx, row)
		if err != nil {
			return fmt.Errorf("line %d: %w", row, err)
		}
		for _, smp := range samples {
			emit(smp)
		}
	}
	return nil
}

// scanLine arms an episode, then executes the line while resolving every
// point's detector record together with its position.
func (s *scanner) scanLine(ctx context.Context, row int) ([]sample, error) {
	profile := s.raster.line(row)
	for _, id := range profile.Axes() {
		lo, hi := profile.Extent(id)
		s.log("line %d: %s travels %g to %g", row, id, lo, hi)
	}

	ep, err := s.adapter.Arm(ctx, len(profile))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ep.Close(); err != nil {
			s.log("close episode %s: %v", ep.ID, err)
		}
	}()

	opts := []stream.Option{stream.WithName("positions")}
	if s.chunk > 0 {
		opts = append(opts, stream.WithChunkSize(s.chunk))
	}
	pos := stream.NewIndexer(s.positions(profile), opts...)
	m, err := stream.Compose(ep.Indexer(), pos)
	if err != nil {
		return nil, err
	}
	handles := make([]*stream.MultiHandle[[]float64], len(profile))
	for i := range handles {
		handles[i] = m.RequestNext()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wait := s.wait
		wait.Timeout = profile.Duration() + s.margin
		if err := trajectory.Run(gctx, s.ctrl, profile, wait); err != nil {
			return fmt.Errorf("motion: %w", err)
		}
		return nil
	})
	samples := make([]sample, len(handles))
	g.Go(func() error {
		for i, h := range handles {
			vs, err := h.Resolve(gctx)
			if err != nil {
				return fmt.Errorf("readback point %d: %w", h.Index(), err)
			}
			samples[i] = sample{Line: row, Point: h.Index(), Record: vs[0], Position: vs[1]}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log("line %d: episode %s resolved %d points", row, ep.ID, len(samples))
	return samples, nil
}

// simTrigger fans the simulated controller's per-point hook out to the
// simulated detector and the current line's position stream.
type simTrigger struct {
	det    *detector.SimDetector
	axes   []string
	center []float64
	sigma  float64

	mu sync.Mutex
	ch chan []float64
	n  int
}

func newSimTrigger(det *detector.SimDetector, r raster) *simTrigger {
	center := make([]float64, len(r.axes))
	if len(center) > 0 {
		center[0] = float64(r.points-1) * r.step / 2
	}
	if len(center) > 1 {
		center[1] = float64(r.lines-1) * r.step / 2
	}
	sigma := float64(max(r.points, r.lines)) * r.step / 4
	if sigma <= 0 {
		sigma = 1
	}
	return &simTrigger{det: det, axes: r.axes, center: center, sigma: sigma}
}

// positions starts a new line and streams the positions the controller
// reports as each point fires.
func (t *simTrigger) positions(p trajectory.Profile) stream.Source[[]float64] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch = make(chan []float64, len(p))
	t.n = len(p)
	return stream.ChanSource[[]float64]{C: t.ch}
}

func (t *simTrigger) onPoint(index int, p trajectory.Point) {
	pos := positionsOf(t.axes, p)
	t.det.Trigger(float64(index), t.intensity(pos))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return
	}
	t.ch <- pos
	if index == t.n-1 {
		close(t.ch)
		t.ch = nil
	}
}

// intensity is a Gaussian peak centred on the raster.
func (t *simTrigger) intensity(pos []float64) float64 {
	var r2 float64
	for i, v := range pos {
		d := v - t.center[i]
		r2 += d * d
	}
	return 1000 * math.Exp(-r2/(2*t.sigma*t.sigma))
}
