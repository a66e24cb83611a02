package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flyscan/internal/detector"
	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/trajectory"
)

func init() { monitoring.SetLogger(nil) }

func simScanner(t *testing.T, r raster, simCfg trajectory.SimConfig) (*scanner, *detector.SimDetector, *fsutil.MemoryFileSystem) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	det := detector.NewSimDetector(fsys)
	trig := newSimTrigger(det, r)
	simCfg.OnPoint = trig.onPoint
	ctrl := trajectory.NewSimController(simCfg)
	axes := map[string]trajectory.AxisConfig{}
	for _, id := range r.axes {
		axes[id] = trajectory.AxisConfig{Enabled: true, CSPort: "CS1", Resolution: 0.001}
	}
	require.NoError(t, ctrl.ConfigureAxes(context.Background(), axes))

	adapter := detector.NewAdapter[[]float64](det, detector.LinesLoader[[]float64]{Parse: detector.ParseFields},
		detector.NewCounter(1), detector.Config{
			Dir:          "scans",
			FS:           fsys,
			PerPointTime: r.dwell,
			Margin:       5 * time.Second,
			PollInterval: time.Millisecond,
			ChunkSize:    3,
		})
	return &scanner{
		ctrl:      ctrl,
		adapter:   adapter,
		raster:    r,
		wait:      trajectory.WaitOptions{Interval: time.Millisecond},
		margin:    5 * time.Second,
		chunk:     2,
		positions: trig.positions,
		log:       func(string, ...interface{}) {},
	}, det, fsys
}

func TestRaster_Line(t *testing.T) {
	r := raster{axes: []string{"X", "Y", "Z"}, points: 3, lines: 2, step: 0.5, dwell: time.Millisecond}
	require.NoError(t, r.validate())

	p := r.line(1)
	require.Len(t, p, 3)
	assert.Equal(t, []trajectory.Mode{trajectory.ModeStart, trajectory.ModeMiddle, trajectory.ModeEnd},
		[]trajectory.Mode{p[0].Mode, p[1].Mode, p[2].Mode})
	assert.Equal(t, []float64{0, 0.5, 1}, p.Column("X"))
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, p.Column("Y"))
	assert.Equal(t, []float64{0, 0, 0}, p.Column("Z"))

	single := raster{axes: []string{"X"}, points: 1, lines: 1, step: 1, dwell: time.Millisecond}
	assert.Equal(t, trajectory.ModeZeroVelocity, single.line(0)[0].Mode)

	assert.Error(t, raster{points: 1, lines: 1, dwell: time.Millisecond}.validate())
	assert.Error(t, raster{axes: []string{"X"}, points: 0, lines: 1, dwell: time.Millisecond}.validate())
	assert.Error(t, raster{axes: []string{"X"}, points: 1, lines: 1}.validate())
}

func TestScanner_SimulatedRaster(t *testing.T) {
	r := raster{axes: []string{"X", "Y"}, points: 5, lines: 2, step: 0.1, dwell: time.Millisecond}
	s, det, fsys := simScanner(t, r, trajectory.SimConfig{MaxPointsPerBuild: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var got []sample
	require.NoError(t, s.run(ctx, func(smp sample) { got = append(got, smp) }))

	require.Len(t, got, 10)
	for i, smp := range got {
		line, point := i/5, i%5
		assert.Equal(t, line, smp.Line)
		assert.Equal(t, point, smp.Point)
		assert.InDeltaSlice(t, []float64{float64(point) * 0.1, float64(line) * 0.1}, smp.Position, 1e-9)
		require.Len(t, smp.Record, 2)
		assert.Equal(t, float64(point), smp.Record[0], "record %d carries its trigger index", i)
		assert.Greater(t, smp.Record[1], 0.0)
	}
	assert.Equal(t, detector.ModeSpectra, det.Mode())
	assert.Zero(t, det.Dropped())
	assert.True(t, fsys.Exists(detector.EpisodePath("scans", detector.Slot{Run: 1, Row: 1}, "dat")))
}

func TestScanner_MotionFailureEndsLine(t *testing.T) {
	r := raster{axes: []string{"X"}, points: 6, lines: 2, step: 1, dwell: time.Millisecond}
	s, det, fsys := simScanner(t, r, trajectory.SimConfig{FailAfterPoints: 3})
	s.adapter = detector.NewAdapter[[]float64](det, detector.LinesLoader[[]float64]{Parse: detector.ParseFields},
		detector.NewCounter(1), detector.Config{
			Dir:          "scans",
			FS:           fsys,
			PerPointTime: time.Millisecond,
			Margin:       time.Second,
			PollInterval: time.Millisecond,
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var got []sample
	err := s.run(ctx, func(smp sample) { got = append(got, smp) })
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrHardwareExecution)
	assert.Contains(t, err.Error(), "line 0")
	assert.Empty(t, got)
	assert.Equal(t, detector.ModeSpectra, det.Mode())
}

func TestCommandedPositions(t *testing.T) {
	r := raster{axes: []string{"X", "Y"}, points: 3, lines: 1, step: 2, dwell: time.Millisecond}
	src := commanded(r.axes)(r.line(0))
	rows, _ := src.Read(context.Background(), 10)
	assert.Equal(t, [][]float64{{0, 0}, {2, 0}, {4, 0}}, rows)
}

func TestSimTrigger_Intensity(t *testing.T) {
	r := raster{axes: []string{"X", "Y"}, points: 5, lines: 5, step: 1, dwell: time.Millisecond}
	trig := newSimTrigger(detector.NewSimDetector(fsutil.NewMemoryFileSystem()), r)
	peak := trig.intensity([]float64{2, 2})
	assert.InDelta(t, 1000, peak, 1e-9)
	assert.Less(t, trig.intensity([]float64{0, 0}), peak)
}
