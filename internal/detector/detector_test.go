package detector

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/hwlink"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/stream"
	"github.com/banshee-data/flyscan/internal/timeutil"
	"github.com/banshee-data/flyscan/internal/trajectory"
)

func init() { monitoring.SetLogger(nil) }

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var fieldsLoader = LinesLoader[[]float64]{Parse: ParseFields}

// realConfig waits on the wall clock with a generous bound.
func realConfig(fsys fsutil.FileSystem) Config {
	return Config{Dir: "/scan", PerPointTime: time.Millisecond, Margin: 5 * time.Second, PollInterval: 5 * time.Millisecond, FS: fsys}
}

func newSimAdapter(t *testing.T, cfg Config) (*Adapter[[]float64], *SimDetector, *fsutil.MemoryFileSystem) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	if cfg.FS == nil {
		cfg.FS = fsys
	}
	det := NewSimDetector(cfg.FS)
	return NewAdapter[[]float64](det, fieldsLoader, NewCounter(7), cfg), det, fsys
}

func TestCounterAndEpisodePath(t *testing.T) {
	c := NewCounter(3)
	assert.Equal(t, Slot{Run: 3, Row: 0}, c.Next())
	assert.Equal(t, Slot{Run: 3, Row: 1}, c.Next())
	assert.Equal(t, 4, c.NextRun())
	s := c.Next()
	assert.Equal(t, Slot{Run: 4, Row: 0}, s)
	assert.Equal(t, "run 4 row 0", s.String())
	assert.Equal(t, filepath.Join("/data", "4", "0.dat"), EpisodePath("/data", s, "dat"))
}

func TestParseFields(t *testing.T) {
	v, err := ParseFields("1 2.5,-3\t4e2")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3, 400}, v)
	assert.Equal(t, "1 2.5 -3 400", FormatFields(v))

	_, err = ParseFields("1 x")
	assert.ErrorContains(t, err, "field 1")
}

func TestLinesLoader(t *testing.T) {
	ctx := context.Background()
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("rows.dat", []byte("# header\n1 2\n\n3 4\n5 6\n"), 0644))

	f, err := fsys.Open("rows.dat")
	require.NoError(t, err)
	src, err := fieldsLoader.Load(f)
	require.NoError(t, err)

	got, err := src.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, got)
	got, err = src.Read(ctx, 2)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, [][]float64{{5, 6}}, got)
	_, err = src.Read(ctx, 2)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, fsys.WriteFile("bad.dat", []byte("1\noops\n"), 0644))
	f, err = fsys.Open("bad.dat")
	require.NoError(t, err)
	src, err = fieldsLoader.Load(f)
	require.NoError(t, err)
	got, err = src.Read(ctx, 5)
	assert.ErrorContains(t, err, "line 2")
	assert.Equal(t, [][]float64{{1}}, got)

	_, err = LinesLoader[int]{}.Load(f)
	assert.Error(t, err)
}

func TestAdapter_EpisodeReadsRecordsInTriggerOrder(t *testing.T) {
	ctx := context.Background()
	a, det, fsys := newSimAdapter(t, Config{Dir: "/scan", PerPointTime: time.Millisecond, Margin: 5 * time.Second, PollInterval: 5 * time.Millisecond})

	ep, err := a.Arm(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/scan", "7", "0.dat"), ep.Path)
	assert.True(t, fsys.Exists(filepath.Dir(ep.Path)), "staging directory created")
	assert.Equal(t, ModeMapping, det.Mode())
	assert.Equal(t, 5*time.Second+4*time.Millisecond, ep.Bound())

	// handles are requested before anything is written
	hs := make([]*stream.Handle[[]float64], 4)
	for i := range hs {
		hs[i] = ep.RequestNext()
	}

	go func() {
		for i := 0; i < 4; i++ {
			det.Trigger(float64(i), float64(i*i))
		}
	}()

	for i := 3; i >= 0; i-- {
		v, err := hs[i].Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{float64(i), float64(i * i)}, v)
	}
	assert.Equal(t, ModeSpectra, det.Mode())

	_, err = ep.RequestNext().Resolve(ctx)
	assert.ErrorIs(t, err, stream.ErrExhausted)

	require.NoError(t, ep.Close())
	if diff := cmp.Diff([]CollectionMode{ModeMapping, ModeSpectra}, det.Modes()); diff != "" {
		t.Errorf("mode sequence (-want +got):\n%s", diff)
	}

	next, err := a.Arm(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Slot{Run: 7, Row: 1}, next.Slot)
	require.NoError(t, next.Close())
}

func TestAdapter_FileTimeout(t *testing.T) {
	ctx := context.Background()
	a, det, _ := newSimAdapter(t, Config{
		Dir:          "/scan",
		PerPointTime: 10 * time.Millisecond,
		Margin:       50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Clock:        timeutil.NewAutoMockClock(epoch),
	})
	det.Stall(true)

	ep, err := a.Arm(ctx, 3)
	require.NoError(t, err)
	h := ep.RequestNext()
	for i := 0; i < 3; i++ {
		det.Trigger(1)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.Resolve(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, faults.ErrFileTimeout)
		assert.ErrorIs(t, err, timeutil.ErrPollTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("readback hung on a file that never completes")
	}

	assert.ErrorIs(t, ep.Wait(ctx), faults.ErrFileTimeout, "timeout is memoised")
	_, err = ep.RequestNext().Resolve(ctx)
	assert.ErrorIs(t, err, faults.ErrFileTimeout)
	assert.Equal(t, ModeSpectra, det.Mode())
}

func TestAdapter_ArmFailureRestoresMode(t *testing.T) {
	for _, command := range []string{"Reset", "SetPointCount", "StartRecording"} {
		t.Run(command, func(t *testing.T) {
			a, det, _ := newSimAdapter(t, realConfig(nil))
			det.FailOn(command, errors.New("no ack"))

			_, err := a.Arm(context.Background(), 2)
			assert.ErrorIs(t, err, faults.ErrCommunication)
			assert.Equal(t, []CollectionMode{ModeMapping, ModeSpectra}, det.Modes())
		})
	}

	a, _, _ := newSimAdapter(t, realConfig(nil))
	_, err := a.Arm(context.Background(), 0)
	assert.ErrorContains(t, err, "point count must be positive")
}

func TestAdapter_CompletionFaultRestoresMode(t *testing.T) {
	ctx := context.Background()
	a, det, _ := newSimAdapter(t, realConfig(nil))
	ep, err := a.Arm(ctx, 2)
	require.NoError(t, err)

	det.FailOn("FileComplete", errors.New("link down"))
	err = ep.Wait(ctx)
	assert.ErrorIs(t, err, faults.ErrCommunication)
	assert.Equal(t, ModeSpectra, det.Mode())
}

type panickingDetector struct{ *SimDetector }

func (panickingDetector) FileComplete(context.Context) (bool, error) { panic("driver bug") }

func TestAdapter_PanicRestoresMode(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sim := NewSimDetector(fsys)
	a := NewAdapter[[]float64](panickingDetector{sim}, fieldsLoader, NewCounter(1), realConfig(fsys))

	ep, err := a.Arm(context.Background(), 1)
	require.NoError(t, err)
	assert.PanicsWithValue(t, "driver bug", func() { _ = ep.Wait(context.Background()) })
	assert.Equal(t, ModeSpectra, sim.Mode())
}

func TestEpisode_Cancel(t *testing.T) {
	ctx := context.Background()
	a, det, _ := newSimAdapter(t, realConfig(nil))
	ep, err := a.Arm(ctx, 2)
	require.NoError(t, err)
	h := ep.RequestNext()

	done := make(chan error, 1)
	go func() {
		_, err := h.Resolve(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ep.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the readback")
	}
	assert.ErrorIs(t, ep.Wait(ctx), ErrCancelled)
	assert.Equal(t, ModeSpectra, det.Mode())
	require.NoError(t, ep.Close())
}

func TestEpisode_CancelAfterLoad(t *testing.T) {
	ctx := context.Background()
	cfg := realConfig(nil)
	cfg.ChunkSize = 1
	a, det, _ := newSimAdapter(t, cfg)
	ep, err := a.Arm(ctx, 3)
	require.NoError(t, err)
	h0, h1, h2 := ep.RequestNext(), ep.RequestNext(), ep.RequestNext()

	det.Trigger(0)
	det.Trigger(1)
	det.Trigger(2)
	require.NoError(t, ep.Wait(ctx))
	v, err := h0.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, v)

	ep.Cancel()
	_, err = h1.Resolve(ctx)
	assert.ErrorIs(t, err, ErrCancelled)

	require.NoError(t, ep.Close())
	_, err = h2.Resolve(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, faults.ErrStreamContract)

	v, err = h0.Resolve(ctx)
	require.NoError(t, err, "records read before the cancel stay resolvable")
	assert.Equal(t, []float64{0}, v)
}

func TestEpisode_CallerCancelIsNotFinal(t *testing.T) {
	a, det, _ := newSimAdapter(t, realConfig(nil))
	ep, err := a.Arm(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ep.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, ModeMapping, det.Mode(), "episode keeps recording")

	det.Trigger(1)
	det.Trigger(2)
	require.NoError(t, ep.Wait(context.Background()))
	v, err := ep.RequestNext().Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, v)
	require.NoError(t, ep.Close())
}

func TestEpisode_CloseStopsRecording(t *testing.T) {
	a, det, fsys := newSimAdapter(t, realConfig(nil))
	ep, err := a.Arm(context.Background(), 3)
	require.NoError(t, err)
	det.Trigger(1)

	require.NoError(t, ep.Close())
	assert.Equal(t, ModeSpectra, det.Mode())
	det.Trigger(2)
	assert.Equal(t, 1, det.Dropped(), "no triggers recorded after close")
	data, err := fs.ReadFile(memFS{fsys}, ep.Path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))

	_, err = ep.RequestNext().Resolve(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

// memFS exposes a FileSystem as an fs.FS for fs.ReadFile.
type memFS struct{ fsutil.FileSystem }

func (m memFS) Open(name string) (fs.File, error) { return m.FileSystem.Open(name) }

func TestAdapter_RemovesStaleFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	link := hwlink.NewMemoryLink(map[string]string{ParamFileComplete: "0"})
	a := NewAdapter[[]float64](NewSerialDetector(link), fieldsLoader, NewCounter(2), realConfig(fsys))

	stale := EpisodePath("/scan", Slot{Run: 2, Row: 0}, DefaultExt)
	require.NoError(t, fsys.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, fsys.WriteFile(stale, []byte("old\n"), 0644))

	ep, err := a.Arm(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, stale, ep.Path)
	assert.False(t, fsys.Exists(stale), "stale file from an earlier run is removed")

	// the controller writes the file, then raises the completion flag
	require.NoError(t, fsys.WriteFile(stale, []byte("1 1\n2 2\n"), 0644))
	link.Set(ParamFileComplete, "1")
	v, err := ep.RequestNext().Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, v)
	require.NoError(t, ep.Close())

	want := []hwlink.PutRecord{
		{Name: ParamCollectionMode, Value: "Mapping"},
		{Name: ParamReset, Value: "1"},
		{Name: ParamPointCount, Value: "2"},
		{Name: ParamFilePath, Value: stale},
		{Name: ParamRecord, Value: "1"},
		{Name: ParamCollectionMode, Value: "Spectra"},
	}
	if diff := cmp.Diff(want, link.Puts()); diff != "" {
		t.Errorf("detector commands (-want +got):\n%s", diff)
	}
}

func TestSerialDetector_FileCompleteFault(t *testing.T) {
	link := hwlink.NewMemoryLink(map[string]string{ParamFileComplete: "maybe"})
	_, err := NewSerialDetector(link).FileComplete(context.Background())
	assert.ErrorIs(t, err, faults.ErrCommunication)
}

// A simulated motion execute drives the detector trigger and a position
// stream; both are read back aligned per point.
func TestEndToEnd_SimulatedLine(t *testing.T) {
	ctx := context.Background()
	a, det, _ := newSimAdapter(t, realConfig(nil))

	const n = 6
	positions := make(chan []float64, n)
	var mu sync.Mutex
	var order []int
	ctrl := trajectory.NewSimController(trajectory.SimConfig{
		Clock:             timeutil.NewAutoMockClock(epoch),
		MaxPointsPerBuild: 4,
		OnPoint: func(i int, p trajectory.Point) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			x := p.Positions["X"]
			positions <- []float64{x}
			det.Trigger(x * 10)
			if i == n-1 {
				close(positions)
			}
		},
	})
	require.NoError(t, ctrl.ConfigureAxes(ctx, map[string]trajectory.AxisConfig{
		"X": {Resolution: 0.001, CSPort: "CS1", Enabled: true},
	}))
	profile := make(trajectory.Profile, n)
	for i := range profile {
		profile[i] = trajectory.Point{Positions: map[string]float64{"X": float64(i) / 2}, Dwell: 50 * time.Millisecond}
	}

	ep, err := a.Arm(ctx, n)
	require.NoError(t, err)
	m, err := stream.Compose(ep.Indexer(), stream.NewIndexer[[]float64](&stream.ChanSource[[]float64]{C: positions}))
	require.NoError(t, err)
	hs := make([]*stream.MultiHandle[[]float64], n)
	for i := range hs {
		hs[i] = m.RequestNext()
	}

	require.NoError(t, trajectory.Run(ctx, ctrl, profile, trajectory.WaitOptions{Interval: time.Millisecond, Timeout: 5 * time.Second}))
	for i, h := range hs {
		got, err := h.Resolve(ctx)
		require.NoError(t, err)
		x := float64(i) / 2
		assert.Equal(t, [][]float64{{x * 10}, {x}}, got)
	}
	require.NoError(t, ep.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	assert.True(t, strings.HasSuffix(ep.Path, ".dat"))
}
