package detector

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/monitoring"
)

// SimDetector is an in-process detector for rehearsals. Each Trigger while
// recording appends one record line to the file; the file is closed and
// flagged complete after the declared point count.
type SimDetector struct {
	fs  fsutil.FileSystem
	log func(string, ...interface{})

	mu        sync.Mutex
	mode      CollectionMode
	modes     []CollectionMode
	points    int
	written   int
	dropped   int
	w         io.WriteCloser
	complete  bool
	stall     bool
	failOn    map[string]error
	recording bool
}

var _ Detector = (*SimDetector)(nil)

// NewSimDetector writes its files to fsys.
func NewSimDetector(fsys fsutil.FileSystem) *SimDetector {
	return &SimDetector{
		fs:     fsys,
		log:    monitoring.Component("detector/sim"),
		failOn: make(map[string]error),
	}
}

// FailOn makes the named command ("SetCollectionMode", "Reset",
// "SetPointCount", "StartRecording", "StopRecording", "FileComplete") fail
// with a communication fault wrapping err. A nil err clears it.
func (d *SimDetector) FailOn(command string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOn, command)
		return
	}
	d.failOn[command] = err
}

// Stall keeps the file from ever completing, as when triggers are lost.
func (d *SimDetector) Stall(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stall = on
}

// Mode returns the current collection mode.
func (d *SimDetector) Mode() CollectionMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Modes returns every collection mode set, in order.
func (d *SimDetector) Modes() []CollectionMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CollectionMode(nil), d.modes...)
}

// Dropped counts triggers received while not recording or past the declared
// point count.
func (d *SimDetector) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *SimDetector) check(command string) error {
	if err, ok := d.failOn[command]; ok {
		return faults.Communication(command, err)
	}
	return nil
}

func (d *SimDetector) SetCollectionMode(ctx context.Context, mode CollectionMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetCollectionMode"); err != nil {
		return err
	}
	d.mode = mode
	d.modes = append(d.modes, mode)
	return nil
}

func (d *SimDetector) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("Reset"); err != nil {
		return err
	}
	d.closeFile()
	d.written, d.dropped, d.complete = 0, 0, false
	return nil
}

func (d *SimDetector) SetPointCount(ctx context.Context, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetPointCount"); err != nil {
		return err
	}
	d.points = n
	return nil
}

func (d *SimDetector) StartRecording(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("StartRecording"); err != nil {
		return err
	}
	if d.mode != ModeMapping {
		return faults.Communication("StartRecording", fmt.Errorf("detector is in %s mode", d.mode))
	}
	w, err := d.fs.Create(path)
	if err != nil {
		return faults.Communication("StartRecording", err)
	}
	d.closeFile()
	d.w, d.recording, d.complete, d.written = w, true, false, 0
	return nil
}

func (d *SimDetector) StopRecording(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("StopRecording"); err != nil {
		return err
	}
	d.closeFile()
	return nil
}

func (d *SimDetector) FileComplete(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("FileComplete"); err != nil {
		return false, err
	}
	return d.complete, nil
}

// Trigger records one point. It is the hardware trigger input and is
// normally wired to the motion controller's per-point hook.
func (d *SimDetector) Trigger(values ...float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording || d.written >= d.points {
		d.dropped++
		return
	}
	if _, err := io.WriteString(d.w, FormatFields(values)+"\n"); err != nil {
		d.log("write record %d: %v", d.written, err)
		return
	}
	d.written++
	if d.written == d.points && !d.stall {
		d.closeFile()
		d.complete = true
	}
}

func (d *SimDetector) closeFile() {
	if d.w == nil {
		return
	}
	if err := d.w.Close(); err != nil {
		d.log("close file: %v", err)
	}
	d.w, d.recording = nil, false
}
