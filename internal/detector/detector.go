// Package detector bridges hardware-triggered detectors, which write one data
// file per acquisition episode on their own schedule, into the indexed
// readback model of package stream.
//
// An Adapter arms the detector before motion starts and hands back an Episode.
// The Episode's handles can be requested at once; the first resolution waits
// for the detector to finish its file, loads it and serves records in trigger
// order.
package detector

import (
	"context"
	"fmt"
)

// CollectionMode is the detector's hardware acquisition mode.
type CollectionMode int

const (
	// ModeSpectra is the safe default: software-timed single acquisitions.
	ModeSpectra CollectionMode = iota
	// ModeMapping records one spectrum per hardware trigger into a file.
	ModeMapping
)

func (m CollectionMode) String() string {
	switch m {
	case ModeSpectra:
		return "Spectra"
	case ModeMapping:
		return "Mapping"
	default:
		return fmt.Sprintf("CollectionMode(%d)", int(m))
	}
}

// Detector is the command surface of a hardware-triggered detector. Every
// method blocks until the detector acknowledged the command.
type Detector interface {
	SetCollectionMode(ctx context.Context, mode CollectionMode) error
	// Reset clears counters and any completion state from a previous file.
	Reset(ctx context.Context) error
	// SetPointCount declares how many triggers the next file will hold.
	SetPointCount(ctx context.Context, n int) error
	// StartRecording opens path for writing and arms the trigger input.
	StartRecording(ctx context.Context, path string) error
	// StopRecording disarms the trigger input and closes the file.
	StopRecording(ctx context.Context) error
	// FileComplete reports whether the file has been written and closed.
	FileComplete(ctx context.Context) (bool, error)
}
