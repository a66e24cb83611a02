package detector

import (
	"context"
	"strconv"

	"github.com/banshee-data/flyscan/internal/hwlink"
)

// Detector parameter names on the link.
const (
	ParamCollectionMode = "CollectionMode"
	ParamReset          = "EraseAll"
	ParamPointCount     = "PixelsPerRun"
	ParamFilePath       = "FilePath"
	ParamRecord         = "Capture"
	ParamFileComplete   = "WriteComplete"
)

// SerialDetector drives a detector controller over an hwlink.Link. Every
// command is one acknowledged parameter write.
type SerialDetector struct {
	link hwlink.Link
}

var _ Detector = (*SerialDetector)(nil)

// NewSerialDetector wraps link.
func NewSerialDetector(link hwlink.Link) *SerialDetector {
	return &SerialDetector{link: link}
}

func (d *SerialDetector) SetCollectionMode(ctx context.Context, mode CollectionMode) error {
	return d.link.Put(ctx, ParamCollectionMode, mode.String())
}

func (d *SerialDetector) Reset(ctx context.Context) error {
	return d.link.Put(ctx, ParamReset, "1")
}

func (d *SerialDetector) SetPointCount(ctx context.Context, n int) error {
	return d.link.Put(ctx, ParamPointCount, strconv.Itoa(n))
}

func (d *SerialDetector) StartRecording(ctx context.Context, path string) error {
	if err := d.link.Put(ctx, ParamFilePath, path); err != nil {
		return err
	}
	return d.link.Put(ctx, ParamRecord, "1")
}

func (d *SerialDetector) StopRecording(ctx context.Context) error {
	return d.link.Put(ctx, ParamRecord, "0")
}

func (d *SerialDetector) FileComplete(ctx context.Context) (bool, error) {
	return hwlink.GetBool(ctx, d.link, ParamFileComplete)
}
