// Package config loads the scan configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/flyscan/internal/serialmux"
	"github.com/banshee-data/flyscan/internal/trajectory"
)

// DefaultConfigPath is the path to the canonical scan defaults file.
const DefaultConfigPath = "config/scan.defaults.json"

// ScanConfig is the root scan configuration. Every field is optional; the
// Get* methods supply defaults for fields the file leaves out.
type ScanConfig struct {
	// Detector staging
	OutputDir *string `json:"output_dir,omitempty"`
	FileExt   *string `json:"file_ext,omitempty"`
	Run       *int    `json:"run,omitempty"`

	// Waits, as duration strings like "250ms"
	PollInterval   *string `json:"poll_interval,omitempty"`
	FileMargin     *string `json:"file_margin,omitempty"`
	PerPointSlack  *string `json:"per_point_slack,omitempty"`
	ExecuteMargin  *string `json:"execute_margin,omitempty"`
	RequestTimeout *string `json:"request_timeout,omitempty"`

	// Readback and motion limits
	ChunkSize         *int `json:"chunk_size,omitempty"`
	MaxPointsPerBuild *int `json:"max_points_per_build,omitempty"`

	// Hardware links
	LinkRate     *float64               `json:"link_rate,omitempty"`
	LinkBurst    *int                   `json:"link_burst,omitempty"`
	MotionPort   *string                `json:"motion_port,omitempty"`
	DetectorPort *string                `json:"detector_port,omitempty"`
	Serial       *serialmux.PortOptions `json:"serial,omitempty"`

	Axes map[string]trajectory.AxisConfig `json:"axes,omitempty"`
}

// EmptyScanConfig returns a ScanConfig with all fields unset.
func EmptyScanConfig() *ScanConfig {
	return &ScanConfig{}
}

// LoadScanConfig loads a ScanConfig from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields fall back to defaults.
func LoadScanConfig(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyScanConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *ScanConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"poll_interval", c.PollInterval},
		{"file_margin", c.FileMargin},
		{"per_point_slack", c.PerPointSlack},
		{"execute_margin", c.ExecuteMargin},
		{"request_timeout", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if c.ChunkSize != nil && *c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive, got %d", *c.ChunkSize)
	}
	if c.MaxPointsPerBuild != nil && *c.MaxPointsPerBuild < 1 {
		return fmt.Errorf("max_points_per_build must be positive, got %d", *c.MaxPointsPerBuild)
	}
	if c.Run != nil && *c.Run < 0 {
		return fmt.Errorf("run must be non-negative, got %d", *c.Run)
	}
	if c.LinkRate != nil && *c.LinkRate < 0 {
		return fmt.Errorf("link_rate must be non-negative, got %f", *c.LinkRate)
	}
	if c.LinkBurst != nil && *c.LinkBurst < 1 {
		return fmt.Errorf("link_burst must be positive, got %d", *c.LinkBurst)
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.Axes != nil {
		if err := trajectory.ValidateAxes(c.Axes); err != nil {
			return fmt.Errorf("axes: %w", err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetOutputDir returns the detector staging root.
func (c *ScanConfig) GetOutputDir() string { return stringOr(c.OutputDir, "./scans") }

// GetFileExt returns the detector file extension.
func (c *ScanConfig) GetFileExt() string { return stringOr(c.FileExt, "dat") }

// GetRun returns the first run number.
func (c *ScanConfig) GetRun() int {
	if c.Run == nil {
		return 1
	}
	return *c.Run
}

// GetPollInterval returns the completion and status poll interval.
func (c *ScanConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 250*time.Millisecond)
}

// GetFileMargin returns the fixed margin of the file completion bound.
func (c *ScanConfig) GetFileMargin() time.Duration {
	return durationOr(c.FileMargin, 10*time.Second)
}

// GetPerPointSlack returns the time added to each point's dwell in the file
// completion bound.
func (c *ScanConfig) GetPerPointSlack() time.Duration {
	return durationOr(c.PerPointSlack, 20*time.Millisecond)
}

// GetExecuteMargin returns the time allowed on top of a profile's duration
// before an Execute is abandoned.
func (c *ScanConfig) GetExecuteMargin() time.Duration {
	return durationOr(c.ExecuteMargin, 30*time.Second)
}

// GetRequestTimeout returns the bound on one link request.
func (c *ScanConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 2*time.Second)
}

// GetChunkSize returns the readback chunk size.
func (c *ScanConfig) GetChunkSize() int {
	if c.ChunkSize == nil {
		return 16
	}
	return *c.ChunkSize
}

// GetMaxPointsPerBuild returns the motion controller's per-build limit.
func (c *ScanConfig) GetMaxPointsPerBuild() int {
	if c.MaxPointsPerBuild == nil {
		return trajectory.DefaultMaxPointsPerBuild
	}
	return *c.MaxPointsPerBuild
}

// GetLinkRate returns the link request rate limit per second; 0 disables it.
func (c *ScanConfig) GetLinkRate() float64 {
	if c.LinkRate == nil {
		return 50
	}
	return *c.LinkRate
}

// GetLinkBurst returns the link rate limiter burst.
func (c *ScanConfig) GetLinkBurst() int {
	if c.LinkBurst == nil {
		return 1
	}
	return *c.LinkBurst
}

// GetMotionPort returns the motion controller's serial device.
func (c *ScanConfig) GetMotionPort() string { return stringOr(c.MotionPort, "/dev/ttyUSB0") }

// GetDetectorPort returns the detector controller's serial device.
func (c *ScanConfig) GetDetectorPort() string { return stringOr(c.DetectorPort, "/dev/ttyUSB1") }

// GetSerial returns normalised port options.
func (c *ScanConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	norm, err := opts.Normalise()
	if err != nil {
		norm, _ = serialmux.PortOptions{}.Normalise()
	}
	return norm
}

// GetAxes returns the axis configuration, defaulting to two enabled axes X
// and Y on coordinate system CS1.
func (c *ScanConfig) GetAxes() map[string]trajectory.AxisConfig {
	if len(c.Axes) > 0 {
		out := make(map[string]trajectory.AxisConfig, len(c.Axes))
		for k, v := range c.Axes {
			out[k] = v
		}
		return out
	}
	return map[string]trajectory.AxisConfig{
		"X": {Resolution: 0.001, CSPort: "CS1", Enabled: true},
		"Y": {Resolution: 0.001, CSPort: "CS1", Enabled: true},
	}
}
