// Package trajectory drives a motion controller through a precomputed
// multi-axis profile: build, append, execute and abort.
//
// Two backends implement Controller with the same observable phase and outcome
// transitions: HardwareController talks to a real controller over a
// request/acknowledge link, SimController replays the dwell times on a clock
// for rehearsals without hardware.
package trajectory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Mode is the per-point velocity mode the controller uses to blend segments.
type Mode int

const (
	ModeNormal Mode = iota
	ModeStart
	ModeMiddle
	ModeEnd
	ModeZeroVelocity
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeStart:
		return "START"
	case ModeMiddle:
		return "MIDDLE"
	case ModeEnd:
		return "END"
	case ModeZeroVelocity:
		return "ZERO_VELOCITY"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Point is one target of a trajectory profile.
type Point struct {
	Positions map[string]float64
	Dwell     time.Duration
	Mode      Mode
}

// Profile is an ordered list of points executed as one continuous move.
type Profile []Point

// AxisConfig is the per-axis setup that must be in place before Build.
type AxisConfig struct {
	Offset     float64 `json:"offset"`
	Resolution float64 `json:"resolution"`
	CSPort     string  `json:"cs_port"`
	Enabled    bool    `json:"enabled"`
	// Min and Max are soft travel limits checked against every profile.
	// They apply only when Min < Max.
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`
}

// Limited reports whether soft travel limits are set.
func (a AxisConfig) Limited() bool { return a.Min < a.Max }

// Validate checks a single axis configuration.
func (a AxisConfig) Validate() error {
	if math.IsNaN(a.Offset) || math.IsInf(a.Offset, 0) {
		return fmt.Errorf("offset must be finite, got %v", a.Offset)
	}
	if a.Resolution == 0 || math.IsNaN(a.Resolution) || math.IsInf(a.Resolution, 0) {
		return fmt.Errorf("resolution must be finite and non-zero, got %v", a.Resolution)
	}
	if a.Enabled && a.CSPort == "" {
		return errors.New("enabled axis needs a coordinate-system port")
	}
	if math.IsNaN(a.Min) || math.IsNaN(a.Max) || a.Min > a.Max {
		return fmt.Errorf("soft limits [%v, %v] are not an interval", a.Min, a.Max)
	}
	return nil
}

// ValidateAxes checks every axis of a configuration map.
func ValidateAxes(axes map[string]AxisConfig) error {
	enabled := 0
	for _, id := range sortedKeys(axes) {
		if id == "" {
			return errors.New("axis id must not be empty")
		}
		if err := axes[id].Validate(); err != nil {
			return fmt.Errorf("axis %s: %w", id, err)
		}
		if axes[id].Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("no axis is enabled")
	}
	return nil
}

// EnabledAxes returns the ids of the enabled axes in sorted order.
func EnabledAxes(axes map[string]AxisConfig) []string {
	var ids []string
	for _, id := range sortedKeys(axes) {
		if axes[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the profile against an axis configuration: every point needs
// a positive dwell and a finite position for each enabled axis, and may not
// name axes that are not configured. The travel of a limited axis must stay
// within its soft limits.
func (p Profile) Validate(axes map[string]AxisConfig) error {
	if len(p) == 0 {
		return ErrEmptyProfile
	}
	enabled := EnabledAxes(axes)
	for i, pt := range p {
		if pt.Dwell <= 0 {
			return fmt.Errorf("point %d: dwell must be positive, got %v", i, pt.Dwell)
		}
		if pt.Mode < ModeNormal || pt.Mode > ModeZeroVelocity {
			return fmt.Errorf("point %d: unknown mode %d", i, pt.Mode)
		}
		for id := range pt.Positions {
			if _, ok := axes[id]; !ok {
				return fmt.Errorf("point %d: axis %s is not configured", i, id)
			}
		}
		for _, id := range enabled {
			v, ok := pt.Positions[id]
			if !ok {
				return fmt.Errorf("point %d: missing position for axis %s", i, id)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("point %d: axis %s position is not finite", i, id)
			}
		}
	}
	for _, id := range enabled {
		a := axes[id]
		if !a.Limited() {
			continue
		}
		if lo, hi := p.Extent(id); lo < a.Min || hi > a.Max {
			return fmt.Errorf("axis %s travel [%g, %g] leaves soft limits [%g, %g]", id, lo, hi, a.Min, a.Max)
		}
	}
	return nil
}

// Duration is the sum of dwell times.
func (p Profile) Duration() time.Duration {
	var d time.Duration
	for _, pt := range p {
		d += pt.Dwell
	}
	return d
}

// Axes returns the sorted ids of every axis named by any point.
func (p Profile) Axes() []string {
	seen := make(map[string]struct{})
	for _, pt := range p {
		for id := range pt.Positions {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Column returns the positions of one axis across the profile.
func (p Profile) Column(axis string) []float64 {
	col := make([]float64, len(p))
	for i, pt := range p {
		col[i] = pt.Positions[axis]
	}
	return col
}

// Extent returns the minimum and maximum position of axis over the profile.
func (p Profile) Extent(axis string) (lo, hi float64) {
	if len(p) == 0 {
		return 0, 0
	}
	col := p.Column(axis)
	return floats.Min(col), floats.Max(col)
}

// Split cuts the profile into a first chunk of at most max points followed by
// further chunks of at most max points each.
func (p Profile) Split(max int) []Profile {
	if max <= 0 || len(p) <= max {
		return []Profile{p}
	}
	var out []Profile
	for start := 0; start < len(p); start += max {
		end := start + max
		if end > len(p) {
			end = len(p)
		}
		out = append(out, p[start:end])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
