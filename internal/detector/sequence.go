package detector

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
)

// Slot identifies one acquisition episode within a run.
type Slot struct {
	Run int
	Row int
}

func (s Slot) String() string { return fmt.Sprintf("run %d row %d", s.Run, s.Row) }

// Sequence hands out episode slots. Each Next is unique for the lifetime of
// the sequence.
type Sequence interface {
	Next() Slot
}

// Counter is an in-memory Sequence: rows count up within a run.
type Counter struct {
	mu  sync.Mutex
	run int
	row int
}

// NewCounter starts at row 0 of run.
func NewCounter(run int) *Counter {
	return &Counter{run: run}
}

// Next returns the current slot and advances the row.
func (c *Counter) Next() Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Slot{Run: c.run, Row: c.row}
	c.row++
	return s
}

// NextRun starts a new run at row 0 and returns its number.
func (c *Counter) NextRun() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run++
	c.row = 0
	return c.run
}

// EpisodePath is where the detector writes the file for slot:
// <dir>/<run>/<row>.<ext>.
func EpisodePath(dir string, s Slot, ext string) string {
	return filepath.Join(dir, strconv.Itoa(s.Run), strconv.Itoa(s.Row)+"."+ext)
}
