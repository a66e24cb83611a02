package detector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/flyscan/internal/stream"
)

// Loader turns a completed detector file into a record source. The source
// owns f and closes it once exhausted or failed.
type Loader[T any] interface {
	Load(f fs.File) (stream.Source[T], error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[T any] func(f fs.File) (stream.Source[T], error)

func (fn LoaderFunc[T]) Load(f fs.File) (stream.Source[T], error) { return fn(f) }

// LinesLoader reads newline-delimited records, one per trigger. Blank lines
// and lines starting with '#' are skipped.
type LinesLoader[T any] struct {
	Parse func(line string) (T, error)
}

func (l LinesLoader[T]) Load(f fs.File) (stream.Source[T], error) {
	if l.Parse == nil {
		return nil, fmt.Errorf("lines loader has no parser")
	}
	return &lineSource[T]{f: f, sc: bufio.NewScanner(f), parse: l.Parse}, nil
}

type lineSource[T any] struct {
	mu     sync.Mutex
	f      fs.File
	sc     *bufio.Scanner
	parse  func(string) (T, error)
	line   int
	closed bool
}

func (s *lineSource[T]) Read(ctx context.Context, max int) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	var out []T
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !s.sc.Scan() {
			err := s.sc.Err()
			s.close()
			if err != nil {
				return out, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return out, io.EOF
		}
		s.line++
		text := strings.TrimSpace(s.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := s.parse(text)
		if err != nil {
			s.close()
			return out, fmt.Errorf("line %d: %w", s.line, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Close releases the file; later reads report io.EOF.
func (s *lineSource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
	return nil
}

func (s *lineSource[T]) close() {
	if !s.closed {
		s.closed = true
		_ = s.f.Close()
	}
}

// ParseFields parses a whitespace- or comma-separated list of numbers.
func ParseFields(line string) ([]float64, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatFields is the inverse of ParseFields.
func FormatFields(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
