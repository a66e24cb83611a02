package hwlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/flyscan/internal/faults"
)

// PutRecord is one acknowledged write seen by a MemoryLink.
type PutRecord struct {
	Name  string
	Value string
}

// MemoryLink is an in-process Link backed by a parameter map. Hooks registered
// with OnPut play the device side, which makes it suitable for tests and for
// exercising the hardware backends without a controller attached.
type MemoryLink struct {
	mu      sync.Mutex
	values  map[string]string
	hooks   map[string]func(value string) error
	puts    []PutRecord
	failAll error
	failOn  map[string]error
}

var _ Link = (*MemoryLink)(nil)

// NewMemoryLink returns a link with the given initial parameter values.
func NewMemoryLink(initial map[string]string) *MemoryLink {
	m := &MemoryLink{
		values: make(map[string]string),
		hooks:  make(map[string]func(string) error),
		failOn: make(map[string]error),
	}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

// OnPut registers a device-side handler run after a write to name is stored.
// The handler runs without the link's lock held, so it may call Set.
func (m *MemoryLink) OnPut(name string, fn func(value string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[name] = fn
}

// Set updates a parameter from the device side.
func (m *MemoryLink) Set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

// Value returns the current value of name.
func (m *MemoryLink) Value(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name]
}

// FailOn makes every request touching name fail with err until cleared with
// a nil err.
func (m *MemoryLink) FailOn(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, name)
		return
	}
	m.failOn[name] = err
}

// FailAll makes every request fail with err until cleared with a nil err.
func (m *MemoryLink) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Puts returns the acknowledged writes in order.
func (m *MemoryLink) Puts() []PutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PutRecord(nil), m.puts...)
}

// PutsTo returns the values written to name in order.
func (m *MemoryLink) PutsTo(name string) []string {
	var out []string
	for _, p := range m.Puts() {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}

func (m *MemoryLink) check(op, name string) error {
	if m.failAll != nil {
		return faults.Communication(op, m.failAll)
	}
	if err, ok := m.failOn[name]; ok {
		return faults.Communication(op, err)
	}
	return nil
}

func (m *MemoryLink) Put(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return faults.Communication("put "+name, err)
	}
	m.mu.Lock()
	if err := m.check("put "+name, name); err != nil {
		m.mu.Unlock()
		return err
	}
	m.values[name] = value
	m.puts = append(m.puts, PutRecord{Name: name, Value: value})
	hook := m.hooks[name]
	m.mu.Unlock()

	if hook != nil {
		if err := hook(value); err != nil {
			return faults.Communication("put "+name, err)
		}
	}
	return nil
}

func (m *MemoryLink) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", faults.Communication("get "+name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get "+name, name); err != nil {
		return "", err
	}
	v, ok := m.values[name]
	if !ok {
		return "", faults.Communication("get "+name, fmt.Errorf("unknown parameter %s", name))
	}
	return v, nil
}
