// Package fsutil abstracts the file system detector data files land on, so
// acquisition code can run against an in-memory tree in tests.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSystem is the subset of file operations acquisition needs.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (fs.File, error)

	// Create creates or truncates the named file.
	Create(name string) (io.WriteCloser, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm os.FileMode) error

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes the named file or empty directory.
	Remove(name string) error

	// Exists checks if a file or directory exists.
	Exists(name string) bool
}

// Watcher is implemented by file systems that can signal changes inside a
// directory. The returned channel receives a value (coalesced) after files in
// dir are created, written or removed; stop releases the watch.
type Watcher interface {
	Watch(dir string) (wake <-chan struct{}, stop func(), err error)
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

var (
	_ FileSystem = OSFileSystem{}
	_ Watcher    = OSFileSystem{}
)

func (OSFileSystem) Open(name string) (fs.File, error) { return os.Open(name) }

func (OSFileSystem) Create(name string) (io.WriteCloser, error) { return os.Create(name) }

func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OSFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFileSystem) Remove(name string) error { return os.Remove(name) }

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Watch uses fsnotify; see WatchDir.
func (OSFileSystem) Watch(dir string) (<-chan struct{}, func(), error) {
	return WatchDir(dir)
}

// MemoryFileSystem is an in-memory FileSystem. Files written through Create
// become visible empty at once and receive their contents on Close, the way a
// detector's writer fills a file it has already opened.
type MemoryFileSystem struct {
	mu       sync.RWMutex
	files    map[string]*memFile
	dirs     map[string]bool
	watchers map[string][]chan struct{}
}

var (
	_ FileSystem = (*MemoryFileSystem)(nil)
	_ Watcher    = (*MemoryFileSystem)(nil)
)

type memFile struct {
	data    []byte
	mode    os.FileMode
	modTime time.Time
}

// NewMemoryFileSystem creates a new in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files:    make(map[string]*memFile),
		dirs:     make(map[string]bool),
		watchers: make(map[string][]chan struct{}),
	}
}

func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memFileReader{name: name, data: f.data, modTime: f.modTime}, nil
}

func (m *MemoryFileSystem) Create(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)
	if err := m.checkParent("create", name); err != nil {
		return nil, err
	}
	m.put(name, nil, 0644)
	return &memFileWriter{fs: m, name: name}, nil
}

func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	name = filepath.Clean(name)
	if err := m.checkParent("write", name); err != nil {
		return err
	}
	m.put(name, append([]byte(nil), data...), perm)
	return nil
}

func (m *MemoryFileSystem) checkParent(op, name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir := filepath.Dir(name)
	if dir != "." && dir != "/" && !m.dirs[dir] {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return nil
}

func (m *MemoryFileSystem) put(name string, data []byte, perm os.FileMode) {
	m.mu.Lock()
	m.files[name] = &memFile{data: data, mode: perm, modTime: time.Now()}
	m.mu.Unlock()
	m.notify(filepath.Dir(name))
}

func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if m.dirs[name] {
		return &memFileInfo{name: filepath.Base(name), isDir: true, mode: fs.ModeDir | 0755}, nil
	}
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &memFileInfo{name: filepath.Base(name), size: int64(len(f.data)), mode: f.mode, modTime: f.modTime}, nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	for p := path; p != "." && p != "/"; p = filepath.Dir(p) {
		if _, ok := m.files[p]; ok {
			return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
		}
		m.dirs[p] = true
	}
	return nil
}

func (m *MemoryFileSystem) Remove(name string) error {
	name = filepath.Clean(name)

	m.mu.Lock()
	if _, ok := m.files[name]; ok {
		delete(m.files, name)
		m.mu.Unlock()
		m.notify(filepath.Dir(name))
		return nil
	}
	defer m.mu.Unlock()
	if m.dirs[name] {
		prefix := name + string(filepath.Separator)
		for f := range m.files {
			if len(f) > len(prefix) && f[:len(prefix)] == prefix {
				return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrExist}
			}
		}
		delete(m.dirs, name)
		return nil
	}
	return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
}

func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return true
	}
	return m.dirs[name]
}

// Watch signals changes to files directly inside dir.
func (m *MemoryFileSystem) Watch(dir string) (<-chan struct{}, func(), error) {
	dir = filepath.Clean(dir)
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dir] {
		return nil, nil, &fs.PathError{Op: "watch", Path: dir, Err: fs.ErrNotExist}
	}
	m.watchers[dir] = append(m.watchers[dir], ch)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			list := m.watchers[dir]
			for i, c := range list {
				if c == ch {
					m.watchers[dir] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}
	return ch, stop, nil
}

func (m *MemoryFileSystem) notify(dir string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers[dir] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// memFileReader implements fs.File for reading.
type memFileReader struct {
	name    string
	data    []byte
	offset  int
	modTime time.Time
}

func (f *memFileReader) Read(p []byte) (int, error) {
	if f.offset >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.offset:])
	f.offset += n
	return n, nil
}

func (f *memFileReader) Close() error { return nil }

func (f *memFileReader) Stat() (fs.FileInfo, error) {
	return &memFileInfo{name: filepath.Base(f.name), size: int64(len(f.data)), modTime: f.modTime}, nil
}

// memFileWriter buffers writes and commits them on Close.
type memFileWriter struct {
	fs     *MemoryFileSystem
	name   string
	buf    []byte
	closed bool
}

func (f *memFileWriter) Write(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *memFileWriter) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	f.fs.put(f.name, f.buf, 0644)
	return nil
}

// memFileInfo implements fs.FileInfo.
type memFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return i.size }
func (i *memFileInfo) Mode() os.FileMode  { return i.mode }
func (i *memFileInfo) ModTime() time.Time { return i.modTime }
func (i *memFileInfo) IsDir() bool        { return i.isDir }
func (i *memFileInfo) Sys() any           { return nil }
