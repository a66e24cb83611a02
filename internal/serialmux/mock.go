package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is queued or the port is closed, like a real
// device that is quiet between replies.
type TestableSerialPort struct {
	mu sync.Mutex

	// Respond, when set, is called for every complete command line written
	// to the port; the returned lines are queued for reading.
	Respond func(command string) []string

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	readBuf  bytes.Buffer
	written  bytes.Buffer
	partial  string
	closed   bool
	writes   int
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && t.readBuf.Len() == 0 {
		t.readCond.Wait()
	}
	if t.closed {
		return 0, ErrPortClosed
	}
	return t.readBuf.Read(p)
}

// Write records data and feeds complete lines to Respond.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writes++
	if t.closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	t.written.Write(p)
	t.partial += string(p)
	for {
		i := strings.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		line := t.partial[:i]
		t.partial = t.partial[i+1:]
		if t.Respond != nil {
			for _, reply := range t.Respond(line) {
				t.readBuf.WriteString(reply + "\n")
			}
		}
	}
	t.readCond.Broadcast()
	return len(p), nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data as if the device had sent it unprompted.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readBuf.Write(data)
	t.readCond.Broadcast()
}

// WrittenData returns all data written to the port.
func (t *TestableSerialPort) WrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

// Writes returns the number of Write calls.
func (t *TestableSerialPort) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}
