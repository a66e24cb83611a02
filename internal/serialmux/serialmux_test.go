package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDevice replies "OK <command>" to every command, preceded by an
// unsolicited status line so tests exercise reply matching.
func echoDevice(command string) []string {
	if strings.HasPrefix(command, "FAIL") {
		return []string{"ERR rejected"}
	}
	if strings.HasPrefix(command, "QUIET") {
		return nil
	}
	return []string{"status heartbeat", "OK " + command}
}

func startMux(t *testing.T) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	port.Respond = echoDevice
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
	return mux, port
}

func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Len(t, mux.subscribers, 2)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")
	assert.Len(t, mux.subscribers, 1)

	mux.Unsubscribe("missing")
	assert.Len(t, mux.subscribers, 1)
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("GET ExecuteState"))
	require.NoError(t, mux.SendCommand("PUT ProfileAbort 1\n"))
	assert.Equal(t, "GET ExecuteState\nPUT ProfileAbort 1\n", port.WrittenData())

	port.WriteError = errors.New("unplugged")
	assert.EqualError(t, mux.SendCommand("GET A"), "unplugged")
}

func TestSerialMux_RequestMatchesReply(t *testing.T) {
	mux, _ := startMux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := mux.Request(ctx, "GET BuildState")
	require.NoError(t, err)
	assert.Equal(t, "OK GET BuildState", reply)

	reply, err = mux.Request(ctx, "FAIL now")
	require.NoError(t, err)
	assert.Equal(t, "ERR rejected", reply)
}

func TestSerialMux_RequestTimesOut(t *testing.T) {
	mux, _ := startMux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mux.Request(ctx, "QUIET")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	mux, port := startMux(t)
	_, ch := mux.Subscribe()

	port.AddReadData([]byte("line one\r\nline two\n"))
	for _, want := range []string{"line one", "line two"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSerialMux_MonitorStopsOnPortError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	port.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after port close")
	}
}

func TestIsReply(t *testing.T) {
	assert.True(t, IsReply("OK"))
	assert.True(t, IsReply("OK 12.5"))
	assert.True(t, IsReply("ERR bad value"))
	assert.False(t, IsReply("OKAY"))
	assert.False(t, IsReply("status heartbeat"))
}

func TestAttachAdminRoutes_Request(t *testing.T) {
	mux, _ := startMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	cases := []struct {
		name   string
		method string
		form   url.Values
		status int
		body   string
	}{
		{"valid", http.MethodPost, url.Values{"command": {"GET ExecutePercent"}}, http.StatusOK, "OK GET ExecutePercent"},
		{"missing command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := localHostRequest(tc.method, "/debug/request", strings.NewReader(tc.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}
