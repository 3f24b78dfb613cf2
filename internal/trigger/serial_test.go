package trigger

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
	"go.bug.st/serial"
)

type pipePort struct {
	*io.PipeReader
	w *io.PipeWriter
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{PipeReader: r, w: w}
}

func (p *pipePort) Close() error {
	p.w.Close()
	return p.PipeReader.Close()
}

func TestPortOptions_Normalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 115200, Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 19200, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 19200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestParseLevel(t *testing.T) {
	for _, in := range []string{"1", " pressed\r", "ON"} {
		v, err := ParseLevel(in)
		require.NoError(t, err)
		assert.True(t, v, in)
	}
	v, err := ParseLevel("0")
	require.NoError(t, err)
	assert.False(t, v)
	_, err = ParseLevel("maybe")
	assert.Error(t, err)
}

func TestSerialButton_FiresOnRisingEdge(t *testing.T) {
	bus := NewBus()
	port := newPipePort()
	btn := NewSerialButton(port, bus)

	done := make(chan error, 1)
	go func() { done <- btn.Monitor(context.Background()) }()

	_, err := io.WriteString(port.w, "0\n1\n1\nnoise\n\n0\n")
	require.NoError(t, err)

	select {
	case ev := <-bus.Events():
		assert.Equal(t, "serial", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger event")
	}

	port.w.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop at EOF")
	}

	lines, bad := btn.Counts()
	assert.Equal(t, uint64(5), lines)
	assert.Equal(t, uint64(1), bad)
	assert.False(t, btn.Pressed())
	fired, _ := bus.Counts()
	assert.Equal(t, uint64(1), fired)
}

func TestSerialButton_MonitorCancel(t *testing.T) {
	port := newPipePort()
	btn := NewSerialButton(port, NewBus())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- btn.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("monitor ignored cancellation")
	}
	require.NoError(t, btn.Close())
}

func TestSerialButton_AdminRoutes(t *testing.T) {
	bus := NewBus()
	btn := NewSerialButton(newPipePort(), bus)
	mux := http.NewServeMux()
	btn.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/button", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pressed=false")

	form := url.Values{"base": {"hallway"}}
	req = httptest.NewRequest(http.MethodPost, "/debug/button", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	ev := <-bus.Events()
	assert.Equal(t, "debug", ev.Source)
	assert.Equal(t, "hallway", ev.Base)
}
