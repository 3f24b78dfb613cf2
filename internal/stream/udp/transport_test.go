package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthmesh/internal/stream"
)

type recordingTap struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingTap) Tap(src, dst *net.UDPAddr, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, src.String()+">"+dst.String())
}

func (r *recordingTap) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func batch(rows int) stream.RowBatch {
	return stream.RowBatch{Width: 4, Height: 8, RowStart: 0, RowCount: rows, Samples: make([]uint16, 4*rows)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Listen: ":0"})
	assert.Error(t, err, "missing self")

	_, err = New(Config{Self: "a", Listen: ":0", Peers: []string{"not an address"}, Factory: &MockConnFactory{Conn: NewMockConn()}})
	assert.Error(t, err)

	_, err = New(Config{Self: "a", Listen: ":0", Factory: &MockConnFactory{Error: errors.New("busy")}})
	assert.ErrorContains(t, err, "busy")
}

func TestTransport_BroadcastWritesToEveryPeer(t *testing.T) {
	conn := NewMockConn()
	tap := &recordingTap{}
	tr, err := New(Config{
		Self:    "me",
		Listen:  "127.0.0.1:0",
		Peers:   []string{"127.0.0.1:9001", "127.0.0.1:9002"},
		Factory: &MockConnFactory{Conn: conn},
		Tap:     tap,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Close()

	b := batch(2)
	b.Sender = "spoofed"
	require.NoError(t, tr.Broadcast(ctx, b))

	waitFor(t, func() bool { return len(conn.Writes()) == 2 })
	writes := conn.Writes()
	assert.Equal(t, 9001, writes[0].Addr.Port)
	assert.Equal(t, 9002, writes[1].Addr.Port)

	got, err := stream.UnmarshalBatch(writes[0].Data)
	require.NoError(t, err)
	assert.Equal(t, stream.ParticipantID("me"), got.Sender)
	assert.Equal(t, 2, got.RowCount)
	assert.Equal(t, 2, tap.count())
	waitFor(t, func() bool { return tr.Stats().Forwarder.Sent == 2 })
}

func TestTransport_RejectsOversizeBatch(t *testing.T) {
	tr, err := New(Config{Self: "me", Listen: ":0", Factory: &MockConnFactory{Conn: NewMockConn()}})
	require.NoError(t, err)
	defer tr.Close()

	big := stream.RowBatch{Width: 512, Height: 424, RowCount: 424, Samples: make([]uint16, 512*424)}
	for i := range big.Samples {
		big.Samples[i] = 4000
	}
	assert.ErrorIs(t, tr.Broadcast(context.Background(), big), ErrTooLarge)
}

func TestTransport_ListenerDeliversAndCountsMalformed(t *testing.T) {
	peer := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: DefaultPort}
	good := batch(1)
	good.Sender = "other"
	conn := NewMockConn(
		MockPacket{Data: []byte{0xff}, Addr: peer},
		MockPacket{Data: stream.MarshalBatch(good), Addr: peer},
	)
	tap := &recordingTap{}
	tr, err := New(Config{Self: "me", Listen: ":0", Factory: &MockConnFactory{Conn: conn}, Tap: tap})
	require.NoError(t, err)
	tr.Start(context.Background())

	select {
	case b := <-tr.Deliveries():
		assert.Equal(t, stream.ParticipantID("other"), b.Sender)
		assert.NoError(t, b.Validate())
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	st := tr.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, 2, tap.count())

	require.NoError(t, tr.Close())
	_, open := <-tr.Deliveries()
	assert.False(t, open)
	assert.ErrorIs(t, tr.Broadcast(context.Background(), good), stream.ErrClosed)
}

func TestTransport_Loopback(t *testing.T) {
	tr, err := New(Config{Self: "me", Listen: ":0", Loopback: true, Factory: &MockConnFactory{Conn: NewMockConn()}})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Broadcast(context.Background(), batch(1)))
	b := <-tr.Deliveries()
	assert.Equal(t, stream.ParticipantID("me"), b.Sender)
}

func TestForwarder_DropsWhenFull(t *testing.T) {
	f := NewForwarder(NewMockConn(), 1, time.Second)
	to := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	assert.True(t, f.ForwardAsync([]byte{1}, to))
	assert.False(t, f.ForwardAsync([]byte{2}, to))
	assert.Equal(t, uint64(1), f.Stats().Dropped)
}

func TestForwarder_CountsWriteFailures(t *testing.T) {
	conn := NewMockConn()
	conn.WriteError = errors.New("unreachable")
	f := NewForwarder(conn, 4, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)

	f.ForwardAsync([]byte{1}, &net.UDPAddr{Port: 1})
	waitFor(t, func() bool { return f.Stats().Failed == 1 })
	cancel()
	f.Wait()
	assert.Equal(t, uint64(0), f.Stats().Sent)
}

func TestTransport_RealSockets(t *testing.T) {
	a, err := New(Config{Self: "a", Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer a.Close()

	b, err := New(Config{Self: "b", Listen: "127.0.0.1:0", Peers: []string{a.LocalAddr().String()}})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	sent := batch(2)
	sent.Samples[3] = 1234
	require.NoError(t, b.Broadcast(ctx, sent))

	select {
	case got := <-a.Deliveries():
		assert.Equal(t, stream.ParticipantID("b"), got.Sender)
		assert.Equal(t, uint16(1234), got.Samples[3])
	case <-time.After(3 * time.Second):
		t.Fatal("datagram not received")
	}
}
