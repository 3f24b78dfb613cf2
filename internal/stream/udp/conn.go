// Package udp carries row batches as one datagram each between a fixed set
// of peers.
package udp

import (
	"net"
	"sync"
	"time"
)

// Conn is the subset of *net.UDPConn the transport uses, so tests can run
// without sockets.
type Conn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ConnFactory opens listening sockets.
type ConnFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (Conn, error)
}

// RealConnFactory opens sockets with net.ListenUDP.
type RealConnFactory struct{}

func (RealConnFactory) ListenUDP(network string, laddr *net.UDPAddr) (Conn, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockPacket is a datagram queued on or written to a MockConn.
type MockPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockConn serves queued packets and records writes.
type MockConn struct {
	mu sync.Mutex

	// Inbound holds packets returned by ReadFromUDP in order.
	Inbound []MockPacket
	// Written records every WriteToUDP call.
	Written []MockPacket
	// WriteError is returned by WriteToUDP if set.
	WriteError error
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr

	readIndex      int
	closed         bool
	readBufferSize int
}

// NewMockConn returns a MockConn that serves packets.
func NewMockConn(packets ...MockPacket) *MockConn {
	return &MockConn{
		Inbound:      packets,
		LocalAddress: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: DefaultPort},
	}
}

// Queue appends an inbound packet.
func (m *MockConn) Queue(p MockPacket) {
	m.mu.Lock()
	m.Inbound = append(m.Inbound, p)
	m.mu.Unlock()
}

// ReadFromUDP returns the next queued packet, or a timeout when the queue
// is drained.
func (m *MockConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.readIndex >= len(m.Inbound) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	p := m.Inbound[m.readIndex]
	m.readIndex++
	return copy(b, p.Data), p.Addr, nil
}

// WriteToUDP records the datagram.
func (m *MockConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Written = append(m.Written, MockPacket{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// Writes returns a copy of the recorded datagrams.
func (m *MockConn) Writes() []MockPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPacket(nil), m.Written...)
}

func (m *MockConn) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBufferSize = bytes
	m.mu.Unlock()
	return nil
}

func (m *MockConn) SetReadDeadline(time.Time) error { return nil }

func (m *MockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockConn) LocalAddr() net.Addr { return m.LocalAddress }

// MockConnFactory hands out a fixed MockConn.
type MockConnFactory struct {
	Conn  *MockConn
	Error error
	Calls []*net.UDPAddr
}

func (f *MockConnFactory) ListenUDP(_ string, laddr *net.UDPAddr) (Conn, error) {
	f.Calls = append(f.Calls, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Conn, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
