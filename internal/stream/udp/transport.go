package udp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/depthmesh/internal/stream"
)

const (
	// DefaultPort is the row batch port.
	DefaultPort = 7420
	// MaxDatagram is the largest UDP payload over IPv4.
	MaxDatagram = 65507
)

// ErrTooLarge is returned for batches that do not fit in one datagram.
var ErrTooLarge = errors.New("batch exceeds datagram size")

// PacketTap observes every datagram sent or received, for capture.
type PacketTap interface {
	Tap(src, dst *net.UDPAddr, payload []byte)
}

// Config configures a Transport.
type Config struct {
	Self        stream.ParticipantID
	Listen      string   // local address, e.g. ":7420"
	Peers       []string // host:port of every other participant
	Loopback    bool     // also deliver own batches locally
	Factory     ConnFactory
	QueueSize   int
	RcvBuf      int
	LogInterval time.Duration
	Tap         PacketTap
}

// TransportStats counts traffic.
type TransportStats struct {
	Forwarder  ForwarderStats `json:"forwarder"`
	Received   uint64         `json:"received"`
	Malformed  uint64         `json:"malformed"`
	Overflowed uint64         `json:"overflowed"`
}

// Transport is a stream.Transport over UDP. The sender identity of an
// inbound batch is taken from its payload.
type Transport struct {
	cfg       Config
	conn      Conn
	local     *net.UDPAddr
	peers     []*net.UDPAddr
	forwarder *Forwarder
	out       chan stream.RowBatch

	outMu     sync.RWMutex
	outClosed bool

	received   atomic.Uint64
	malformed  atomic.Uint64
	overflowed atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

var _ stream.Transport = (*Transport)(nil)

// New resolves the peers and opens the listening socket.
func New(cfg Config) (*Transport, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("udp transport requires a participant id")
	}
	if cfg.Factory == nil {
		cfg.Factory = RealConnFactory{}
	}
	if cfg.Listen == "" {
		cfg.Listen = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	peers := make([]*net.UDPAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer %q: %w", p, err)
		}
		peers = append(peers, addr)
	}

	conn, err := cfg.Factory.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			log.Printf("[UDP] Warning: failed to set receive buffer to %d: %v", cfg.RcvBuf, err)
		}
	}
	local, _ := conn.LocalAddr().(*net.UDPAddr)

	return &Transport{
		cfg:       cfg,
		conn:      conn,
		local:     local,
		peers:     peers,
		forwarder: NewForwarder(conn, cfg.QueueSize, cfg.LogInterval),
		out:       make(chan stream.RowBatch, cfg.QueueSize),
	}, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.local }

// Start runs the forwarder and the listener until ctx is cancelled or
// Close is called.
func (t *Transport) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		t.forwarder.Start(ctx)
		t.wg.Add(1)
		go t.listen(ctx)
		log.Printf("[UDP] listening on %s, %d peers", t.cfg.Listen, len(t.peers))
	})
}

func (t *Transport) listen(ctx context.Context) {
	defer t.wg.Done()
	defer t.closeOut()

	buf := make([]byte, MaxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[UDP] read error: %v", err)
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		if t.cfg.Tap != nil {
			t.cfg.Tap.Tap(addr, t.local, payload)
		}
		t.received.Add(1)

		b, err := stream.UnmarshalBatch(payload)
		if err != nil {
			t.malformed.Add(1)
			log.Printf("[UDP] dropping datagram from %v: %v", addr, err)
			continue
		}
		t.deliver(b)
	}
}

func (t *Transport) deliver(b stream.RowBatch) {
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	if t.outClosed {
		return
	}
	select {
	case t.out <- b:
	default:
		t.overflowed.Add(1)
	}
}

func (t *Transport) closeOut() {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if !t.outClosed {
		t.outClosed = true
		close(t.out)
	}
}

func (t *Transport) isClosed() bool {
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	return t.outClosed
}

// Broadcast encodes b as this participant and queues one datagram per
// peer. It does not wait for the writes.
func (t *Transport) Broadcast(ctx context.Context, b stream.RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return stream.ErrClosed
	}
	b.Sender = t.cfg.Self
	data := stream.MarshalBatch(b)
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes for rows %d+%d", ErrTooLarge, len(data), b.RowStart, b.RowCount)
	}
	for _, p := range t.peers {
		if t.cfg.Tap != nil {
			t.cfg.Tap.Tap(t.local, p, data)
		}
		t.forwarder.ForwardAsync(data, p)
	}
	if t.cfg.Loopback {
		b.Samples = append([]uint16(nil), b.Samples...)
		t.deliver(b)
	}
	return nil
}

// Deliveries yields decoded inbound batches. It is closed once the
// listener stops.
func (t *Transport) Deliveries() <-chan stream.RowBatch { return t.out }

// Stats returns the traffic counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Forwarder:  t.forwarder.Stats(),
		Received:   t.received.Load(),
		Malformed:  t.malformed.Load(),
		Overflowed: t.overflowed.Load(),
	}
}

// Close stops the listener and closes the socket.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		err = t.conn.Close()
		t.wg.Wait()
		t.closeOut()
	})
	return err
}
