package udp

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// datagram is one queued write.
type datagram struct {
	data []byte
	to   *net.UDPAddr
}

// Forwarder writes datagrams from a bounded queue on its own goroutine so
// the tick loop never blocks on the network. Datagrams that do not fit in
// the queue are dropped and counted.
type Forwarder struct {
	conn        Conn
	queue       chan datagram
	logInterval time.Duration

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
}

// NewForwarder returns a forwarder writing through conn.
func NewForwarder(conn Conn, queueSize int, logInterval time.Duration) *Forwarder {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		queue:       make(chan datagram, queueSize),
		logInterval: logInterval,
		done:        make(chan struct{}),
	}
}

// Start runs the write loop until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		go f.run(ctx)
	})
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.logInterval)
	defer ticker.Stop()

	var failedInInterval uint64
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-f.queue:
			if _, err := f.conn.WriteToUDP(d.data, d.to); err != nil {
				f.failed.Add(1)
				failedInInterval++
				lastErr = err
				continue
			}
			f.sent.Add(1)
		case <-ticker.C:
			if failedInInterval > 0 {
				log.Printf("[UDP] %d datagrams failed to send (latest: %v)", failedInInterval, lastErr)
				failedInInterval = 0
				lastErr = nil
			}
		}
	}
}

// Wait blocks until the write loop has exited.
func (f *Forwarder) Wait() { <-f.done }

// ForwardAsync queues data for addr without blocking. data must not be
// modified afterwards.
func (f *Forwarder) ForwardAsync(data []byte, addr *net.UDPAddr) bool {
	select {
	case f.queue <- datagram{data: data, to: addr}:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// ForwarderStats counts datagrams by outcome.
type ForwarderStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns the current counters.
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Sent:    f.sent.Load(),
		Dropped: f.dropped.Load(),
		Failed:  f.failed.Load(),
	}
}
