package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/depthmesh/internal/stream"
)

// Delay between attempts to reopen a lost Exchange stream. It doubles
// after each failed attempt.
var (
	reconnectMin = 250 * time.Millisecond
	reconnectMax = 10 * time.Second
)

// Client is a stream.Transport backed by an Exchange stream to a hub.
// When the stream ends it is reopened with backoff; Deliveries stays open
// until Close.
type Client struct {
	self   stream.ParticipantID
	target string
	conn   *grpc.ClientConn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan stream.RowBatch

	sendMu sync.Mutex
	cs     grpc.ClientStream // guarded by sendMu
	closed atomic.Bool
	up     atomic.Bool
	wg     sync.WaitGroup

	received   atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

var _ stream.Transport = (*Client)(nil)

// Dial connects to the hub at target as self and opens the Exchange
// stream. Extra options are appended after the defaults.
func Dial(target string, self stream.ParticipantID, opts ...grpc.DialOption) (*Client, error) {
	if self == "" {
		return nil, fmt.Errorf("relay client requires a participant id")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(batchCodec{}),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		self:   self,
		target: target,
		conn:   conn,
		ctx:    metadata.AppendToOutgoingContext(ctx, ParticipantMetadataKey, string(self)),
		cancel: cancel,
		out:    make(chan stream.RowBatch, 256),
	}
	cs, err := c.openStream()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open exchange stream: %w", err)
	}
	c.cs = cs
	c.up.Store(true)

	c.wg.Add(1)
	go c.run(cs)
	log.Printf("[Relay] connected to %s as %s", target, self)
	return c, nil
}

func (c *Client) openStream() (grpc.ClientStream, error) {
	return c.conn.NewStream(c.ctx, &serviceDesc.Streams[0], exchangeMethod)
}

// run receives on cs until it ends, then reopens the stream until Close.
func (c *Client) run(cs grpc.ClientStream) {
	defer c.wg.Done()
	defer close(c.out)

	for {
		c.receive(cs)
		c.up.Store(false)
		if c.closed.Load() {
			return
		}
		log.Printf("[Relay] stream to %s lost, reconnecting", c.target)

		delay := reconnectMin
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := c.openStream()
			if err == nil {
				cs = next
				break
			}
			delay = min(2*delay, reconnectMax)
			log.Printf("[Relay] reconnect to %s failed, retrying in %v: %v", c.target, delay, err)
		}

		c.sendMu.Lock()
		c.cs = cs
		c.sendMu.Unlock()
		c.up.Store(true)
		c.reconnects.Add(1)
		log.Printf("[Relay] reconnected to %s as %s", c.target, c.self)
	}
}

func (c *Client) receive(cs grpc.ClientStream) {
	for {
		var b stream.RowBatch
		if err := cs.RecvMsg(&b); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled && !c.closed.Load() {
				log.Printf("[Relay] receive error: %v", err)
			}
			return
		}
		c.received.Add(1)
		select {
		case c.out <- b:
		default:
			c.dropped.Add(1)
		}
	}
}

// Broadcast sends b to the hub. The hub stamps the sender. While the
// stream is being reopened it returns stream.ErrUnavailable.
func (c *Client) Broadcast(ctx context.Context, b stream.RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return stream.ErrClosed
	}
	if !c.up.Load() {
		return stream.ErrUnavailable
	}
	b.Sender = c.self
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.cs.SendMsg(&b); err != nil {
		if errors.Is(err, io.EOF) {
			// The stream is gone; run reopens it.
			return fmt.Errorf("relay send: %w", stream.ErrUnavailable)
		}
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// Deliveries yields batches relayed by the hub, including this client's
// own. It is closed by Close.
func (c *Client) Deliveries() <-chan stream.RowBatch { return c.out }

// Connected reports whether the Exchange stream is currently open.
func (c *Client) Connected() bool { return c.up.Load() }

// Received returns the number of batches received and the number
// dropped because Deliveries was full.
func (c *Client) Received() (received, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}

// Reconnects returns how many times the stream has been reopened.
func (c *Client) Reconnects() uint64 { return c.reconnects.Load() }

// Close ends the stream and the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.sendMu.Lock()
	c.cs.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	c.wg.Wait()
	return c.conn.Close()
}
