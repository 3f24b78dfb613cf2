package relay

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/depthmesh/internal/stream"
)

// Server is the relay hub.
type Server struct {
	queueSize int

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	relayed atomic.Uint64
	dropped atomic.Uint64
	invalid atomic.Uint64

	grpcServer *grpc.Server
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup
}

type client struct {
	id stream.ParticipantID
	ch chan *stream.RowBatch
}

// ServerStats reports hub activity.
type ServerStats struct {
	Clients int    `json:"clients"`
	Relayed uint64 `json:"relayed"`
	Dropped uint64 `json:"dropped"`
	Invalid uint64 `json:"invalid"`
}

// NewServer returns a hub whose per-client outbound queue holds
// queueSize batches.
func NewServer(queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Server{
		queueSize: queueSize,
		clients:   make(map[*client]struct{}),
	}
}

// NewGRPCServer returns a grpc.Server with the relay service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(batchCodec{}),
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&serviceDesc, s)
	return g
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if s.running.Load() {
		return fmt.Errorf("relay already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.grpcServer = s.NewGRPCServer()
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[Relay] gRPC hub listening on %s", lis.Addr())
		if err := s.grpcServer.Serve(lis); err != nil && s.running.Load() {
			log.Printf("[Relay] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop ends every stream and waits for the server to exit.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.grpcServer.Stop()
	s.wg.Wait()
	log.Printf("[Relay] gRPC hub stopped")
}

// Stats returns the hub counters.
func (s *Server) Stats() ServerStats {
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()
	return ServerStats{
		Clients: n,
		Relayed: s.relayed.Load(),
		Dropped: s.dropped.Load(),
		Invalid: s.invalid.Load(),
	}
}

// Exchange relays every batch received on ss to all clients, stamped with
// the caller's participant id.
func (s *Server) Exchange(ss grpc.ServerStream) error {
	ctx := ss.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(ParticipantMetadataKey)
	if len(ids) == 0 || ids[0] == "" {
		return status.Errorf(codes.InvalidArgument, "missing %s metadata", ParticipantMetadataKey)
	}
	id, err := stream.ParseParticipantID(ids[0])
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	c := s.addClient(id)
	defer s.removeClient(c)

	sendErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case b := <-c.ch:
				if err := ss.SendMsg(b); err != nil {
					sendErr <- err
					return
				}
			}
		}
	}()

	for {
		var b stream.RowBatch
		if err := ss.RecvMsg(&b); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
				return nil
			}
			select {
			case err := <-sendErr:
				return err
			default:
			}
			return err
		}
		if err := b.Validate(); err != nil {
			s.invalid.Add(1)
			log.Printf("[Relay] dropping batch from %s: %v", id, err)
			continue
		}
		b.Sender = id
		s.fanOut(&b)
	}
}

func (s *Server) fanOut(b *stream.RowBatch) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.relayed.Add(1)
	for c := range s.clients {
		select {
		case c.ch <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) addClient(id stream.ParticipantID) *client {
	c := &client{id: id, ch: make(chan *stream.RowBatch, s.queueSize)}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[Relay] participant connected: %s (total: %d)", id, n)
	return c
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[Relay] participant disconnected: %s (remaining: %d)", c.id, n)
}
