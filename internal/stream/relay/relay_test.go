package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/depthmesh/internal/stream"
)

func startHub(t *testing.T) (*Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(16)
	g := srv.NewGRPCServer()
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, srv.Stats().Clients)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv(t *testing.T, c *Client) stream.RowBatch {
	t.Helper()
	select {
	case b, ok := <-c.Deliveries():
		require.True(t, ok, "deliveries closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no batch relayed")
	}
	return stream.RowBatch{}
}

func TestRelay_FansOutToEveryParticipant(t *testing.T) {
	srv, dialer := startHub(t)

	a, err := Dial("passthrough:///bufnet", "a", dialer)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial("passthrough:///bufnet", "b", dialer)
	require.NoError(t, err)
	defer b.Close()
	waitClients(t, srv, 2)

	p := stream.Placement{1, 2, 3}
	sent := stream.RowBatch{
		Sender: "spoofed", Seq: 7, Width: 4, Height: 4, RowStart: 2, RowCount: 2,
		Samples: []uint16{1, 2, 3, 4, 5, 6, 7, 8}, Placement: &p,
	}
	require.NoError(t, a.Broadcast(context.Background(), sent))

	gotB := recv(t, b)
	assert.Equal(t, stream.ParticipantID("a"), gotB.Sender)
	assert.Equal(t, uint64(7), gotB.Seq)
	assert.Equal(t, sent.Samples, gotB.Samples)
	require.NotNil(t, gotB.Placement)
	assert.Equal(t, p, *gotB.Placement)

	gotA := recv(t, a)
	assert.Equal(t, stream.ParticipantID("a"), gotA.Sender, "sender receives its own batch")

	st := srv.Stats()
	assert.Equal(t, uint64(1), st.Relayed)
	assert.Equal(t, 2, st.Clients)
}

func TestRelay_DropsInvalidBatches(t *testing.T) {
	srv, dialer := startHub(t)
	a, err := Dial("passthrough:///bufnet", "a", dialer)
	require.NoError(t, err)
	defer a.Close()
	waitClients(t, srv, 1)

	bad := stream.RowBatch{Width: 4, Height: 4, RowCount: 2, Samples: []uint16{1}}
	require.NoError(t, a.Broadcast(context.Background(), bad))
	good := stream.RowBatch{Width: 2, Height: 2, RowCount: 1, Samples: []uint16{9, 9}}
	require.NoError(t, a.Broadcast(context.Background(), good))

	got := recv(t, a)
	assert.Equal(t, []uint16{9, 9}, got.Samples)
	assert.Equal(t, uint64(1), srv.Stats().Invalid)
}

func TestRelay_RequiresParticipantMetadata(t *testing.T) {
	_, dialer := startHub(t)
	conn, err := grpc.NewClient("passthrough:///bufnet", dialer,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(batchCodec{})))
	require.NoError(t, err)
	defer conn.Close()

	cs, err := conn.NewStream(context.Background(), &serviceDesc.Streams[0], exchangeMethod)
	require.NoError(t, err)
	var b stream.RowBatch
	err = cs.RecvMsg(&b)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRelay_DisconnectRemovesClient(t *testing.T) {
	srv, dialer := startHub(t)
	a, err := Dial("passthrough:///bufnet", "a", dialer)
	require.NoError(t, err)
	waitClients(t, srv, 1)

	require.NoError(t, a.Close())
	waitClients(t, srv, 0)
	assert.ErrorIs(t, a.Broadcast(context.Background(), stream.RowBatch{}), stream.ErrClosed)
	assert.NoError(t, a.Close())

	_, open := <-a.Deliveries()
	assert.False(t, open)
}

func TestClient_ReconnectsAfterHubRestart(t *testing.T) {
	oldMin, oldMax := reconnectMin, reconnectMax
	reconnectMin, reconnectMax = 10*time.Millisecond, 50*time.Millisecond
	defer func() { reconnectMin, reconnectMax = oldMin, oldMax }()

	var mu sync.Mutex
	lis := bufconn.Listen(1 << 20)
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		mu.Lock()
		l := lis
		mu.Unlock()
		return l.DialContext(ctx)
	})

	first := NewServer(16)
	g1 := first.NewGRPCServer()
	go g1.Serve(lis)

	a, err := Dial("passthrough:///bufnet", "a", dialer)
	require.NoError(t, err)
	defer a.Close()
	waitClients(t, first, 1)
	assert.True(t, a.Connected())

	// Bring up a replacement hub, then drop the first one.
	second := NewServer(16)
	g2 := second.NewGRPCServer()
	next := bufconn.Listen(1 << 20)
	go g2.Serve(next)
	t.Cleanup(g2.Stop)
	mu.Lock()
	lis = next
	mu.Unlock()
	g1.Stop()

	waitClients(t, second, 1)
	deadline := time.Now().Add(2 * time.Second)
	for !a.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not report reconnection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, uint64(1), a.Reconnects())

	batch := stream.RowBatch{Width: 2, Height: 2, RowCount: 1, Samples: []uint16{4, 4}}
	require.NoError(t, a.Broadcast(context.Background(), batch))
	got := recv(t, a)
	assert.Equal(t, stream.ParticipantID("a"), got.Sender)
	assert.Equal(t, []uint16{4, 4}, got.Samples)
}

func TestClient_BroadcastWhileDown(t *testing.T) {
	c := &Client{self: "a"}
	err := c.Broadcast(context.Background(), stream.RowBatch{})
	assert.ErrorIs(t, err, stream.ErrUnavailable)
}

func TestDial_RequiresIdentity(t *testing.T) {
	_, err := Dial("passthrough:///bufnet", "")
	assert.Error(t, err)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(0)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	assert.Error(t, srv.Start("127.0.0.1:0"))
	require.NotNil(t, srv.Addr())

	c, err := Dial(srv.Addr().String(), "x")
	require.NoError(t, err)
	waitClients(t, srv, 1)
	require.NoError(t, c.Broadcast(context.Background(), stream.RowBatch{Width: 2, Height: 2, RowCount: 1, Samples: []uint16{1, 1}}))
	assert.Equal(t, stream.ParticipantID("x"), recv(t, c).Sender)

	c.Close()
	srv.Stop()
	srv.Stop()
}

func TestBatchCodec_RejectsOtherTypes(t *testing.T) {
	var codec batchCodec
	_, err := codec.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(nil, new(int)))
	assert.Equal(t, "rowbatch", codec.Name())
}
