// Package capture records row batch traffic as pcap files and replays
// them, so a session can be inspected with standard packet tools or fed
// back into a receiver.
package capture

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/stream"
	"github.com/banshee-data/depthmesh/internal/stream/udp"
	"github.com/banshee-data/depthmesh/internal/timeutil"
)

// snapLen holds a full-size datagram plus Ethernet, IPv6 and UDP headers.
const snapLen = 262144

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	remoteMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	loopback  = net.IPv4(127, 0, 0, 1)
)

// Recorder writes each observed datagram as an Ethernet/IP/UDP frame.
// It satisfies the udp transport's PacketTap.
type Recorder struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	clock   timeutil.Clock
	packets uint64
	errs    uint64
}

var _ udp.PacketTap = (*Recorder)(nil)

// NewRecorder writes a pcap header to w. If w is also an io.Closer it is
// closed by Close.
func NewRecorder(w io.Writer, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{w: pw, clock: clock}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// Create opens path on fsys and returns a Recorder writing to it.
func Create(fsys fsutil.FileSystem, path string, clock timeutil.Clock) (*Recorder, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	r, err := NewRecorder(f, clock)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Tap records one datagram. Errors are counted, not returned.
func (r *Recorder) Tap(src, dst *net.UDPAddr, payload []byte) {
	if err := r.write(src, dst, payload); err != nil {
		r.mu.Lock()
		r.errs++
		r.mu.Unlock()
	}
}

// RecordBatch records b as if it travelled from src to dst. It is used
// for transports that do not see datagrams, such as the relay.
// Batches larger than one datagram, such as whole frames sent over the
// relay, are recorded as several row slabs.
func (r *Recorder) RecordBatch(src, dst *net.UDPAddr, b stream.RowBatch) error {
	payloads, err := datagrams(b)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := r.write(src, dst, p); err != nil {
			return err
		}
	}
	return nil
}

// datagrams encodes b, halving its rows until every slab fits in one
// datagram. Slabs that start below the frame are dropped.
func datagrams(b stream.RowBatch) ([][]byte, error) {
	payload := stream.MarshalBatch(b)
	if len(payload) <= udp.MaxDatagram {
		return [][]byte{payload}, nil
	}
	if b.RowCount <= 1 || b.Width <= 0 {
		return nil, fmt.Errorf("%w: %d bytes for one row", udp.ErrTooLarge, len(payload))
	}
	half := b.RowCount / 2
	top, bottom := b, b
	top.RowCount = half
	top.Samples = b.Samples[:half*b.Width]
	bottom.RowStart += half
	bottom.RowCount -= half
	bottom.Samples = b.Samples[half*b.Width:]

	out, err := datagrams(top)
	if err != nil {
		return nil, err
	}
	if bottom.RowStart >= b.Height {
		return out, nil
	}
	rest, err := datagrams(bottom)
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func (r *Recorder) write(src, dst *net.UDPAddr, payload []byte) error {
	if len(payload) > udp.MaxDatagram {
		return fmt.Errorf("%w: %d bytes", udp.ErrTooLarge, len(payload))
	}
	frame, err := encodeFrame(src, dst, payload)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     r.clock.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("recorder closed")
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.packets++
	return nil
}

// Counts returns the number of packets written and failed.
func (r *Recorder) Counts() (packets, errors uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets, r.errs
}

// Close stops recording and closes the underlying writer if it owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w = nil
	if r.closer != nil {
		c := r.closer
		r.closer = nil
		return c.Close()
	}
	return nil
}

func addrOrLoopback(a *net.UDPAddr) (net.IP, int) {
	if a == nil {
		return loopback, udp.DefaultPort
	}
	ip := a.IP
	if ip == nil || ip.IsUnspecified() {
		ip = loopback
	}
	return ip, a.Port
}

// encodeFrame wraps payload in Ethernet, IPv4 or IPv6, and UDP headers.
func encodeFrame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP, srcPort := addrOrLoopback(src)
	dstIP, dstPort := addrOrLoopback(dst)

	udpLayer := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	eth := &layers.Ethernet{SrcMAC: localMAC, DstMAC: remoteMAC}

	var network gopacket.SerializableLayer
	if srcIP.To4() != nil && dstIP.To4() != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP.To4(),
			DstIP:    dstIP.To4(),
		}
		udpLayer.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		udpLayer.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, udpLayer, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
