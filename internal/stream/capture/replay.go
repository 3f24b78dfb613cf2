package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/stream"
)

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets   int // frames read
	Batches   int // batches handed to the handler
	Skipped   int // non-UDP or other-port frames
	Malformed int // UDP payloads that did not decode
	Rejected  int // batches the handler returned an error for
}

// Replay decodes every UDP payload on port (0 for any port) from the pcap
// stream r and passes the batches to handle in capture order. Handler
// errors are counted and do not stop the replay.
func Replay(ctx context.Context, r io.Reader, port int, handle func(stream.RowBatch) error) (ReplayStats, error) {
	var st ReplayStats
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("open pcap stream: %w", err)
	}

	start := time.Now()
	source := gopacket.NewPacketSource(pr, pr.LinkType())
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			log.Printf("[Capture] replay complete: %d packets, %d batches in %v", st.Packets, st.Batches, time.Since(start))
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			st.Skipped++
			continue
		}
		if port != 0 && int(udpLayer.DstPort) != port && int(udpLayer.SrcPort) != port {
			st.Skipped++
			continue
		}

		b, err := stream.UnmarshalBatch(udpLayer.Payload)
		if err != nil {
			st.Malformed++
			continue
		}
		st.Batches++
		if err := handle(b); err != nil {
			st.Rejected++
		}
	}
}

// ReplayFile opens path on fsys and replays it.
func ReplayFile(ctx context.Context, fsys fsutil.FileSystem, path string, port int, handle func(stream.RowBatch) error) (ReplayStats, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()
	return Replay(ctx, f, port, handle)
}
