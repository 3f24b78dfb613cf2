package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// Policy selects how a Sender slices the frame.
type Policy string

const (
	// PolicyRows sends RowBudget rows per interval and sweeps the frame
	// round-robin.
	PolicyRows Policy = "rows"
	// PolicyFrame sends the whole frame in one batch per interval.
	PolicyFrame Policy = "frame"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Geometry  mesh.FrameGeometry
	RowBudget int           // full-resolution rows per batch (PolicyRows)
	Interval  time.Duration // minimum time between sends; 0 sends every tick
	Policy    Policy
	Placement *Placement // attached to every batch
}

// Validate checks the configuration against the geometry.
func (c SenderConfig) Validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return err
	}
	if c.Interval < 0 {
		return fmt.Errorf("send interval must not be negative, got %s", c.Interval)
	}
	switch c.Policy {
	case PolicyRows:
		if c.RowBudget < 1 {
			return fmt.Errorf("row budget must be >= 1, got %d", c.RowBudget)
		}
		if c.RowBudget%c.Geometry.Downsample != 0 {
			return fmt.Errorf("row budget %d must be a multiple of downsample %d", c.RowBudget, c.Geometry.Downsample)
		}
	case PolicyFrame:
	default:
		return fmt.Errorf("unknown send policy %q", c.Policy)
	}
	return nil
}

// SenderStats counts sends.
type SenderStats struct {
	Batches  uint64
	Samples  uint64
	Errors   uint64
	Sweeps   uint64 // completed passes over the frame
	LastSend time.Time
}

// Sender streams the local depth frame to every participant. It is driven
// by Tick from the session loop.
type Sender struct {
	cfg       SenderConfig
	id        ParticipantID
	transport Transport

	mu         sync.Mutex
	currentRow int
	seq        uint64
	lastSend   time.Time
	sent       bool
	stats      SenderStats
}

// NewSender returns a Sender that broadcasts as id over t.
func NewSender(id ParticipantID, cfg SenderConfig, t Transport) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sender config: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("sender requires a transport")
	}
	return &Sender{cfg: cfg, id: id, transport: t}, nil
}

// CurrentRow returns the first row of the next rows-policy batch.
func (s *Sender) CurrentRow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRow
}

// Stats returns a copy of the counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tick sends one batch if Interval has elapsed since the previous send.
// The first call always sends. A nil frame (no depth yet) sends nothing.
// It reports whether a batch was broadcast.
func (s *Sender) Tick(ctx context.Context, now time.Time, frame []uint16) (bool, error) {
	if frame == nil {
		return false, nil
	}
	s.mu.Lock()
	due := !s.sent || now.Sub(s.lastSend) >= s.cfg.Interval
	s.mu.Unlock()
	if !due {
		return false, nil
	}

	batch := s.NextBatch(frame)

	s.mu.Lock()
	s.sent = true
	s.lastSend = now
	s.mu.Unlock()

	if err := s.transport.Broadcast(ctx, batch); err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return false, fmt.Errorf("broadcast rows %d+%d: %w", batch.RowStart, batch.RowCount, err)
	}

	s.mu.Lock()
	s.stats.Batches++
	s.stats.Samples += uint64(len(batch.Samples))
	s.stats.LastSend = now
	s.mu.Unlock()
	return true, nil
}

// NextBatch builds the next batch from frame and advances the cursor.
// A short frame fills what it covers and leaves the rest of the batch
// zero; extra samples are ignored.
func (s *Sender) NextBatch(frame []uint16) RowBatch {
	g := s.cfg.Geometry

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	b := RowBatch{
		Sender:    s.id,
		Seq:       s.seq,
		Width:     g.Width,
		Height:    g.Height,
		Placement: s.cfg.Placement,
	}

	if s.cfg.Policy == PolicyFrame {
		b.RowStart = 0
		b.RowCount = g.Height
		b.Samples = make([]uint16, g.SampleCount())
		copy(b.Samples, frame)
		s.stats.Sweeps++
		return b
	}

	b.RowStart = s.currentRow
	b.RowCount = s.cfg.RowBudget
	b.Samples = make([]uint16, s.cfg.RowBudget*g.Width)
	start := s.currentRow * g.Width
	if start < len(frame) {
		copy(b.Samples, frame[start:])
	}

	s.currentRow += s.cfg.RowBudget
	if s.currentRow >= g.Height {
		s.currentRow = 0
		s.stats.Sweeps++
	}
	return b
}
