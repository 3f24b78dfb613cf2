package stream

import (
	"fmt"
	"sync"

	"github.com/banshee-data/depthmesh/internal/monitoring"
	"github.com/banshee-data/depthmesh/internal/timeutil"
)

// DefaultMaxGridCells caps the grid a remote sender may declare: a Kinect
// v2 depth frame at downsample 1.
const DefaultMaxGridCells = 512 * 424

// ReceiverStats counts inbound batches by outcome.
type ReceiverStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Loopback uint64 `json:"loopback"`
}

// Receiver applies inbound row batches to the sender's entry in a
// Registry. Handle may be called from any goroutine.
type Receiver struct {
	self       ParticipantID
	downsample int
	registry   *Registry
	clock      timeutil.Clock

	// OnFirstContact, when set, is called once per new sender after its
	// entry has been created and the first batch applied.
	OnFirstContact func(info RemoteInfo)

	// MaxGridCells bounds GridWidth*GridHeight of a sender's mesh.
	// Zero means DefaultMaxGridCells.
	MaxGridCells int

	mu    sync.Mutex
	stats ReceiverStats
}

// NewReceiver returns a receiver for participant self. Remote meshes are
// built at the given downsample factor.
func NewReceiver(self ParticipantID, downsample int, registry *Registry) *Receiver {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Receiver{
		self:       self,
		downsample: downsample,
		registry:   registry,
		clock:      timeutil.RealClock{},
	}
}

// SetClock replaces the clock used for first/last seen times.
func (r *Receiver) SetClock(c timeutil.Clock) { r.clock = c }

// Registry returns the receiver's registry.
func (r *Receiver) Registry() *Registry { return r.registry }

// Stats returns a copy of the counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Handle applies b to its sender's mesh, creating the entry on first
// contact. Batches from this participant are ignored. Malformed batches
// are rejected without touching any mesh.
func (r *Receiver) Handle(b RowBatch) error {
	if b.Sender == r.self {
		r.count(func(s *ReceiverStats) { s.Loopback++ })
		return nil
	}
	if err := r.handle(b); err != nil {
		r.count(func(s *ReceiverStats) { s.Rejected++ })
		monitoring.Logf("[Receiver] rejected batch from %s seq=%d: %v", b.Sender, b.Seq, err)
		return err
	}
	r.count(func(s *ReceiverStats) { s.Accepted++ })
	return nil
}

func (r *Receiver) handle(b RowBatch) error {
	if b.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedBatch)
	}
	if err := b.Validate(); err != nil {
		return err
	}

	geom := b.Geometry(r.downsample)
	limit := r.MaxGridCells
	if limit <= 0 {
		limit = DefaultMaxGridCells
	}
	if cells := geom.GridWidth() * geom.GridHeight(); cells > limit {
		return fmt.Errorf("%w: %s gives %d grid cells, limit %d", ErrMalformedBatch, geom, cells, limit)
	}

	now := r.clock.Now()
	m, created, err := r.registry.getOrCreate(b.Sender, geom, b.Placement, now)
	if err != nil {
		return fmt.Errorf("new remote mesh for %s: %w", b.Sender, err)
	}
	if err := m.apply(b, now); err != nil {
		return err
	}
	if created {
		info := m.Info()
		monitoring.Logf("[Receiver] new sender %s geometry=%s placement=%v", b.Sender, info.Geometry, b.Placement != nil)
		if r.OnFirstContact != nil {
			r.OnFirstContact(info)
		}
	}
	return nil
}

func (r *Receiver) count(f func(*ReceiverStats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}
