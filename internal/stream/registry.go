package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// RemoteMesh is one remote sender's reconstructed surface.
type RemoteMesh struct {
	id        ParticipantID
	geom      mesh.FrameGeometry
	placement *Placement
	firstSeen time.Time

	mu       sync.Mutex
	buf      *mesh.Buffer
	lastSeen time.Time
	lastSeq  uint64
	batches  uint64
	rows     uint64
}

// RemoteInfo is a point-in-time copy of a RemoteMesh's bookkeeping.
type RemoteInfo struct {
	ID        ParticipantID      `json:"id"`
	Geometry  mesh.FrameGeometry `json:"geometry"`
	Placement *Placement         `json:"placement,omitempty"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	LastSeq   uint64             `json:"last_seq"`
	Batches   uint64             `json:"batches"`
	Rows      uint64             `json:"rows"`
}

// ID returns the sender identity.
func (m *RemoteMesh) ID() ParticipantID { return m.id }

// Placement returns the translation fixed at first contact, if any.
func (m *RemoteMesh) Placement() (Placement, bool) {
	if m.placement == nil {
		return Placement{}, false
	}
	return *m.placement, true
}

// Snapshot returns a deep copy of the remote mesh.
func (m *RemoteMesh) Snapshot() *mesh.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Snapshot()
}

// PlacedSnapshot returns a copy of the mesh translated by the placement
// recorded at first contact.
func (m *RemoteMesh) PlacedSnapshot() *mesh.Buffer {
	snap := m.Snapshot()
	if m.placement == nil {
		return snap
	}
	off := r3.Vec{X: float64(m.placement[0]), Y: float64(m.placement[1]), Z: float64(m.placement[2])}
	for i := range snap.Vertices {
		snap.Vertices[i] = r3.Add(snap.Vertices[i], off)
	}
	return snap
}

// Info returns the entry's counters.
func (m *RemoteMesh) Info() RemoteInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RemoteInfo{
		ID:        m.id,
		Geometry:  m.geom,
		Placement: m.placement,
		FirstSeen: m.firstSeen,
		LastSeen:  m.lastSeen,
		LastSeq:   m.lastSeq,
		Batches:   m.batches,
		Rows:      m.rows,
	}
}

func (m *RemoteMesh) apply(b RowBatch, now time.Time) error {
	if b.Width != m.geom.Width || b.Height != m.geom.Height {
		return fmt.Errorf("%w: sender %s switched from %dx%d to %dx%d",
			mesh.ErrGeometryMismatch, m.id, m.geom.Width, m.geom.Height, b.Width, b.Height)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.buf.UpdateRegion(m.geom, b.Region(), nil); err != nil {
		return err
	}
	m.lastSeen = now
	m.lastSeq = b.Seq
	m.batches++
	m.rows += uint64(b.RowCount)
	return nil
}

// Registry maps sender identity to its remote mesh. Entries are created
// on first contact and never removed, so it grows with every distinct
// sender seen during a session.
type Registry struct {
	mu      sync.RWMutex
	entries map[ParticipantID]*RemoteMesh
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ParticipantID]*RemoteMesh)}
}

// Get returns the entry for id.
func (r *Registry) Get(id ParticipantID) (*RemoteMesh, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[id]
	return m, ok
}

// Len returns the number of known senders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns every entry's info ordered by ID.
func (r *Registry) List() []RemoteInfo {
	r.mu.RLock()
	meshes := make([]*RemoteMesh, 0, len(r.entries))
	for _, m := range r.entries {
		meshes = append(meshes, m)
	}
	r.mu.RUnlock()

	out := make([]RemoteInfo, 0, len(meshes))
	for _, m := range meshes {
		out = append(out, m.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// getOrCreate returns the entry for id, allocating a mesh for geom on
// first contact. placement is only recorded when the entry is created.
func (r *Registry) getOrCreate(id ParticipantID, geom mesh.FrameGeometry, placement *Placement, now time.Time) (*RemoteMesh, bool, error) {
	if m, ok := r.Get(id); ok {
		return m, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entries[id]; ok {
		return m, false, nil
	}
	buf, err := geom.NewBuffer()
	if err != nil {
		return nil, false, err
	}
	m := &RemoteMesh{
		id:        id,
		geom:      geom,
		firstSeen: now,
		buf:       buf,
	}
	if placement != nil {
		p := *placement
		m.placement = &p
	}
	r.entries[id] = m
	return m, true, nil
}
