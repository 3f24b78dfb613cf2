package reconstruct

import (
	"sync"
	"time"

	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/monitoring"
)

// LatestRenderer keeps the most recent published snapshot so HTTP
// handlers can read it without touching the tick loop.
type LatestRenderer struct {
	mu        sync.RWMutex
	snap      *mesh.Buffer
	published uint64
}

func (l *LatestRenderer) Publish(snap *mesh.Buffer) {
	l.mu.Lock()
	l.snap = snap
	l.published++
	l.mu.Unlock()
}

// Latest returns the last snapshot and the number of publishes so far.
func (l *LatestRenderer) Latest() (*mesh.Buffer, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap, l.published
}

// LoggingRenderer wraps another renderer and logs a depth summary at most
// once per Every.
type LoggingRenderer struct {
	Next  Renderer
	Every time.Duration

	last time.Time
}

func (l *LoggingRenderer) Publish(snap *mesh.Buffer) {
	if now := time.Now(); now.Sub(l.last) >= l.Every {
		lo, hi := snap.DepthRange()
		monitoring.Logf("[Reconstruct] mesh %dx%d depth %.1f..%.1f", snap.Width, snap.Height, lo, hi)
		l.last = now
	}
	if l.Next != nil {
		l.Next.Publish(snap)
	}
}
