// Package reconstruct turns the local sensor's depth and color frames into
// the local mesh once per tick.
package reconstruct

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/monitoring"
	"github.com/banshee-data/depthmesh/internal/sensor"
	"github.com/banshee-data/depthmesh/internal/timeutil"
)

// Renderer receives a snapshot of the local mesh after every tick.
type Renderer interface {
	Publish(snap *mesh.Buffer)
}

// NopRenderer discards published meshes.
type NopRenderer struct{}

func (NopRenderer) Publish(*mesh.Buffer) {}

// Stats summarises the reconstructor's work so far.
type Stats struct {
	Ticks        uint64
	Errors       uint64
	CellsUpdated int
	LastTick     time.Time
	LastDuration time.Duration
	DepthMin     float64
	DepthMax     float64
}

// Reconstructor owns the local mesh buffer. Tick is expected to be called
// from a single loop; the accessors are safe from other goroutines.
type Reconstructor struct {
	geom     mesh.FrameGeometry
	sensor   sensor.Sensor
	renderer Renderer
	clock    timeutil.Clock

	mu     sync.RWMutex
	buf    *mesh.Buffer
	frame  []uint16
	color  image.Image
	points []mesh.ColorPoint
	stats  Stats
}

// New allocates the local mesh for geom. A nil renderer publishes nowhere.
func New(geom mesh.FrameGeometry, s sensor.Sensor, r Renderer) (*Reconstructor, error) {
	if s == nil {
		return nil, sensor.ErrNoSensor
	}
	buf, err := geom.NewBuffer()
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = NopRenderer{}
	}
	return &Reconstructor{
		geom:     geom,
		sensor:   s,
		renderer: r,
		clock:    timeutil.RealClock{},
		buf:      buf,
		points:   make([]mesh.ColorPoint, geom.SampleCount()),
	}, nil
}

// SetClock replaces the clock used for tick timing.
func (r *Reconstructor) SetClock(c timeutil.Clock) { r.clock = c }

// Geometry returns the session geometry.
func (r *Reconstructor) Geometry() mesh.FrameGeometry { return r.geom }

// Tick pulls the current depth and color frames and refreshes every cell
// of the local mesh. A missing color frame or mapping leaves the UVs on
// their previous values; a missing depth frame is an error.
func (r *Reconstructor) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := r.clock.Now()

	depth, err := r.sensor.DepthFrame()
	if err != nil {
		r.countError()
		return fmt.Errorf("depth frame: %w", err)
	}
	if len(depth) != r.geom.SampleCount() {
		r.countError()
		return fmt.Errorf("depth frame has %d samples, want %d", len(depth), r.geom.SampleCount())
	}

	colors := r.mapColors(depth)

	r.mu.Lock()
	n, err := r.buf.UpdateRegion(r.geom, mesh.FullFrame(r.geom, depth), colors)
	if err != nil {
		r.stats.Errors++
		r.mu.Unlock()
		return err
	}
	r.frame = depth
	r.stats.Ticks++
	r.stats.CellsUpdated = n
	r.stats.LastTick = start
	r.stats.LastDuration = r.clock.Since(start)
	r.stats.DepthMin, r.stats.DepthMax = r.buf.DepthRange()
	snap := r.buf.Snapshot()
	r.mu.Unlock()

	r.renderer.Publish(snap)
	return nil
}

// mapColors fetches the color frame and projects depth into it. It
// returns nil when either is unavailable.
func (r *Reconstructor) mapColors(depth []uint16) *mesh.ColorSpace {
	img, err := r.sensor.ColorFrame()
	if err != nil || img == nil {
		monitoring.Logf("[Reconstruct] color frame unavailable: %v", err)
		return nil
	}
	if err := r.sensor.MapDepthFrameToColorSpace(depth, r.points); err != nil {
		monitoring.Logf("[Reconstruct] color mapping failed: %v", err)
		return nil
	}
	b := img.Bounds()

	r.mu.Lock()
	r.color = img
	r.mu.Unlock()

	return &mesh.ColorSpace{Points: r.points, Width: b.Dx(), Height: b.Dy()}
}

func (r *Reconstructor) countError() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

// Frame returns the most recent depth frame, or nil before the first
// successful tick. Callers must not modify it.
func (r *Reconstructor) Frame() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frame
}

// Snapshot returns a deep copy of the local mesh.
func (r *Reconstructor) Snapshot() *mesh.Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Snapshot()
}

// ColorImage returns the color frame used by the last tick, if any.
func (r *Reconstructor) ColorImage() image.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.color
}

// Stats returns a copy of the current counters.
func (r *Reconstructor) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
