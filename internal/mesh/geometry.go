// Package mesh builds height-field surfaces from depth frames.
//
// A Buffer holds one reconstructed surface: a downsampled grid of
// vertices whose x/y components are fixed at construction and whose z
// component is refreshed from depth samples, a parallel UV array, and a
// triangle index list that never changes after construction.
package mesh

import "fmt"

// FrameGeometry describes a full-resolution depth frame and the
// downsample factor used to build the mesh grid from it. It is computed
// once at session start and passed by value into every operation.
type FrameGeometry struct {
	Width      int // full-resolution samples per row
	Height     int // full-resolution rows
	Downsample int // source samples per grid cell edge
}

// GridWidth returns the number of grid columns.
func (g FrameGeometry) GridWidth() int {
	if g.Downsample <= 0 {
		return 0
	}
	return g.Width / g.Downsample
}

// GridHeight returns the number of grid rows.
func (g FrameGeometry) GridHeight() int {
	if g.Downsample <= 0 {
		return 0
	}
	return g.Height / g.Downsample
}

// SampleCount returns the number of samples in a full frame.
func (g FrameGeometry) SampleCount() int {
	return g.Width * g.Height
}

// Validate checks that the geometry produces a usable grid.
func (g FrameGeometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("frame size must be positive, got %dx%d", g.Width, g.Height)
	}
	if g.Downsample < 1 {
		return fmt.Errorf("downsample must be >= 1, got %d", g.Downsample)
	}
	if g.GridWidth() < 2 || g.GridHeight() < 2 {
		return fmt.Errorf("%w: %dx%d frame at downsample %d gives %dx%d grid",
			ErrGridTooSmall, g.Width, g.Height, g.Downsample, g.GridWidth(), g.GridHeight())
	}
	return nil
}

// NewBuffer allocates a Buffer sized for this geometry's grid.
func (g FrameGeometry) NewBuffer() (*Buffer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return NewBuffer(g.GridWidth(), g.GridHeight())
}

func (g FrameGeometry) String() string {
	return fmt.Sprintf("%dx%d/%d", g.Width, g.Height, g.Downsample)
}
