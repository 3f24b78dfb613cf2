package mesh

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DepthScale converts averaged depth samples (millimetres) into
	// local mesh units.
	DepthScale = 0.03

	// FarSentinel replaces zero ("no reading") samples during averaging
	// so missing data is pushed away from the camera.
	FarSentinel = 4500
)

var (
	ErrGridTooSmall     = errors.New("mesh grid must be at least 2x2")
	ErrGeometryMismatch = errors.New("frame geometry does not match mesh buffer")
	ErrInvalidRegion    = errors.New("invalid row region")
)

// Buffer is one reconstructed surface. Index i = y*Width + x addresses
// Vertices and UV.
type Buffer struct {
	Width  int
	Height int

	Vertices  []r3.Vec
	UV        []r2.Vec
	Triangles []int
}

// NewBuffer allocates a width×height grid. Vertices start at (x, -y, 0),
// UVs on the regular grid (x/width, y/height). Each non-last cell emits
// (topLeft, topRight, bottomLeft) then (bottomLeft, topRight, bottomRight).
func NewBuffer(width, height int) (*Buffer, error) {
	if width < 2 || height < 2 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrGridTooSmall, width, height)
	}

	n := width * height
	b := &Buffer{
		Width:     width,
		Height:    height,
		Vertices:  make([]r3.Vec, n),
		UV:        make([]r2.Vec, n),
		Triangles: make([]int, 0, 6*(width-1)*(height-1)),
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			b.Vertices[i] = r3.Vec{X: float64(x), Y: float64(-y)}
			b.UV[i] = r2.Vec{X: float64(x) / float64(width), Y: float64(y) / float64(height)}

			if x == width-1 || y == height-1 {
				continue
			}
			topLeft := i
			topRight := topLeft + 1
			bottomLeft := topLeft + width
			bottomRight := bottomLeft + 1
			b.Triangles = append(b.Triangles,
				topLeft, topRight, bottomLeft,
				bottomLeft, topRight, bottomRight,
			)
		}
	}
	return b, nil
}

// Region is a contiguous run of full-resolution rows. Samples holds the
// rows [RowStart, RowStart+RowCount) in row-major order, starting at
// RowStart (not at row 0).
type Region struct {
	RowStart int
	RowCount int
	Samples  []uint16
}

// FullFrame wraps a complete depth frame as a Region.
func FullFrame(g FrameGeometry, samples []uint16) Region {
	return Region{RowStart: 0, RowCount: g.Height, Samples: samples}
}

// ColorPoint is a depth sample projected into color-image pixel space.
type ColorPoint struct {
	X, Y float32
}

// ColorSpace carries the color-space projection of a Region's samples.
// Points uses the same indexing as Region.Samples.
type ColorSpace struct {
	Points []ColorPoint
	Width  int
	Height int
}

func (c *ColorSpace) usable() bool {
	return c != nil && c.Width > 0 && c.Height > 0
}

// UpdateRegion refreshes every grid cell whose source row lies inside
// the region. Only Vertices[i].Z and UV[i] of those cells change. Cells
// whose averaging block would read past the end of the region payload
// are skipped. UVs are only written when colors is usable and the
// projected point is finite. It returns the number of cells updated.
func (b *Buffer) UpdateRegion(g FrameGeometry, r Region, colors *ColorSpace) (int, error) {
	if g.GridWidth() != b.Width || g.GridHeight() != b.Height {
		return 0, fmt.Errorf("%w: geometry %s gives %dx%d grid, buffer is %dx%d",
			ErrGeometryMismatch, g, g.GridWidth(), g.GridHeight(), b.Width, b.Height)
	}
	if r.RowStart < 0 || r.RowCount < 0 {
		return 0, fmt.Errorf("%w: start=%d count=%d", ErrInvalidRegion, r.RowStart, r.RowCount)
	}

	ds := g.Downsample
	availRows := len(r.Samples) / g.Width
	if availRows > r.RowCount {
		availRows = r.RowCount
	}
	useColor := colors.usable()

	updated := 0
	for gy := 0; gy < b.Height; gy++ {
		y := gy * ds
		if y < r.RowStart || y >= r.RowStart+r.RowCount {
			continue
		}
		rowy := y - r.RowStart
		if rowy+ds > availRows {
			continue
		}
		for gx := 0; gx < b.Width; gx++ {
			x := gx * ds
			i := gy*b.Width + gx

			b.Vertices[i].Z = BlockAverage(r.Samples, g.Width, x, rowy, ds) * DepthScale

			if useColor {
				ci := rowy*g.Width + x
				if ci < len(colors.Points) {
					p := colors.Points[ci]
					u := float64(p.X) / float64(colors.Width)
					v := float64(p.Y) / float64(colors.Height)
					if !math.IsInf(u, 0) && !math.IsNaN(u) && !math.IsInf(v, 0) && !math.IsNaN(v) {
						b.UV[i] = r2.Vec{X: u, Y: v}
					}
				}
			}
			updated++
		}
	}
	return updated, nil
}

// BlockAverage averages the size×size block whose top-left sample is
// (x, y) in a row-major buffer of the given stride. Zero samples count
// as FarSentinel. Samples outside the buffer are not counted.
func BlockAverage(samples []uint16, stride, x, y, size int) float64 {
	sum := 0.0
	count := 0
	for y1 := y; y1 < y+size; y1++ {
		for x1 := x; x1 < x+size && x1 < stride; x1++ {
			idx := y1*stride + x1
			if idx < 0 || idx >= len(samples) {
				continue
			}
			d := samples[idx]
			if d == 0 {
				sum += FarSentinel
			} else {
				sum += float64(d)
			}
			count++
		}
	}
	if count == 0 {
		return FarSentinel
	}
	return sum / float64(count)
}

// Normals returns area-weighted per-vertex normals: each vertex sums the
// unnormalised face normals of the triangles that reference it.
func (b *Buffer) Normals() []r3.Vec {
	normals := make([]r3.Vec, len(b.Vertices))
	for t := 0; t+2 < len(b.Triangles); t += 3 {
		i0, i1, i2 := b.Triangles[t], b.Triangles[t+1], b.Triangles[t+2]
		v0 := b.Vertices[i0]
		face := r3.Cross(r3.Sub(b.Vertices[i1], v0), r3.Sub(b.Vertices[i2], v0))
		normals[i0] = r3.Add(normals[i0], face)
		normals[i1] = r3.Add(normals[i1], face)
		normals[i2] = r3.Add(normals[i2], face)
	}
	for i, n := range normals {
		if r3.Norm(n) > 0 {
			normals[i] = r3.Unit(n)
		}
	}
	return normals
}

// Snapshot returns a deep copy that can be handed to another goroutine.
func (b *Buffer) Snapshot() *Buffer {
	return &Buffer{
		Width:     b.Width,
		Height:    b.Height,
		Vertices:  append([]r3.Vec(nil), b.Vertices...),
		UV:        append([]r2.Vec(nil), b.UV...),
		Triangles: append([]int(nil), b.Triangles...),
	}
}

// DepthRange returns the minimum and maximum z over all vertices.
func (b *Buffer) DepthRange() (lo, hi float64) {
	if len(b.Vertices) == 0 {
		return 0, 0
	}
	lo, hi = b.Vertices[0].Z, b.Vertices[0].Z
	for _, v := range b.Vertices[1:] {
		lo = math.Min(lo, v.Z)
		hi = math.Max(hi, v.Z)
	}
	return lo, hi
}
