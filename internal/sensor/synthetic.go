package sensor

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// Kinect v2 depth and a reduced color resolution.
const (
	DefaultDepthWidth  = 512
	DefaultDepthHeight = 424
	DefaultColorWidth  = 640
	DefaultColorHeight = 360
)

// Synthetic generates an animated depth surface (a sphere drifting over
// a back wall, with a band of dropped samples) and a static gradient
// color frame. Each DepthFrame call advances the animation one step.
type Synthetic struct {
	mu sync.Mutex

	// Configuration
	Width       int     // depth samples per row
	Height      int     // depth rows
	ColorWidth  int     // color frame width
	ColorHeight int     // color frame height
	WallDepth   uint16  // millimetres to the back wall
	SphereDepth uint16  // millimetres to the sphere's nearest point
	DropRate    float64 // fraction of samples reported as 0

	// Mapper: color = depth*scale + offset, per axis.
	ScaleX, ScaleY   float32
	OffsetX, OffsetY float32

	open  bool
	step  int
	rng   *rand.Rand
	color *image.RGBA
}

// NewSynthetic returns a generator at Kinect v2 depth resolution.
func NewSynthetic(seed int64) *Synthetic {
	s := &Synthetic{
		Width:       DefaultDepthWidth,
		Height:      DefaultDepthHeight,
		ColorWidth:  DefaultColorWidth,
		ColorHeight: DefaultColorHeight,
		WallDepth:   2500,
		SphereDepth: 1200,
		DropRate:    0.01,
		rng:         rand.New(rand.NewSource(seed)),
	}
	s.ScaleX = float32(s.ColorWidth) / float32(s.Width)
	s.ScaleY = float32(s.ColorHeight) / float32(s.Height)
	return s
}

// Open marks the generator as started.
func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("synthetic sensor: invalid size %dx%d", s.Width, s.Height)
	}
	s.open = true
	return nil
}

// DepthSize returns the configured depth resolution.
func (s *Synthetic) DepthSize() (int, int) {
	return s.Width, s.Height
}

// Close stops the generator.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// DepthFrame renders the next frame of the animation.
func (s *Synthetic) DepthFrame() ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNoSensor
	}

	s.step++
	phase := float64(s.step) * 0.05
	cx := float64(s.Width) * (0.5 + 0.25*math.Sin(phase))
	cy := float64(s.Height) * (0.5 + 0.15*math.Cos(phase))
	radius := float64(s.Height) * 0.3
	bulge := float64(s.WallDepth) - float64(s.SphereDepth)

	frame := make([]uint16, s.Width*s.Height)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			d := float64(s.WallDepth)
			dx, dy := float64(x)-cx, float64(y)-cy
			if r2 := dx*dx + dy*dy; r2 < radius*radius {
				d -= bulge * math.Sqrt(1-r2/(radius*radius))
			}
			if s.DropRate > 0 && s.rng.Float64() < s.DropRate {
				d = 0
			}
			frame[y*s.Width+x] = uint16(d)
		}
	}
	return frame, nil
}

// ColorFrame returns a cached diagonal gradient image.
func (s *Synthetic) ColorFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNoSensor
	}
	if s.color == nil {
		s.color = gradient(s.ColorWidth, s.ColorHeight)
	}
	return s.color, nil
}

// MapDepthFrameToColorSpace applies the affine depth→color mapping.
// Samples with no reading map to -Inf, as real devices report them.
func (s *Synthetic) MapDepthFrameToColorSpace(depth []uint16, out []mesh.ColorPoint) error {
	if len(out) < len(depth) {
		return fmt.Errorf("color space buffer too small: %d < %d", len(out), len(depth))
	}
	inf := float32(math.Inf(-1))
	for i, d := range depth {
		if d == 0 {
			out[i] = mesh.ColorPoint{X: inf, Y: inf}
			continue
		}
		x, y := i%s.Width, i/s.Width
		out[i] = mesh.ColorPoint{
			X: float32(x)*s.ScaleX + s.OffsetX,
			Y: float32(y)*s.ScaleY + s.OffsetY,
		}
	}
	return nil
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(255 * x / max(w-1, 1)),
				G: uint8(255 * y / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}
