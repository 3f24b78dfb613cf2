// Package sensor defines the depth/color collaborators consumed by the
// reconstruction core and provides a synthetic implementation for
// development and tests.
package sensor

import (
	"errors"
	"fmt"
	"image"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// ErrNoSensor is returned by Open when no device is attached. It is a
// permanent condition detected at startup, not a retryable error.
var ErrNoSensor = errors.New("no depth sensor present")

// DepthSource returns the most recent full-resolution depth frame,
// row-major, one uint16 per sample, 0 meaning "no reading".
type DepthSource interface {
	DepthFrame() ([]uint16, error)
}

// ColorSource returns the most recent color frame. Its bounds give the
// color width/height used to normalise projected coordinates.
type ColorSource interface {
	ColorFrame() (image.Image, error)
}

// CoordinateMapper projects every depth sample into color-image pixel
// space. out must have one entry per depth sample.
type CoordinateMapper interface {
	MapDepthFrameToColorSpace(depth []uint16, out []mesh.ColorPoint) error
}

// Sensor is the full device surface used by a session.
type Sensor interface {
	DepthSource
	ColorSource
	CoordinateMapper

	// Open starts the device. It returns ErrNoSensor when absent.
	Open() error
	// DepthSize reports the fixed per-session depth resolution.
	DepthSize() (width, height int)
	Close() error
}

// OpenSession opens s and derives the session's frame geometry.
func OpenSession(s Sensor, downsample int) (mesh.FrameGeometry, error) {
	if s == nil {
		return mesh.FrameGeometry{}, ErrNoSensor
	}
	if err := s.Open(); err != nil {
		return mesh.FrameGeometry{}, err
	}
	w, h := s.DepthSize()
	g := mesh.FrameGeometry{Width: w, Height: h, Downsample: downsample}
	if err := g.Validate(); err != nil {
		s.Close()
		return mesh.FrameGeometry{}, fmt.Errorf("sensor geometry: %w", err)
	}
	return g, nil
}

// None is a Sensor that is never present.
type None struct{}

func (None) Open() error { return ErrNoSensor }

func (None) DepthSize() (int, int) { return 0, 0 }

func (None) Close() error { return nil }

func (None) DepthFrame() ([]uint16, error) { return nil, ErrNoSensor }

func (None) ColorFrame() (image.Image, error) { return nil, ErrNoSensor }

func (None) MapDepthFrameToColorSpace([]uint16, []mesh.ColorPoint) error {
	return ErrNoSensor
}
