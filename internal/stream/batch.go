// Package stream moves depth rows between participants. A Sender sweeps
// the local depth frame in bounded row batches; a Receiver applies batches
// from every remote sender to that sender's own mesh in a Registry.
package stream

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// MaxDimension bounds the declared frame size of an inbound batch.
const MaxDimension = 8192

// ErrMalformedBatch is returned for batches whose header disagrees with
// their payload.
var ErrMalformedBatch = errors.New("malformed row batch")

// ParticipantID identifies a sender across every transport.
type ParticipantID string

// NewParticipantID returns a random identity.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// ParseParticipantID accepts any non-empty identity. UUIDs are normalised.
func ParseParticipantID(s string) (ParticipantID, error) {
	if s == "" {
		return "", errors.New("empty participant id")
	}
	if u, err := uuid.Parse(s); err == nil {
		return ParticipantID(u.String()), nil
	}
	return ParticipantID(s), nil
}

func (p ParticipantID) String() string { return string(p) }

// Placement is a translation applied to a remote mesh when it is first
// created.
type Placement [3]float32

// RowBatch carries rows [RowStart, RowStart+RowCount) of a Width×Height
// depth frame. Samples always holds RowCount*Width values; rows past the
// bottom of the frame are zero.
type RowBatch struct {
	Sender    ParticipantID
	Seq       uint64
	Width     int
	Height    int
	RowStart  int
	RowCount  int
	Samples   []uint16
	Placement *Placement
}

// Validate checks the header against the payload.
func (b RowBatch) Validate() error {
	switch {
	case b.Width <= 0 || b.Height <= 0:
		return fmt.Errorf("%w: frame size %dx%d", ErrMalformedBatch, b.Width, b.Height)
	case b.Width > MaxDimension || b.Height > MaxDimension:
		return fmt.Errorf("%w: frame size %dx%d exceeds %d", ErrMalformedBatch, b.Width, b.Height, MaxDimension)
	case b.RowStart < 0 || b.RowStart >= b.Height:
		return fmt.Errorf("%w: row start %d outside [0, %d)", ErrMalformedBatch, b.RowStart, b.Height)
	case b.RowCount <= 0 || b.RowCount > MaxDimension:
		return fmt.Errorf("%w: row count %d", ErrMalformedBatch, b.RowCount)
	case len(b.Samples) != b.RowCount*b.Width:
		return fmt.Errorf("%w: %d samples for %d rows of %d", ErrMalformedBatch, len(b.Samples), b.RowCount, b.Width)
	}
	return nil
}

// Region returns the batch as a mesh update region.
func (b RowBatch) Region() mesh.Region {
	return mesh.Region{RowStart: b.RowStart, RowCount: b.RowCount, Samples: b.Samples}
}

// Geometry returns the sender's frame geometry at the given downsample.
func (b RowBatch) Geometry(downsample int) mesh.FrameGeometry {
	return mesh.FrameGeometry{Width: b.Width, Height: b.Height, Downsample: downsample}
}
