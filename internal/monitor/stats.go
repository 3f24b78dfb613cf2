package monitor

import (
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depthmesh/internal/mesh"
)

// DepthStats summarises the z component of a mesh.
type DepthStats struct {
	Vertices int     `json:"vertices"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	// Far counts vertices at the no-reading depth.
	Far int `json:"far"`
}

// ComputeDepthStats returns the depth distribution of buf.
func ComputeDepthStats(buf *mesh.Buffer) DepthStats {
	st := DepthStats{Vertices: len(buf.Vertices)}
	if st.Vertices == 0 {
		return st
	}
	z := make([]float64, len(buf.Vertices))
	far := mesh.FarSentinel * mesh.DepthScale
	for i, v := range buf.Vertices {
		z[i] = v.Z
		if v.Z >= far {
			st.Far++
		}
	}
	st.Min, st.Max = buf.DepthRange()
	if len(z) > 1 {
		st.Mean, st.StdDev = stat.MeanStdDev(z, nil)
	} else {
		st.Mean = z[0]
	}
	return st
}
