package monitor

import (
	"fmt"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depthmesh/internal/httputil"
	"github.com/banshee-data/depthmesh/internal/mesh"
)

// depthGrid adapts a mesh to plotter.GridXYZ. Row 0 of the mesh is
// drawn at the top.
type depthGrid struct {
	buf *mesh.Buffer
}

func (g depthGrid) Dims() (c, r int) { return g.buf.Width, g.buf.Height }
func (g depthGrid) X(c int) float64  { return float64(c) }
func (g depthGrid) Y(r int) float64  { return float64(r) }
func (g depthGrid) Z(c, r int) float64 {
	return g.buf.Vertices[(g.buf.Height-1-r)*g.buf.Width+c].Z
}

// PlotDepth draws buf as a heat map PNG into w.
func PlotDepth(w io.Writer, buf *mesh.Buffer, title string) error {
	if buf.Width < 2 || buf.Height < 2 {
		return fmt.Errorf("mesh %dx%d is too small to plot", buf.Width, buf.Height)
	}
	hm := plotter.NewHeatMap(depthGrid{buf}, palette.Heat(32, 1))
	if hm.Min == hm.Max {
		hm.Max = hm.Min + 1
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "grid x"
	p.Y.Label.Text = "grid row (from bottom)"
	p.Add(hm)

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func (ws *WebServer) handleDepthPlot(w http.ResponseWriter, r *http.Request) {
	buf, id, ok := ws.meshFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := PlotDepth(w, buf, "depth "+shortID(id)); err != nil {
		httputil.InternalServerError(w, err.Error())
	}
}
