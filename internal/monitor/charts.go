package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/depthmesh/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleRowsChart renders batches and rows received per remote sender.
func (ws *WebServer) handleRowsChart(w http.ResponseWriter, r *http.Request) {
	parts := ws.source.Participants()
	names := make([]string, 0, len(parts))
	batches := make([]opts.BarData, 0, len(parts))
	rows := make([]opts.BarData, 0, len(parts))
	for _, p := range parts {
		names = append(names, shortID(p.ID.String()))
		batches = append(batches, opts.BarData{Value: p.Batches})
		rows = append(rows, opts.BarData{Value: p.Rows})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Participants", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Row batches received", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("batches", batches, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("rows", rows, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	ws.renderPage(w, bar)
}

// handleDepthChart renders a mesh's z values as a heat map. Query
// params: id (default local).
func (ws *WebServer) handleDepthChart(w http.ResponseWriter, r *http.Request) {
	buf, id, ok := ws.meshFor(w, r)
	if !ok {
		return
	}

	xs := make([]string, buf.Width)
	for x := range xs {
		xs[x] = strconv.Itoa(x)
	}
	// Category 0 is drawn at the bottom, so rows are listed last first.
	ys := make([]string, buf.Height)
	for k := range ys {
		ys[k] = strconv.Itoa(buf.Height - 1 - k)
	}
	data := make([]opts.HeatMapData, 0, len(buf.Vertices))
	for i, v := range buf.Vertices {
		x, y := i%buf.Width, i/buf.Width
		data = append(data, opts.HeatMapData{Value: [3]interface{}{x, buf.Height - 1 - y, v.Z}})
	}
	lo, hi := buf.DepthRange()

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Depth", Theme: "dark", Width: "900px", Height: "700px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Mesh depth", Subtitle: fmt.Sprintf("id=%s grid=%dx%d", shortID(id), buf.Width, buf.Height)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xs}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(xs).AddSeries("z", data)

	ws.renderPage(w, hm)
}

func (ws *WebServer) renderPage(w http.ResponseWriter, chart components.Charter) {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(chart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
