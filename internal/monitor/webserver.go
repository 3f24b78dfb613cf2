// Package monitor serves the session's HTTP API and debug charts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/depthmesh/internal/db"
	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/httputil"
	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/security"
	"github.com/banshee-data/depthmesh/internal/session"
	"github.com/banshee-data/depthmesh/internal/stream"
	"github.com/banshee-data/depthmesh/internal/trigger"
)

// Source is the session state the monitor reads.
type Source interface {
	Status() session.Status
	Participants() []stream.RemoteInfo
	Mesh(id string) (*mesh.Buffer, bool)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address   string
	Source    Source
	Store     *db.DB       // optional
	Bus       *trigger.Bus // optional; enables POST /api/export
	ExportDir string
	FS        fsutil.FileSystem
}

// WebServer handles the HTTP interface for a session.
type WebServer struct {
	address   string
	source    Source
	store     *db.DB
	bus       *trigger.Bus
	exportDir string
	fs        fsutil.FileSystem
	mux       *http.ServeMux
	server    *http.Server
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		source:    config.Source,
		store:     config.Store,
		bus:       config.Bus,
		exportDir: config.ExportDir,
		fs:        config.FS,
	}
	if ws.exportDir == "" {
		ws.exportDir = "."
	}
	if ws.fs == nil {
		ws.fs = fsutil.OSFileSystem{}
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Mux returns the route table so other components can attach admin
// routes.
func (ws *WebServer) Mux() *http.ServeMux { return ws.mux }

// Start serves until ctx is cancelled. It returns early if the listener
// cannot be opened.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", ws.address, err)
	}
	go func() {
		log.Printf("[Monitor] serving on http://%s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Monitor] server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Monitor] shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("[Monitor] force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/participants", ws.handleParticipants)
	mux.HandleFunc("/api/export", ws.handleExport)
	mux.HandleFunc("/api/exports", ws.handleExports)
	mux.HandleFunc("/api/exports/file", ws.handleExportFile)
	mux.HandleFunc("/api/depth", ws.handleDepthStats)
	mux.HandleFunc("/charts/rows", ws.handleRowsChart)
	mux.HandleFunc("/charts/depth", ws.handleDepthChart)
	mux.HandleFunc("/plots/depth.png", ws.handleDepthPlot)

	debug := tsweb.Debugger(mux)
	debug.URL("/charts/rows", "Rows received per participant")
	debug.URL("/charts/depth?id="+session.LocalID, "Local depth heat map")
	debug.URL("/plots/depth.png?id="+session.LocalID, "Local depth heat map (PNG)")
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.source.Status())
}

// handleParticipants lists live remote senders, or with ?source=store
// every participant the store has recorded.
func (ws *WebServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if r.URL.Query().Get("source") == "store" {
		if ws.store == nil {
			httputil.NotFound(w, "no session store configured")
			return
		}
		parts, err := ws.store.Participants()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if parts == nil {
			parts = []db.Participant{}
		}
		httputil.WriteJSONOK(w, parts)
		return
	}
	parts := ws.source.Participants()
	if parts == nil {
		parts = []stream.RemoteInfo{}
	}
	httputil.WriteJSONOK(w, parts)
}

type exportRequest struct {
	Base string `json:"base"`
}

// handleExport queues an export on the trigger bus. The body may be JSON
// ({"base": "..."}) or a form with a base field.
func (ws *WebServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.bus == nil {
		httputil.NotFound(w, "export trigger not configured")
		return
	}
	if !ws.source.Status().Enabled {
		httputil.WriteJSONError(w, http.StatusConflict, session.ErrDisabled.Error())
		return
	}

	var req exportRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	} else {
		req.Base = r.FormValue("base")
	}
	base := strings.TrimSpace(req.Base)
	if base != "" {
		base = security.SanitizeFilename(base)
	}

	queued := ws.bus.Fire("http", base)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": queued,
		"base":   base,
	})
}

func (ws *WebServer) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	exports := []db.Export{}
	if ws.store != nil {
		got, err := ws.store.RecentExports(limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if got != nil {
			exports = got
		}
	}
	httputil.WriteJSONOK(w, exports)
}

var exportContentTypes = map[string]string{
	".obj": "text/plain; charset=utf-8",
	".mtl": "text/plain; charset=utf-8",
	".jpg": "image/jpeg",
}

// handleExportFile downloads one file of an export: ?name=scan.obj.
func (ws *WebServer) handleExportFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	path, err := security.ExportFile(ws.exportDir, name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	f, err := ws.fs.Open(path)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("%s not found", name))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", exportContentTypes[strings.ToLower(filepath.Ext(name))])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[Monitor] download %s interrupted: %v", name, err)
	}
}

func (ws *WebServer) handleDepthStats(w http.ResponseWriter, r *http.Request) {
	buf, id, ok := ws.meshFor(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"id":    id,
		"stats": ComputeDepthStats(buf),
	})
}

// meshFor resolves ?id= (default local) and writes a 404 when the mesh
// does not exist.
func (ws *WebServer) meshFor(w http.ResponseWriter, r *http.Request) (*mesh.Buffer, string, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return nil, "", false
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = session.LocalID
	}
	buf, ok := ws.source.Mesh(id)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no mesh for %q", id))
		return nil, id, false
	}
	return buf, id, true
}
