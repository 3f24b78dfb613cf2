// Package session runs the cooperative tick loop that owns the local
// mesh, the row streamer and the exporter.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/depthmesh/internal/config"
	"github.com/banshee-data/depthmesh/internal/db"
	"github.com/banshee-data/depthmesh/internal/export"
	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/monitoring"
	"github.com/banshee-data/depthmesh/internal/reconstruct"
	"github.com/banshee-data/depthmesh/internal/sensor"
	"github.com/banshee-data/depthmesh/internal/stream"
	"github.com/banshee-data/depthmesh/internal/timeutil"
	"github.com/banshee-data/depthmesh/internal/trigger"
)

// ErrDisabled is returned by operations that need the local core when
// no sensor is present.
var ErrDisabled = errors.New("session core disabled: no depth sensor")

// LocalID addresses the local mesh in Mesh.
const LocalID = "local"

// persistInterval is how often participant counters are written to the
// store.
const persistInterval = 5 * time.Second

// BatchRecorder receives every batch the session sends or applies.
// Nil addresses stand for this node.
type BatchRecorder interface {
	RecordBatch(src, dst *net.UDPAddr, b stream.RowBatch) error
}

// Config wires a Session. Only Self, Scan and Exporter are required.
type Config struct {
	Self      stream.ParticipantID
	Scan      *config.ScanConfig
	Sensor    sensor.Sensor // nil means no sensor
	Transport stream.Transport
	Exporter  *export.Exporter
	Store     *db.DB
	Triggers  <-chan trigger.Event
	Renderer  reconstruct.Renderer
	Recorder  BatchRecorder
	Clock     timeutil.Clock
}

// Status is a point-in-time summary for the monitor.
type Status struct {
	Self         stream.ParticipantID `json:"self"`
	Enabled      bool                 `json:"enabled"`
	Geometry     mesh.FrameGeometry   `json:"geometry"`
	Policy       stream.Policy        `json:"send_policy,omitempty"`
	CurrentRow   int                  `json:"current_row"`
	Steps        uint64               `json:"steps"`
	Reconstruct  reconstruct.Stats    `json:"reconstruct"`
	Sender       stream.SenderStats   `json:"sender"`
	Receiver     stream.ReceiverStats `json:"receiver"`
	Remotes      int                  `json:"remotes"`
	Exports      uint64               `json:"exports"`
	ExportErrors uint64               `json:"export_errors"`
	LastExport   *export.Result       `json:"last_export,omitempty"`
}

// Session is the per-node core. Run (or Step) must only be called from
// one goroutine; the accessors are safe from any goroutine.
type Session struct {
	cfg     Config
	self    stream.ParticipantID
	clock   timeutil.Clock
	enabled bool
	geom    mesh.FrameGeometry
	policy  stream.Policy

	recon    *reconstruct.Reconstructor
	sender   *stream.Sender
	receiver *stream.Receiver

	lastPersist time.Time

	mu           sync.Mutex
	steps        uint64
	exports      uint64
	exportErrors uint64
	lastExport   *export.Result
}

// New opens the sensor and builds the core. A missing sensor is not an
// error: the session comes up disabled and only serves status.
func New(cfg Config) (*Session, error) {
	if cfg.Scan == nil {
		cfg.Scan = config.DefaultScanConfig()
	}
	if err := cfg.Scan.Validate(); err != nil {
		return nil, err
	}
	if cfg.Exporter == nil {
		return nil, fmt.Errorf("session requires an exporter")
	}
	if cfg.Self == "" {
		cfg.Self = stream.NewParticipantID()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Sensor == nil {
		cfg.Sensor = sensor.None{}
	}

	s := &Session{cfg: cfg, self: cfg.Self, clock: cfg.Clock}

	geom, err := sensor.OpenSession(cfg.Sensor, cfg.Scan.GetDownsample())
	if errors.Is(err, sensor.ErrNoSensor) {
		monitoring.Logf("[Session] %s: no depth sensor present, mesh core disabled", s.self)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open sensor: %w", err)
	}
	s.enabled = true
	s.geom = geom

	s.recon, err = reconstruct.New(geom, cfg.Sensor, cfg.Renderer)
	if err != nil {
		return nil, err
	}
	s.recon.SetClock(cfg.Clock)

	s.receiver = stream.NewReceiver(s.self, geom.Downsample, nil)
	s.receiver.SetClock(cfg.Clock)
	s.receiver.OnFirstContact = s.persistRemote

	if cfg.Transport != nil {
		var placement *stream.Placement
		if p, ok := cfg.Scan.GetPlacement(); ok {
			pl := stream.Placement(p)
			placement = &pl
		}
		var out stream.Transport = cfg.Transport
		if cfg.Recorder != nil {
			out = recordingTransport{Transport: cfg.Transport, rec: cfg.Recorder}
		}
		s.policy = stream.Policy(cfg.Scan.GetSendPolicy())
		s.sender, err = stream.NewSender(s.self, stream.SenderConfig{
			Geometry:  geom,
			RowBudget: cfg.Scan.GetRowBudget(),
			Interval:  cfg.Scan.GetSendInterval(),
			Policy:    s.policy,
			Placement: placement,
		}, out)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Store != nil {
		now := cfg.Clock.Now()
		if err := cfg.Store.UpsertParticipant(db.Participant{
			ID: s.self.String(), IsLocal: true,
			Width: geom.Width, Height: geom.Height, Downsample: geom.Downsample,
			FirstSeen: now, LastSeen: now,
		}); err != nil {
			monitoring.Logf("[Session] failed to record local participant: %v", err)
		}
	}

	monitoring.Logf("[Session] %s: geometry %s, grid %dx%d", s.self, geom, geom.GridWidth(), geom.GridHeight())
	return s, nil
}

// Self returns this node's participant id.
func (s *Session) Self() stream.ParticipantID { return s.self }

// Enabled reports whether a sensor was found at startup.
func (s *Session) Enabled() bool { return s.enabled }

// Geometry returns the session geometry (zero when disabled).
func (s *Session) Geometry() mesh.FrameGeometry { return s.geom }

// Run steps the session every tick interval until ctx is cancelled.
// Inbound batches and trigger events are handled as they arrive between
// ticks.
func (s *Session) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Scan.GetTickInterval())
	defer ticker.Stop()

	var deliveries <-chan stream.RowBatch
	if s.enabled && s.cfg.Transport != nil {
		deliveries = s.cfg.Transport.Deliveries()
	}

	for {
		select {
		case <-ctx.Done():
			s.persistRemotes(true)
			return ctx.Err()
		case <-ticker.C():
			if err := s.Step(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("[Session] tick: %v", err)
			}
		case b, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			s.apply(b)
		case ev := <-s.cfg.Triggers:
			s.handleTrigger(ev)
		}
	}
}

// Step runs one tick: apply pending inbound batches, rebuild the local
// mesh, send the next batch and serve pending triggers.
func (s *Session) Step(ctx context.Context) error {
	s.mu.Lock()
	s.steps++
	s.mu.Unlock()

	s.drainDeliveries()

	var errs []error
	if s.enabled {
		if err := s.recon.Tick(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reconstruct: %w", err))
		}
		if s.sender != nil {
			frame := s.recon.Frame()
			// A reconnecting transport drops the batch; the sender counts it.
			if _, err := s.sender.Tick(ctx, s.clock.Now(), frame); err != nil && !errors.Is(err, stream.ErrUnavailable) {
				errs = append(errs, fmt.Errorf("send: %w", err))
			}
		}
	}

	s.drainTriggers()
	s.persistRemotes(false)
	return errors.Join(errs...)
}

func (s *Session) drainDeliveries() {
	if !s.enabled || s.cfg.Transport == nil {
		return
	}
	ch := s.cfg.Transport.Deliveries()
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			s.apply(b)
		default:
			return
		}
	}
}

func (s *Session) drainTriggers() {
	for {
		select {
		case ev := <-s.cfg.Triggers:
			s.handleTrigger(ev)
		default:
			return
		}
	}
}

func (s *Session) apply(b stream.RowBatch) {
	if !s.enabled {
		return
	}
	if s.cfg.Recorder != nil && b.Sender != s.self {
		if err := s.cfg.Recorder.RecordBatch(nil, nil, b); err != nil {
			monitoring.Logf("[Session] capture: %v", err)
		}
	}
	// Rejections are counted and logged by the receiver.
	_ = s.receiver.Handle(b)
}

func (s *Session) handleTrigger(ev trigger.Event) {
	if _, err := s.Export(ev.Source, ev.Base); err != nil {
		monitoring.Logf("[Session] export from %s trigger failed: %v", ev.Source, err)
	}
}

// Export writes the local mesh and the last color frame. An empty base
// uses the configured export base name.
func (s *Session) Export(source, base string) (export.Result, error) {
	if !s.enabled {
		return export.Result{}, ErrDisabled
	}
	if base == "" {
		base = s.cfg.Scan.GetExportBase()
	}
	start := s.clock.Now()
	res, err := s.cfg.Exporter.Export(base, s.recon.Snapshot(), s.recon.ColorImage())

	s.mu.Lock()
	if err != nil {
		s.exportErrors++
	} else {
		s.exports++
		r := res
		s.lastExport = &r
	}
	s.mu.Unlock()
	if err != nil {
		return res, err
	}

	if s.cfg.Store != nil {
		rec := db.Export{
			Base: res.Base, OBJPath: res.OBJ, MTLPath: res.MTL,
			Vertices: res.Vertices, Faces: res.Faces, Textured: res.Texture,
			TriggerSource: source, CreatedAt: start,
			DurationMs: float64(s.clock.Since(start)) / float64(time.Millisecond),
		}
		if res.Texture {
			rec.JPEGPath = res.JPEG
		}
		if _, err := s.cfg.Store.RecordExport(rec); err != nil {
			monitoring.Logf("[Session] failed to record export %s: %v", res.Base, err)
		}
	}
	return res, nil
}

func (s *Session) persistRemote(info stream.RemoteInfo) {
	if s.cfg.Store == nil {
		return
	}
	p := db.Participant{
		ID:           info.ID.String(),
		Width:        info.Geometry.Width,
		Height:       info.Geometry.Height,
		Downsample:   info.Geometry.Downsample,
		FirstSeen:    info.FirstSeen,
		LastSeen:     info.LastSeen,
		Batches:      info.Batches,
		RowsReceived: info.Rows,
		LastSeq:      info.LastSeq,
	}
	if info.Placement != nil {
		pl := [3]float32(*info.Placement)
		p.Placement = &pl
	}
	if err := s.cfg.Store.UpsertParticipant(p); err != nil {
		monitoring.Logf("[Session] failed to record participant %s: %v", info.ID, err)
	}
}

func (s *Session) persistRemotes(force bool) {
	if s.cfg.Store == nil || !s.enabled {
		return
	}
	now := s.clock.Now()
	if !force && now.Sub(s.lastPersist) < persistInterval {
		return
	}
	s.lastPersist = now
	for _, info := range s.receiver.Registry().List() {
		s.persistRemote(info)
	}
}

// Participants lists every remote sender seen so far.
func (s *Session) Participants() []stream.RemoteInfo {
	if !s.enabled {
		return nil
	}
	return s.receiver.Registry().List()
}

// Mesh returns a snapshot of the local mesh (id LocalID or this node's
// id) or of a remote sender's mesh in its own coordinates.
func (s *Session) Mesh(id string) (*mesh.Buffer, bool) {
	if !s.enabled {
		return nil, false
	}
	if id == LocalID || id == s.self.String() {
		return s.recon.Snapshot(), true
	}
	pid, err := stream.ParseParticipantID(id)
	if err != nil {
		return nil, false
	}
	m, ok := s.receiver.Registry().Get(pid)
	if !ok {
		return nil, false
	}
	return m.Snapshot(), true
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	st := Status{Self: s.self, Enabled: s.enabled, Geometry: s.geom, Policy: s.policy}
	if s.enabled {
		st.Reconstruct = s.recon.Stats()
		st.Receiver = s.receiver.Stats()
		st.Remotes = s.receiver.Registry().Len()
	}
	if s.sender != nil {
		st.Sender = s.sender.Stats()
		st.CurrentRow = s.sender.CurrentRow()
	}
	s.mu.Lock()
	st.Steps = s.steps
	st.Exports = s.exports
	st.ExportErrors = s.exportErrors
	st.LastExport = s.lastExport
	s.mu.Unlock()
	return st
}

// recordingTransport captures outbound batches before broadcasting them.
type recordingTransport struct {
	stream.Transport
	rec BatchRecorder
}

func (t recordingTransport) Broadcast(ctx context.Context, b stream.RowBatch) error {
	if err := t.rec.RecordBatch(nil, nil, b); err != nil {
		monitoring.Logf("[Session] capture: %v", err)
	}
	return t.Transport.Broadcast(ctx, b)
}
