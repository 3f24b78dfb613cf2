package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/depthmesh/internal/config"
	"github.com/banshee-data/depthmesh/internal/db"
	"github.com/banshee-data/depthmesh/internal/export"
	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/monitor"
	"github.com/banshee-data/depthmesh/internal/sensor"
	"github.com/banshee-data/depthmesh/internal/session"
	"github.com/banshee-data/depthmesh/internal/stream"
	"github.com/banshee-data/depthmesh/internal/stream/capture"
	"github.com/banshee-data/depthmesh/internal/stream/relay"
	"github.com/banshee-data/depthmesh/internal/stream/udp"
	"github.com/banshee-data/depthmesh/internal/trigger"
	"github.com/banshee-data/depthmesh/internal/version"
	"go.bug.st/serial"
)

var (
	configPath   = flag.String("config", "", "Path to scan config JSON (built-in defaults when empty)")
	participant  = flag.String("id", "", "Participant id (random when empty)")
	transport    = flag.String("transport", "udp", "Row transport: udp, relay or none")
	listen       = flag.String("listen", fmt.Sprintf(":%d", udp.DefaultPort), "UDP listen address")
	peers        = flag.String("peers", "", "Comma-separated host:port list of UDP peers")
	relayTarget  = flag.String("relay", "localhost:7421", "Relay hub address for -transport=relay")
	relayServe   = flag.String("relay-serve", "", "Also run a relay hub on this address")
	sensorKind   = flag.String("sensor", "synthetic", "Depth sensor: synthetic or none")
	seed         = flag.Int64("seed", 1, "Synthetic sensor seed")
	dbPath       = flag.String("db", "depthmesh.db", "Session database path (empty disables)")
	serialPath   = flag.String("serial", "", "Serial port of the export button (disabled when empty)")
	serialBaud   = flag.Int("serial-baud", 9600, "Export button baud rate")
	capturePath  = flag.String("capture", "", "Record row batches to this pcap file")
	replayPath   = flag.String("replay", "", "Replay a pcap capture, export every remote mesh, then exit")
	monitorAddr  = flag.String("monitor", ":8080", "HTTP monitor listen address (empty disables)")
	triggerURL   = flag.String("trigger", "", "Ask the monitor at this URL to export, then exit")
	exportBase   = flag.String("base", "", "Export base name for -trigger and -replay")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
	migrateCmd   = flag.String("migrate", "", "Apply a schema migration (up, down or status) to -db and exit")
	logInterval  = flag.Duration("log-interval", time.Minute, "UDP forwarder stats interval")
	udpQueueSize = flag.Int("udp-queue", 256, "UDP send queue length")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *migrateCmd != "" {
		if *dbPath == "" {
			log.Fatal("-migrate requires -db")
		}
		if err := db.RunMigrate(*dbPath, *migrateCmd, os.Stdout); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		return
	}

	if *triggerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runTrigger(ctx, http.DefaultClient, *triggerURL, *exportBase); err != nil {
			log.Fatalf("trigger failed: %v", err)
		}
		return
	}

	scan, err := loadScanConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *replayPath != "" {
		base := *exportBase
		if base == "" {
			base = scan.GetExportBase()
		}
		results, err := runReplay(ctx, fsutil.OSFileSystem{}, scan, *replayPath, base)
		if err != nil {
			log.Fatalf("replay failed: %v", err)
		}
		for _, r := range results {
			log.Printf("exported %s (%d vertices, %d faces)", r.OBJ, r.Vertices, r.Faces)
		}
		return
	}

	log.Printf("starting %s", version.String())

	self := stream.NewParticipantID()
	if *participant != "" {
		if self, err = stream.ParseParticipantID(*participant); err != nil {
			log.Fatalf("invalid participant id: %v", err)
		}
	}

	if err := checkTransport(*transport, scan); err != nil {
		log.Fatal(err)
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
	}

	var recorder *capture.Recorder
	if *capturePath != "" {
		recorder, err = capture.Create(fsutil.OSFileSystem{}, *capturePath, nil)
		if err != nil {
			log.Fatalf("failed to create capture: %v", err)
		}
		defer recorder.Close()
		log.Printf("recording row batches to %s", *capturePath)
	}

	var relayHub *relay.Server
	if *relayServe != "" {
		relayHub = relay.NewServer(0)
		if err := relayHub.Start(*relayServe); err != nil {
			log.Fatalf("failed to start relay hub: %v", err)
		}
		defer relayHub.Stop()
	}

	var wg sync.WaitGroup

	cfg := session.Config{
		Self:     self,
		Scan:     scan,
		Sensor:   newSensor(*sensorKind, *seed),
		Exporter: newExporter(scan),
		Store:    store,
	}

	switch *transport {
	case "udp":
		ucfg := udp.Config{
			Self:        self,
			Listen:      *listen,
			Peers:       splitList(*peers),
			QueueSize:   *udpQueueSize,
			LogInterval: *logInterval,
		}
		if recorder != nil {
			ucfg.Tap = recorder
		}
		t, err := udp.New(ucfg)
		if err != nil {
			log.Fatalf("failed to open UDP transport: %v", err)
		}
		defer t.Close()
		t.Start(ctx)
		cfg.Transport = t
	case "relay":
		c, err := relay.Dial(*relayTarget, self)
		if err != nil {
			log.Fatalf("failed to connect to relay: %v", err)
		}
		defer c.Close()
		cfg.Transport = c
		if recorder != nil {
			cfg.Recorder = recorder
		}
	}

	bus := trigger.NewBus()
	cfg.Triggers = bus.Events()

	var button *trigger.SerialButton[serial.Port]
	if *serialPath != "" {
		button, err = trigger.OpenSerialButton(*serialPath, trigger.PortOptions{BaudRate: *serialBaud}, bus)
		if err != nil {
			log.Fatalf("failed to open export button: %v", err)
		}
		defer button.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := button.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("export button monitor failed: %v", err)
			}
			log.Print("button routine terminated")
		}()
	}

	sess, err := session.New(cfg)
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	log.Printf("participant %s, geometry %s, enabled=%v", sess.Self(), sess.Geometry(), sess.Enabled())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("session stopped: %v", err)
		}
		log.Print("session routine terminated")
	}()

	if *monitorAddr != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:   *monitorAddr,
			Source:    sess,
			Store:     store,
			Bus:       bus,
			ExportDir: scan.GetExportDir(),
			FS:        fsutil.OSFileSystem{},
		})
		if store != nil {
			store.AttachAdminRoutes(ws.Mux())
		}
		if button != nil {
			button.AttachAdminRoutes(ws.Mux())
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("monitor server error: %v", err)
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func loadScanConfig(path string) (*config.ScanConfig, error) {
	if path == "" {
		return config.DefaultScanConfig(), nil
	}
	return config.LoadScanConfig(path)
}

// checkTransport rejects transport and policy combinations that cannot
// work before any socket is opened.
func checkTransport(kind string, scan *config.ScanConfig) error {
	switch kind {
	case "udp":
		if scan.GetSendPolicy() == string(stream.PolicyFrame) {
			return fmt.Errorf("send policy %q does not fit in a UDP datagram; use -transport=relay", stream.PolicyFrame)
		}
	case "relay", "none":
	default:
		return fmt.Errorf("unknown transport %q (want udp, relay or none)", kind)
	}
	return nil
}

func newSensor(kind string, seed int64) sensor.Sensor {
	if kind == "synthetic" {
		return sensor.NewSynthetic(seed)
	}
	if kind != "none" {
		log.Printf("unknown sensor %q, running without one", kind)
	}
	return sensor.None{}
}

func newExporter(scan *config.ScanConfig) *export.Exporter {
	return export.New(fsutil.OSFileSystem{}, export.Options{
		Dir:         scan.GetExportDir(),
		JPEGQuality: scan.GetJPEGQuality(),
		Atomic:      scan.GetExportAtomic(),
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runTrigger(ctx context.Context, client *http.Client, baseURL, base string) error {
	resp, err := monitor.NewClient(client, baseURL).TriggerExport(ctx, base)
	if err != nil {
		return err
	}
	if !resp.Queued {
		log.Printf("export already pending")
		return nil
	}
	fmt.Fprintf(os.Stdout, "export queued as %q\n", resp.Base)
	return nil
}
