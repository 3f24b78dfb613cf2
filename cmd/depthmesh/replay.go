package main

import (
	"context"
	"fmt"
	"log"

	"github.com/banshee-data/depthmesh/internal/config"
	"github.com/banshee-data/depthmesh/internal/export"
	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/security"
	"github.com/banshee-data/depthmesh/internal/stream"
	"github.com/banshee-data/depthmesh/internal/stream/capture"
)

// replaySelf never matches a real sender, so every captured participant
// is reconstructed.
const replaySelf stream.ParticipantID = "replay"

// runReplay feeds a pcap capture through a fresh receiver and exports
// each reconstructed remote mesh, with its placement applied, as
// <base>-<participant>.
func runReplay(ctx context.Context, fsys fsutil.FileSystem, scan *config.ScanConfig, path, base string) ([]export.Result, error) {
	receiver := stream.NewReceiver(replaySelf, scan.GetDownsample(), nil)
	stats, err := capture.ReplayFile(ctx, fsys, path, 0, receiver.Handle)
	if err != nil {
		return nil, err
	}
	log.Printf("replayed %s: %d packets, %d batches, %d malformed, %d rejected",
		path, stats.Packets, stats.Batches, stats.Malformed, stats.Rejected)

	exporter := export.New(fsys, export.Options{
		Dir:         scan.GetExportDir(),
		JPEGQuality: scan.GetJPEGQuality(),
		Atomic:      scan.GetExportAtomic(),
	})

	var results []export.Result
	for _, info := range receiver.Registry().List() {
		remote, ok := receiver.Registry().Get(info.ID)
		if !ok {
			continue
		}
		name := security.SanitizeFilename(fmt.Sprintf("%s-%s", base, info.ID))
		res, err := exporter.Export(name, remote.PlacedSnapshot(), nil)
		if err != nil {
			return results, fmt.Errorf("export %s: %w", info.ID, err)
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		log.Printf("no participants found in %s", path)
	}
	return results, nil
}
