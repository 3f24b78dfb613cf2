package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/scan.defaults.json"

// Send policies for the row streamer.
const (
	SendPolicyRows  = "rows"  // round-robin sweep of RowBudget rows per send
	SendPolicyFrame = "frame" // whole frame in one message per interval
)

// ScanConfig holds the session parameters. Fields omitted from the JSON
// keep nil and the Get* accessors supply the defaults, so partial files
// are safe.
type ScanConfig struct {
	// Reconstruction
	Downsample   *int    `json:"downsample,omitempty"`
	TickInterval *string `json:"tick_interval,omitempty"` // duration string like "33ms"

	// Row streaming
	RowBudget    *int        `json:"row_budget,omitempty"`
	SendInterval *string     `json:"send_interval,omitempty"` // duration string like "10ms"
	SendPolicy   *string     `json:"send_policy,omitempty"`   // "rows" or "frame"
	Placement    *[3]float32 `json:"placement,omitempty"`     // applied by receivers on first contact

	// Export
	ExportDir    *string `json:"export_dir,omitempty"`
	ExportBase   *string `json:"export_base,omitempty"`
	ExportAtomic *bool   `json:"export_atomic,omitempty"`
	JPEGQuality  *int    `json:"jpeg_quality,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyScanConfig returns a config with every field unset.
func EmptyScanConfig() *ScanConfig {
	return &ScanConfig{}
}

// LoadScanConfig reads a JSON config file. The path must have a .json
// extension and the file must be under 1MB.
func LoadScanConfig(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyScanConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working
// directory or one of its parents. It panics if not found; intended for
// tests.
func MustLoadDefaultConfig() *ScanConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadScanConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *ScanConfig) Validate() error {
	if c.Downsample != nil && *c.Downsample < 1 {
		return fmt.Errorf("downsample must be >= 1, got %d", *c.Downsample)
	}
	if c.RowBudget != nil && *c.RowBudget < 1 {
		return fmt.Errorf("row_budget must be >= 1, got %d", *c.RowBudget)
	}
	if c.RowBudget != nil && c.GetRowBudget()%c.GetDownsample() != 0 {
		return fmt.Errorf("row_budget %d must be a multiple of downsample %d", c.GetRowBudget(), c.GetDownsample())
	}
	for name, v := range map[string]*string{
		"tick_interval": c.TickInterval,
		"send_interval": c.SendInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *v)
		}
	}
	if c.SendPolicy != nil {
		switch *c.SendPolicy {
		case SendPolicyRows, SendPolicyFrame:
		default:
			return fmt.Errorf("send_policy must be %q or %q, got %q", SendPolicyRows, SendPolicyFrame, *c.SendPolicy)
		}
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	if c.ExportBase != nil && (*c.ExportBase == "" || filepath.Base(*c.ExportBase) != *c.ExportBase) {
		return fmt.Errorf("export_base must be a bare file name, got %q", *c.ExportBase)
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetDownsample returns the downsample factor or the default (2).
func (c *ScanConfig) GetDownsample() int {
	if c.Downsample == nil {
		return 2
	}
	return *c.Downsample
}

// GetTickInterval returns the reconstruction tick period or the default (33ms).
func (c *ScanConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, 33*time.Millisecond)
}

// GetRowBudget returns the rows per message or the default (10).
func (c *ScanConfig) GetRowBudget() int {
	if c.RowBudget == nil {
		return 10
	}
	return *c.RowBudget
}

// GetSendInterval returns the send cadence or the default (10ms).
func (c *ScanConfig) GetSendInterval() time.Duration {
	return parseDurationOr(c.SendInterval, 10*time.Millisecond)
}

// GetSendPolicy returns the send policy or the default ("rows").
func (c *ScanConfig) GetSendPolicy() string {
	if c.SendPolicy == nil {
		return SendPolicyRows
	}
	return *c.SendPolicy
}

// GetPlacement returns the placement and whether one is configured.
func (c *ScanConfig) GetPlacement() ([3]float32, bool) {
	if c.Placement == nil {
		return [3]float32{}, false
	}
	return *c.Placement, true
}

// GetExportDir returns the export directory or the default (".").
func (c *ScanConfig) GetExportDir() string {
	if c.ExportDir == nil || *c.ExportDir == "" {
		return "."
	}
	return *c.ExportDir
}

// GetExportBase returns the export file base name or the default ("scan").
func (c *ScanConfig) GetExportBase() string {
	if c.ExportBase == nil {
		return "scan"
	}
	return *c.ExportBase
}

// GetExportAtomic returns whether exports go through temp files.
func (c *ScanConfig) GetExportAtomic() bool {
	if c.ExportAtomic == nil {
		return false
	}
	return *c.ExportAtomic
}

// GetJPEGQuality returns the snapshot JPEG quality or the default (90).
func (c *ScanConfig) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 90
	}
	return *c.JPEGQuality
}

// DefaultScanConfig returns a config with every field populated from
// the built-in defaults.
func DefaultScanConfig() *ScanConfig {
	empty := EmptyScanConfig()
	return &ScanConfig{
		Downsample:   ptrInt(empty.GetDownsample()),
		TickInterval: ptrString(empty.GetTickInterval().String()),
		RowBudget:    ptrInt(empty.GetRowBudget()),
		SendInterval: ptrString(empty.GetSendInterval().String()),
		SendPolicy:   ptrString(empty.GetSendPolicy()),
		ExportDir:    ptrString(empty.GetExportDir()),
		ExportBase:   ptrString(empty.GetExportBase()),
		ExportAtomic: ptrBool(empty.GetExportAtomic()),
		JPEGQuality:  ptrInt(empty.GetJPEGQuality()),
	}
}
