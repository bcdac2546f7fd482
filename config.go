package farm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TimingPreset names one of the three canned cadence profiles a node
// can run with. Custom lets the operator specify every field.
type TimingPreset string

const (
	TimingLocalNAS TimingPreset = "LocalNAS"
	TimingCloudFS  TimingPreset = "CloudFS"
	TimingCustom   TimingPreset = "Custom"
)

// Timing holds the cadence knobs that drive the heartbeat manager and
// the dispatch manager's dead/stale-worker math.
type Timing struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	ScanIntervalMs      int `yaml:"scan_interval_ms"`
	// ClaimSettleMs is reserved for the unused jobs/{id}/claims/
	// directory (spec.md §3); no component reads it today.
	ClaimSettleMs     int `yaml:"claim_settle_ms"`
	DeadThresholdScans int `yaml:"dead_threshold_scans"`
}

// timingPresets gives the two named presets' concrete values, per
// spec.md §6: LocalNAS -> ~9s death, CloudFS -> ~20s death.
var timingPresets = map[TimingPreset]Timing{
	TimingLocalNAS: {HeartbeatIntervalMs: 5000, ScanIntervalMs: 3000, ClaimSettleMs: 3000, DeadThresholdScans: 3},
	TimingCloudFS:  {HeartbeatIntervalMs: 10000, ScanIntervalMs: 5000, ClaimSettleMs: 5000, DeadThresholdScans: 4},
}

// Config is the per-node configuration, persisted outside the shared
// farm tree (spec.md §6).
type Config struct {
	SyncRoot         string       `yaml:"sync_root"`
	TimingPresetName TimingPreset `yaml:"timing_preset"`
	Timing           Timing       `yaml:"timing"`
	Tags             []string     `yaml:"tags"`
	IsCoordinator    bool         `yaml:"is_coordinator"`
	AutoStartAgent   bool         `yaml:"auto_start_agent"`
	ShowNotifications bool        `yaml:"show_notifications"`
	FontScale        float64      `yaml:"font_scale"`
}

// DefaultConfig returns a Config seeded with the LocalNAS preset.
func DefaultConfig(syncRoot string) Config {
	return Config{
		SyncRoot:          syncRoot,
		TimingPresetName:  TimingLocalNAS,
		Timing:            timingPresets[TimingLocalNAS],
		AutoStartAgent:    true,
		ShowNotifications: true,
		FontScale:         1.0,
	}
}

// ResolveTiming returns c.Timing if the preset is Custom, or the
// canned values for a named preset.
func (c Config) ResolveTiming() Timing {
	if c.TimingPresetName == TimingCustom {
		return c.Timing
	}
	if t, ok := timingPresets[c.TimingPresetName]; ok {
		return t
	}
	return timingPresets[TimingLocalNAS]
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// SaveConfig atomically writes c as YAML to path.
func SaveConfig(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return WriteText(path, string(b))
}
