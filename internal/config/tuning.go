// Package config loads and validates the kestrel tuning configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/params endpoint so the same JSON can be used
// for both startup configuration and runtime updates.
type TuningConfig struct {
	// Tracker params
	MinIoU           *float64 `json:"min_iou,omitempty"`
	AllowCrossClass  *bool    `json:"allow_cross_class,omitempty"`
	HitsToConfirm    *int     `json:"hits_to_confirm,omitempty"`
	MaxMisses        *int     `json:"max_misses,omitempty"`
	LostGraceFrames  *int     `json:"lost_grace_frames,omitempty"`
	MaxTracks        *int     `json:"max_tracks,omitempty"`
	MaxHistoryLength *int     `json:"max_history_length,omitempty"`

	// Behaviour classifier params
	WindowSize    *int     `json:"window_size,omitempty"`
	DebounceCount *int     `json:"debounce_count,omitempty"`
	EnabledRules  []string `json:"enabled_rules,omitempty"`

	// Per-rule params
	LoiterFrameLimit   *int     `json:"loiter_frame_limit,omitempty"`
	ZoneX              *float64 `json:"zone_x,omitempty"`
	ZoneY              *float64 `json:"zone_y,omitempty"`
	ZoneW              *float64 `json:"zone_w,omitempty"`
	ZoneH              *float64 `json:"zone_h,omitempty"`
	ZoneFrameLimit     *int     `json:"zone_frame_limit,omitempty"`
	ErraticSpeedStddev *float64 `json:"erratic_speed_stddev,omitempty"`

	// Pipeline params
	QueueDepth *int `json:"queue_depth,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/vision/track/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Non-positive
// thresholds are rejected here, before any frame is processed.
func (c *TuningConfig) Validate() error {
	if c.MinIoU != nil {
		if *c.MinIoU <= 0 || *c.MinIoU > 1 {
			return fmt.Errorf("min_iou must be in (0, 1], got %f", *c.MinIoU)
		}
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm <= 0 {
		return fmt.Errorf("hits_to_confirm must be positive, got %d", *c.HitsToConfirm)
	}
	if c.MaxMisses != nil && *c.MaxMisses <= 0 {
		return fmt.Errorf("max_misses must be positive, got %d", *c.MaxMisses)
	}
	if c.LostGraceFrames != nil && *c.LostGraceFrames <= 0 {
		return fmt.Errorf("lost_grace_frames must be positive, got %d", *c.LostGraceFrames)
	}
	if c.MaxTracks != nil && *c.MaxTracks <= 0 {
		return fmt.Errorf("max_tracks must be positive, got %d", *c.MaxTracks)
	}
	if c.MaxHistoryLength != nil && *c.MaxHistoryLength <= 0 {
		return fmt.Errorf("max_history_length must be positive, got %d", *c.MaxHistoryLength)
	}
	if c.WindowSize != nil && *c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.DebounceCount != nil && *c.DebounceCount <= 0 {
		return fmt.Errorf("debounce_count must be positive, got %d", *c.DebounceCount)
	}
	if c.LoiterFrameLimit != nil && *c.LoiterFrameLimit <= 0 {
		return fmt.Errorf("loiter_frame_limit must be positive, got %d", *c.LoiterFrameLimit)
	}
	if c.ZoneFrameLimit != nil && *c.ZoneFrameLimit <= 0 {
		return fmt.Errorf("zone_frame_limit must be positive, got %d", *c.ZoneFrameLimit)
	}
	if (c.ZoneW != nil && *c.ZoneW < 0) || (c.ZoneH != nil && *c.ZoneH < 0) {
		return fmt.Errorf("zone dimensions must be non-negative")
	}
	if c.ErraticSpeedStddev != nil && *c.ErraticSpeedStddev <= 0 {
		return fmt.Errorf("erratic_speed_stddev must be positive, got %f", *c.ErraticSpeedStddev)
	}
	if c.QueueDepth != nil {
		if *c.QueueDepth < 1 || *c.QueueDepth > 2 {
			return fmt.Errorf("queue_depth must be 1 or 2, got %d", *c.QueueDepth)
		}
	}
	for _, rule := range c.EnabledRules {
		switch rule {
		case "loiter", "zone", "erratic":
		default:
			return fmt.Errorf("unknown rule %q in enabled_rules", rule)
		}
	}
	return nil
}

// GetMinIoU returns the min_iou value or the default.
func (c *TuningConfig) GetMinIoU() float64 {
	if c.MinIoU == nil {
		return 0.1 // default
	}
	return *c.MinIoU
}

// GetAllowCrossClass returns the allow_cross_class value or the default.
func (c *TuningConfig) GetAllowCrossClass() bool {
	if c.AllowCrossClass == nil {
		return false // default: class mismatch is unmatchable
	}
	return *c.AllowCrossClass
}

// GetHitsToConfirm returns the hits_to_confirm value or the default.
func (c *TuningConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 3
	}
	return *c.HitsToConfirm
}

// GetMaxMisses returns the max_misses value or the default.
func (c *TuningConfig) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return 5
	}
	return *c.MaxMisses
}

// GetLostGraceFrames returns the lost_grace_frames value or the default.
func (c *TuningConfig) GetLostGraceFrames() int {
	if c.LostGraceFrames == nil {
		return 30
	}
	return *c.LostGraceFrames
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 100
	}
	return *c.MaxTracks
}

// GetMaxHistoryLength returns the max_history_length value or the default.
func (c *TuningConfig) GetMaxHistoryLength() int {
	if c.MaxHistoryLength == nil {
		return 600
	}
	return *c.MaxHistoryLength
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 90
	}
	return *c.WindowSize
}

// GetDebounceCount returns the debounce_count value or the default.
func (c *TuningConfig) GetDebounceCount() int {
	if c.DebounceCount == nil {
		return 3
	}
	return *c.DebounceCount
}

// GetEnabledRules returns the enabled_rules value or the default.
func (c *TuningConfig) GetEnabledRules() []string {
	if c.EnabledRules == nil {
		return []string{"loiter"}
	}
	return c.EnabledRules
}

// GetLoiterFrameLimit returns the loiter_frame_limit value or the default.
func (c *TuningConfig) GetLoiterFrameLimit() int {
	if c.LoiterFrameLimit == nil {
		return 60
	}
	return *c.LoiterFrameLimit
}

// GetZone returns the configured restricted zone (x, y, w, h) or the default
// empty zone at the origin.
func (c *TuningConfig) GetZone() (x, y, w, h float64) {
	if c.ZoneX != nil {
		x = *c.ZoneX
	}
	if c.ZoneY != nil {
		y = *c.ZoneY
	}
	if c.ZoneW != nil {
		w = *c.ZoneW
	}
	if c.ZoneH != nil {
		h = *c.ZoneH
	}
	return x, y, w, h
}

// GetZoneFrameLimit returns the zone_frame_limit value or the default.
func (c *TuningConfig) GetZoneFrameLimit() int {
	if c.ZoneFrameLimit == nil {
		return 30
	}
	return *c.ZoneFrameLimit
}

// GetErraticSpeedStddev returns the erratic_speed_stddev value or the default.
func (c *TuningConfig) GetErraticSpeedStddev() float64 {
	if c.ErraticSpeedStddev == nil {
		return 40.0 // pixels/sec standard deviation
	}
	return *c.ErraticSpeedStddev
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *TuningConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 2
	}
	return *c.QueueDepth
}
