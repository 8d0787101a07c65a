// Package config loads and validates the pipeline tuning parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TuningConfig represents the root configuration for pipeline tuning. All
// fields are optional pointers so a partial JSON file only overrides what it
// names; the Get* accessors supply defaults for everything else.
type TuningConfig struct {
	// Inference params
	InferFPS      *int     `json:"infer_fps,omitempty"`      // target processing rate (adaptive)
	Confidence    *float64 `json:"confidence,omitempty"`     // detector confidence threshold
	IOU           *float64 `json:"iou,omitempty"`            // detector NMS overlap threshold
	MaxDetections *int     `json:"max_detections,omitempty"` // per-frame detection cap

	// Tracker params
	TrackerMaxAge  *int     `json:"tracker_max_age,omitempty"` // frames before a stale track is evicted
	AssumedFPS     *float64 `json:"assumed_fps,omitempty"`     // calibration: stream frame rate
	PixelsPerMeter *float64 `json:"pixels_per_meter,omitempty"`

	// Encoding params
	JPEGQuality      *int `json:"jpeg_quality,omitempty"`
	FrameResizeWidth *int `json:"frame_resize_width,omitempty"` // downscale bound before encode

	// Delivery params
	BroadcastFPS *int `json:"broadcast_fps,omitempty"` // websocket fanout rate
	MetaEveryN   *int `json:"meta_every_n,omitempty"`  // metadata included every Nth payload

	// Persistence params
	PersistInterval *int `json:"persist_interval,omitempty"` // frames between counter store writes
}

// Defaults. Calibration values are fixed approximations, not derived from
// camera geometry; speeds computed from them are approximate by construction.
const (
	defaultInferFPS         = 12
	defaultConfidence       = 0.30
	defaultIOU              = 0.45
	defaultMaxDetections    = 300
	defaultTrackerMaxAge    = 30
	defaultAssumedFPS       = 25.0
	defaultPixelsPerMeter   = 50.0
	defaultJPEGQuality      = 75
	defaultFrameResizeWidth = 960
	defaultBroadcastFPS     = 15
	defaultMetaEveryN       = 5
	defaultPersistInterval  = 60
)

// EmptyTuningConfig returns a TuningConfig with all fields unset, so every
// accessor falls back to its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under the max file size. Fields omitted from the
// JSON retain their defaults, so partial configs are safe.
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

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that every set field is within a sane range.
func (c *TuningConfig) Validate() error {
	if c.InferFPS != nil && (*c.InferFPS < 1 || *c.InferFPS > 120) {
		return fmt.Errorf("infer_fps must be in [1, 120], got %d", *c.InferFPS)
	}
	if c.Confidence != nil && (*c.Confidence <= 0 || *c.Confidence > 1) {
		return fmt.Errorf("confidence must be in (0, 1], got %v", *c.Confidence)
	}
	if c.IOU != nil && (*c.IOU <= 0 || *c.IOU > 1) {
		return fmt.Errorf("iou must be in (0, 1], got %v", *c.IOU)
	}
	if c.MaxDetections != nil && *c.MaxDetections < 1 {
		return fmt.Errorf("max_detections must be positive, got %d", *c.MaxDetections)
	}
	if c.TrackerMaxAge != nil && *c.TrackerMaxAge < 1 {
		return fmt.Errorf("tracker_max_age must be positive, got %d", *c.TrackerMaxAge)
	}
	if c.AssumedFPS != nil && *c.AssumedFPS <= 0 {
		return fmt.Errorf("assumed_fps must be positive, got %v", *c.AssumedFPS)
	}
	if c.PixelsPerMeter != nil && *c.PixelsPerMeter <= 0 {
		return fmt.Errorf("pixels_per_meter must be positive, got %v", *c.PixelsPerMeter)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be in [1, 100], got %d", *c.JPEGQuality)
	}
	if c.FrameResizeWidth != nil && *c.FrameResizeWidth < 64 {
		return fmt.Errorf("frame_resize_width must be at least 64, got %d", *c.FrameResizeWidth)
	}
	if c.BroadcastFPS != nil && (*c.BroadcastFPS < 1 || *c.BroadcastFPS > 120) {
		return fmt.Errorf("broadcast_fps must be in [1, 120], got %d", *c.BroadcastFPS)
	}
	if c.MetaEveryN != nil && *c.MetaEveryN < 1 {
		return fmt.Errorf("meta_every_n must be positive, got %d", *c.MetaEveryN)
	}
	if c.PersistInterval != nil && *c.PersistInterval < 1 {
		return fmt.Errorf("persist_interval must be positive, got %d", *c.PersistInterval)
	}
	return nil
}

func (c *TuningConfig) GetInferFPS() int {
	if c != nil && c.InferFPS != nil {
		return *c.InferFPS
	}
	return defaultInferFPS
}

func (c *TuningConfig) GetConfidence() float64 {
	if c != nil && c.Confidence != nil {
		return *c.Confidence
	}
	return defaultConfidence
}

func (c *TuningConfig) GetIOU() float64 {
	if c != nil && c.IOU != nil {
		return *c.IOU
	}
	return defaultIOU
}

func (c *TuningConfig) GetMaxDetections() int {
	if c != nil && c.MaxDetections != nil {
		return *c.MaxDetections
	}
	return defaultMaxDetections
}

func (c *TuningConfig) GetTrackerMaxAge() int {
	if c != nil && c.TrackerMaxAge != nil {
		return *c.TrackerMaxAge
	}
	return defaultTrackerMaxAge
}

func (c *TuningConfig) GetAssumedFPS() float64 {
	if c != nil && c.AssumedFPS != nil {
		return *c.AssumedFPS
	}
	return defaultAssumedFPS
}

func (c *TuningConfig) GetPixelsPerMeter() float64 {
	if c != nil && c.PixelsPerMeter != nil {
		return *c.PixelsPerMeter
	}
	return defaultPixelsPerMeter
}

func (c *TuningConfig) GetJPEGQuality() int {
	if c != nil && c.JPEGQuality != nil {
		return *c.JPEGQuality
	}
	return defaultJPEGQuality
}

func (c *TuningConfig) GetFrameResizeWidth() int {
	if c != nil && c.FrameResizeWidth != nil {
		return *c.FrameResizeWidth
	}
	return defaultFrameResizeWidth
}

func (c *TuningConfig) GetBroadcastFPS() int {
	if c != nil && c.BroadcastFPS != nil {
		return *c.BroadcastFPS
	}
	return defaultBroadcastFPS
}

func (c *TuningConfig) GetMetaEveryN() int {
	if c != nil && c.MetaEveryN != nil {
		return *c.MetaEveryN
	}
	return defaultMetaEveryN
}

func (c *TuningConfig) GetPersistInterval() int {
	if c != nil && c.PersistInterval != nil {
		return *c.PersistInterval
	}
	return defaultPersistInterval
}
