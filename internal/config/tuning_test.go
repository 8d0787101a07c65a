package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	assert.Equal(t, 12, cfg.GetInferFPS())
	assert.Equal(t, 0.30, cfg.GetConfidence())
	assert.Equal(t, 0.45, cfg.GetIOU())
	assert.Equal(t, 300, cfg.GetMaxDetections())
	assert.Equal(t, 30, cfg.GetTrackerMaxAge())
	assert.Equal(t, 25.0, cfg.GetAssumedFPS())
	assert.Equal(t, 50.0, cfg.GetPixelsPerMeter())
	assert.Equal(t, 75, cfg.GetJPEGQuality())
	assert.Equal(t, 960, cfg.GetFrameResizeWidth())
	assert.Equal(t, 15, cfg.GetBroadcastFPS())
	assert.Equal(t, 5, cfg.GetMetaEveryN())
	assert.Equal(t, 60, cfg.GetPersistInterval())
}

func TestNilReceiverDefaults(t *testing.T) {
	var cfg *TuningConfig
	assert.Equal(t, 12, cfg.GetInferFPS())
	assert.Equal(t, 50.0, cfg.GetPixelsPerMeter())
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{"infer_fps": 24, "pixels_per_meter": 80.0}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 24, cfg.GetInferFPS())
	assert.Equal(t, 80.0, cfg.GetPixelsPerMeter())
	// untouched fields keep defaults
	assert.Equal(t, 15, cfg.GetBroadcastFPS())
}

func TestLoadRejectsNonJSON(t *testing.T) {
	path := writeConfig(t, "tuning.yaml", "infer_fps: 24")
	_, err := LoadTuningConfig(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero fps", `{"infer_fps": 0}`},
		{"confidence over 1", `{"confidence": 1.5}`},
		{"negative ppm", `{"pixels_per_meter": -2}`},
		{"quality over 100", `{"jpeg_quality": 101}`},
		{"zero meta cadence", `{"meta_every_n": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "tuning.json", tt.body)
			_, err := LoadTuningConfig(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
