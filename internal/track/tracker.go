package track

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/kerbside-data/traffic.watch/internal/detect"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
)

// Tracker maintains the track_id → Track mapping, ages out stale tracks, and
// computes per-track kinematics. A track_id maps to at most one Track at any
// time.
type Tracker struct {
	mu             sync.Mutex
	tracks         map[int64]*Track
	fps            float64
	pixelsPerMeter float64
	maxAge         int64
}

// NewTracker creates a tracker with the given staleness limit and
// calibration. fps is the assumed stream frame rate and pixelsPerMeter the
// scene calibration; both are fixed approximations, so derived speeds are
// approximate by construction.
func NewTracker(maxAge int, fps, pixelsPerMeter float64) *Tracker {
	return &Tracker{
		tracks:         make(map[int64]*Track),
		fps:            fps,
		pixelsPerMeter: pixelsPerMeter,
		maxAge:         int64(maxAge),
	}
}

// Update consumes one frame's detections. Detections without a track id are
// ignored. Tracks whose age exceeds maxAge are evicted exactly once per call,
// independent of how many detections arrived. The returned snapshots cover
// only tracks that received a detection this call.
func (tr *Tracker) Update(detections []detect.Detection, frameNumber int64) []Snapshot {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	updated := make([]int64, 0, len(detections))
	for _, det := range detections {
		if det.TrackID == nil {
			continue
		}
		id := *det.TrackID
		if t, ok := tr.tracks[id]; ok {
			t.update(det.BBox, frameNumber)
		} else {
			tr.tracks[id] = newTrack(id, det.Class, det.BBox, frameNumber)
		}
		updated = append(updated, id)
	}

	for id, t := range tr.tracks {
		if frameNumber-t.LastUpdateFrame > tr.maxAge {
			delete(tr.tracks, id)
			monitoring.Logf("tracker: removed stale track %d", id)
		}
	}

	snapshots := make([]Snapshot, 0, len(updated))
	seen := make(map[int64]bool, len(updated))
	for _, id := range updated {
		t, ok := tr.tracks[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		t.Direction = t.direction()
		t.SpeedKMH = t.speed(tr.fps, tr.pixelsPerMeter)
		snapshots = append(snapshots, t.snapshot())
	}
	return snapshots
}

// SetCalibration updates the calibration parameters. Nil arguments leave the
// current value unchanged.
func (tr *Tracker) SetCalibration(fps, pixelsPerMeter *float64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if fps != nil && *fps > 0 {
		tr.fps = *fps
		monitoring.Logf("tracker: fps calibration set to %v", *fps)
	}
	if pixelsPerMeter != nil && *pixelsPerMeter > 0 {
		tr.pixelsPerMeter = *pixelsPerMeter
		monitoring.Logf("tracker: pixels-per-meter calibration set to %v", *pixelsPerMeter)
	}
}

// Reset clears all tracks.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.tracks = make(map[int64]*Track)
}

// Statistics aggregates the current track population.
type Statistics struct {
	ActiveTracks          int            `json:"active_tracks"`
	AvgSpeedKMH           float64        `json:"avg_speed"`
	DirectionDistribution map[string]int `json:"direction_distribution"`
}

// Statistics returns the active track count, the mean speed of moving
// tracks, and a histogram of known directions.
func (tr *Tracker) Statistics() Statistics {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	stats := Statistics{DirectionDistribution: make(map[string]int)}
	stats.ActiveTracks = len(tr.tracks)

	var speeds []float64
	for _, t := range tr.tracks {
		if t.SpeedKMH > 0 {
			speeds = append(speeds, t.SpeedKMH)
		}
		if t.Direction != "Unknown" {
			stats.DirectionDistribution[t.Direction]++
		}
	}
	if len(speeds) > 0 {
		stats.AvgSpeedKMH = math.Round(stat.Mean(speeds, nil)*10) / 10
	}
	return stats
}
