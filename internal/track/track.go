// Package track turns per-frame detector output into temporally coherent
// tracks with derived direction and calibrated speed. Track identity is
// delegated to the detector; this package only does temporal enrichment and
// staleness management, not re-identification.
package track

import (
	"math"

	"github.com/kerbside-data/traffic.watch/internal/detect"
)

const (
	// trajectoryCap bounds the per-track position history.
	trajectoryCap = 30
	// minSamples is the minimum trajectory length before direction and
	// speed become meaningful.
	minSamples = 5
	// speedWindow is the largest trailing sample window used for speed.
	speedWindow = 10
	// maxSpeedKMH clamps implausible speed estimates.
	maxSpeedKMH = 200.0
	// snapshotTrail is how many trailing trajectory points a snapshot
	// carries for overlay rendering.
	snapshotTrail = 10
)

// compass holds the 8 sector labels in atan2 order starting at east,
// counter-clockwise in image space (y grows downward, so the angle is
// computed with -dy).
var compass = [8]string{
	"East", "Northeast", "North", "Northwest",
	"West", "Southwest", "South", "Southeast",
}

// Point is a pixel-space position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type sample struct {
	pos   Point
	frame int64
}

// Track is one tracked vehicle. Owned exclusively by the Tracker; callers
// only ever see Snapshot copies.
type Track struct {
	ID              int64
	Class           detect.Class
	BBox            detect.BBox
	Centroid        Point
	FramesTracked   int
	SpeedKMH        float64
	Direction       string
	LastUpdateFrame int64

	trajectory []sample
}

func newTrack(id int64, class detect.Class, bbox detect.BBox, frame int64) *Track {
	t := &Track{
		ID:        id,
		Class:     class,
		Direction: "Unknown",
	}
	t.update(bbox, frame)
	return t
}

func (t *Track) update(bbox detect.BBox, frame int64) {
	cx, cy := bbox.Centroid()
	t.BBox = bbox
	t.Centroid = Point{X: cx, Y: cy}
	t.trajectory = append(t.trajectory, sample{pos: t.Centroid, frame: frame})
	if len(t.trajectory) > trajectoryCap {
		t.trajectory = t.trajectory[1:]
	}
	t.FramesTracked++
	t.LastUpdateFrame = frame
}

// direction classifies the displacement between the oldest and newest
// trajectory samples: a coarse inbound/outbound flow from the vertical axis
// (y grows downward, so increasing y is toward the camera) combined with one
// of 8 compass sectors, e.g. "Inbound (North)".
func (t *Track) direction() string {
	if len(t.trajectory) < minSamples {
		return "Unknown"
	}

	start := t.trajectory[0].pos
	end := t.trajectory[len(t.trajectory)-1].pos
	dx := end.X - start.X
	dy := end.Y - start.Y

	flow := "Inbound"
	if dy <= 0 {
		flow = "Outbound"
	}

	angle := math.Atan2(-dy, dx) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}
	sector := int((angle+22.5)/45) % 8

	return flow + " (" + compass[sector] + ")"
}

// speed estimates km/h from pixel displacement over the trailing sample
// window, using the fixed calibration constants. Returns 0 until enough
// samples exist or when the window spans zero frames; the result is clamped
// to [0, maxSpeedKMH] and rounded to 0.1.
func (t *Track) speed(fps, pixelsPerMeter float64) float64 {
	if len(t.trajectory) < minSamples || fps <= 0 || pixelsPerMeter <= 0 {
		return 0
	}

	window := speedWindow
	if len(t.trajectory) < window {
		window = len(t.trajectory)
	}
	first := t.trajectory[len(t.trajectory)-window]
	last := t.trajectory[len(t.trajectory)-1]

	framesElapsed := last.frame - first.frame
	if framesElapsed == 0 {
		return 0
	}

	dx := last.pos.X - first.pos.X
	dy := last.pos.Y - first.pos.Y
	meters := math.Hypot(dx, dy) / pixelsPerMeter
	seconds := float64(framesElapsed) / fps

	kmh := meters / seconds * 3.6
	kmh = math.Max(0, math.Min(maxSpeedKMH, kmh))
	return math.Round(kmh*10) / 10
}

// Snapshot is the caller-visible copy of a track's state after an update.
type Snapshot struct {
	TrackID       int64        `json:"track_id"`
	Class         detect.Class `json:"class"`
	BBox          detect.BBox  `json:"bbox"`
	Centroid      Point        `json:"centroid"`
	SpeedKMH      float64      `json:"speed_kmh"`
	Direction     string       `json:"direction"`
	FramesTracked int          `json:"frames_tracked"`
	Trajectory    []Point      `json:"trajectory"`
}

func (t *Track) snapshot() Snapshot {
	start := 0
	if len(t.trajectory) > snapshotTrail {
		start = len(t.trajectory) - snapshotTrail
	}
	trail := make([]Point, 0, len(t.trajectory)-start)
	for _, s := range t.trajectory[start:] {
		trail = append(trail, s.pos)
	}
	return Snapshot{
		TrackID:       t.ID,
		Class:         t.Class,
		BBox:          t.BBox,
		Centroid:      t.Centroid,
		SpeedKMH:      t.SpeedKMH,
		Direction:     t.Direction,
		FramesTracked: t.FramesTracked,
		Trajectory:    trail,
	}
}
