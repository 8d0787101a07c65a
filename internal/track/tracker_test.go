package track

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbside-data/traffic.watch/internal/detect"
)

const (
	testFPS = 25.0
	testPPM = 50.0
)

func det(id int64, class detect.Class, bbox detect.BBox) detect.Detection {
	return detect.Detection{Class: class, Confidence: 0.9, BBox: bbox, TrackID: &id}
}

// boxAt builds a 20x20 box centered on (cx, cy).
func boxAt(cx, cy int) detect.BBox {
	return detect.BBox{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10}
}

func TestUpdateCreatesAndUpdatesTracks(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)

	snaps := tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100))}, 1)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].TrackID)
	assert.Equal(t, detect.Car, snaps[0].Class)
	assert.Equal(t, 1, snaps[0].FramesTracked)
	assert.Equal(t, Point{X: 100, Y: 100}, snaps[0].Centroid)

	snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(104, 100))}, 2)
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].FramesTracked)
	assert.Equal(t, Point{X: 104, Y: 100}, snaps[0].Centroid)
}

func TestDetectionsWithoutTrackIDAreIgnored(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	snaps := tr.Update([]detect.Detection{{Class: detect.Car, BBox: boxAt(50, 50)}}, 1)
	assert.Empty(t, snaps)
	assert.Equal(t, 0, tr.Statistics().ActiveTracks)
}

func TestSnapshotsOnlyCoverUpdatedTracks(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	tr.Update([]detect.Detection{
		det(1, detect.Car, boxAt(100, 100)),
		det(2, detect.Bus, boxAt(300, 100)),
	}, 1)

	// only track 2 appears this frame; track 1 is neither returned nor deleted
	snaps := tr.Update([]detect.Detection{det(2, detect.Bus, boxAt(300, 110))}, 2)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(2), snaps[0].TrackID)
	assert.Equal(t, 2, tr.Statistics().ActiveTracks)
}

func TestStaleTracksEvicted(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100))}, 1)
	tr.Update([]detect.Detection{det(2, detect.Truck, boxAt(200, 100))}, 2)

	// frame 32: track 1 age is 31 > 30, track 2 age is 30 and survives
	snaps := tr.Update(nil, 32)
	assert.Empty(t, snaps)
	assert.Equal(t, 1, tr.Statistics().ActiveTracks)

	// a recreated id 1 is a brand-new track
	snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(400, 400))}, 33)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].FramesTracked)
}

func TestEvictionIndependentOfDetections(t *testing.T) {
	tr := NewTracker(5, testFPS, testPPM)
	tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100))}, 1)

	// eviction happens even when the update carries no detections at all
	tr.Update(nil, 7)
	assert.Equal(t, 0, tr.Statistics().ActiveTracks)
}

func TestDirectionUnknownUnderFiveSamples(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	var snaps []Snapshot
	for frame := int64(1); frame <= 4; frame++ {
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100+int(frame)*20))}, frame)
	}
	require.Len(t, snaps, 1)
	assert.Equal(t, "Unknown", snaps[0].Direction)
	assert.Equal(t, 0.0, snaps[0].SpeedKMH)
}

func TestSpeedAndDirectionScenario(t *testing.T) {
	// centroid moves (100,100) → (100,50) over frames 0..10 sampled every
	// other frame: 50px at 50 px/m = 1m over 10/25s = 0.4s → 9 km/h,
	// moving up-image → outbound, angle 90° → North.
	tr := NewTracker(30, testFPS, testPPM)

	var snaps []Snapshot
	for i := 0; i <= 5; i++ {
		frame := int64(i * 2)
		y := 100 - i*10
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, y))}, frame)
	}

	require.Len(t, snaps, 1)
	assert.Equal(t, 9.0, snaps[0].SpeedKMH)
	assert.Equal(t, "Outbound (North)", snaps[0].Direction)
}

func TestDirectionInboundEast(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	var snaps []Snapshot
	for i := 0; i < 6; i++ {
		// drifting right and slightly down-image: inbound, east sector
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100+i*30, 100+i*2))}, int64(i+1))
	}
	require.Len(t, snaps, 1)
	assert.Equal(t, "Inbound (East)", snaps[0].Direction)
}

func TestSpeedClampedToMax(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	var snaps []Snapshot
	for i := 0; i < 6; i++ {
		// 2000px per frame is far beyond any plausible speed
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100+i*2000))}, int64(i+1))
	}
	require.Len(t, snaps, 1)
	assert.Equal(t, 200.0, snaps[0].SpeedKMH)
}

func TestSpeedZeroWhenWindowDegenerates(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	var snaps []Snapshot
	// five samples all on the same frame number
	for i := 0; i < 5; i++ {
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100+i*10, 100))}, 3)
	}
	require.Len(t, snaps, 1)
	assert.Equal(t, 0.0, snaps[0].SpeedKMH)
}

func TestTrajectoryBoundedAndSnapshotTrail(t *testing.T) {
	tr := NewTracker(1000, testFPS, testPPM)
	var snaps []Snapshot
	for frame := int64(1); frame <= 50; frame++ {
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100+int(frame), 100))}, frame)
	}
	require.Len(t, snaps, 1)
	// snapshot exposes at most the 10 most recent points
	require.Len(t, snaps[0].Trajectory, 10)
	want := []Point{}
	for frame := 41; frame <= 50; frame++ {
		want = append(want, Point{X: float64(100 + frame), Y: 100})
	}
	if diff := cmp.Diff(want, snaps[0].Trajectory); diff != "" {
		t.Errorf("trajectory trail mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 50, snaps[0].FramesTracked)
}

func TestSetCalibration(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	fps := 50.0
	tr.SetCalibration(&fps, nil)

	// same pixel displacement at double the frame rate doubles the speed
	var snaps []Snapshot
	for i := 0; i <= 5; i++ {
		snaps = tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100-i*10))}, int64(i*2))
	}
	require.Len(t, snaps, 1)
	assert.Equal(t, 18.0, snaps[0].SpeedKMH)
}

func TestReset(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	tr.Update([]detect.Detection{det(1, detect.Car, boxAt(100, 100))}, 1)
	tr.Reset()
	assert.Equal(t, 0, tr.Statistics().ActiveTracks)
}

func TestStatistics(t *testing.T) {
	tr := NewTracker(30, testFPS, testPPM)
	for i := 0; i <= 5; i++ {
		dets := []detect.Detection{
			det(1, detect.Car, boxAt(100, 100-i*10)),   // moving, outbound north
			det(3, detect.Truck, boxAt(500, 400+i*10)), // moving, inbound south
			{Class: detect.Car, BBox: boxAt(700, 700)}, // no track id
		}
		if i < 3 {
			// too few samples for a direction or speed
			dets = append(dets, det(2, detect.Bus, boxAt(300, 100)))
		}
		tr.Update(dets, int64(i*2))
	}

	stats := tr.Statistics()
	assert.Equal(t, 3, stats.ActiveTracks)
	// tracks 1 and 3 move 50px over 10 frames → 9 km/h each
	assert.Equal(t, 9.0, stats.AvgSpeedKMH)
	assert.Equal(t, map[string]int{
		"Outbound (North)": 1,
		"Inbound (South)":  1,
	}, stats.DirectionDistribution)
}
