// Package engine runs the adaptive processing loop that binds stream reads,
// detector invocation, tracking, annotation, and encoding into broadcast
// payloads. The loop paces itself to a target inference rate and never
// accumulates sleep debt when an iteration overruns.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kerbside-data/traffic.watch/internal/config"
	"github.com/kerbside-data/traffic.watch/internal/detect"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
	"github.com/kerbside-data/traffic.watch/internal/stream"
	"github.com/kerbside-data/traffic.watch/internal/track"
)

const (
	idleInterval = 100 * time.Millisecond
	timelineCap  = 100
	stopTimeout  = 2 * time.Second
)

// FrameSource provides decoded frames from a camera, file, or RTSP stream.
// Implemented by stream.Manager.
type FrameSource interface {
	OpenRTSP(url string) (stream.Info, error)
	OpenFile(path string) (stream.Info, error)
	OpenWebcam(index int) (stream.Info, error)
	ReadFrame() (*stream.Frame, bool)
	Running() bool
	Ended() bool
	Info() stream.Info
	Stop()
}

// Annotator renders overlays onto a frame and returns an encoded image.
type Annotator interface {
	Render(frame *stream.Frame, dets []detect.Detection, tracks []track.Snapshot, live bool) (string, error)
}

// CounterStore persists cumulative per-camera counts. A nil store is allowed;
// the engine then keeps counts in memory only.
type CounterStore interface {
	Save(cameraID, cameraName string, counts map[detect.Class]int) error
	Load(cameraID string) (map[detect.Class]int, bool, error)
}

// Perf is the rolling performance snapshot attached to metadata payloads.
type Perf struct {
	FPS     float64 `json:"fps"`
	InferMS float64 `json:"infer_ms"`
}

// BroadcastPayload is the single most-recent frame plus optional metadata.
// It is overwritten, never queued; a read consumes it.
type BroadcastPayload struct {
	Frame         string                `json:"frame,omitempty"`
	Seq           uint64                `json:"seq,omitempty"`
	IsRunning     bool                  `json:"is_running"`
	Status        string                `json:"status,omitempty"`
	Counts        map[detect.Class]int  `json:"counts,omitempty"`
	Timeline      []int                 `json:"timeline,omitempty"`
	FrameCount    int64                 `json:"frame_count,omitempty"`
	TotalDetected int                   `json:"total_detected,omitempty"`
	TrackingStats *track.Statistics     `json:"tracking_stats,omitempty"`
	SourceType    stream.Kind           `json:"source_type,omitempty"`
	Perf          *Perf                 `json:"perf,omitempty"`
}

// Snapshot is the REST-facing view of engine state. Reads are eventually
// consistent with the processing loop.
type Snapshot struct {
	Running         bool                 `json:"is_running"`
	Counts          map[detect.Class]int `json:"counts"`
	Timeline        []int                `json:"timeline"`
	FrameCount      int64                `json:"frame_count"`
	TotalDetected   int                  `json:"total_detected"`
	SourceType      stream.Kind          `json:"source_type"`
	CameraID        string               `json:"camera_id,omitempty"`
	CameraName      string               `json:"camera_name,omitempty"`
	TrackingEnabled bool                 `json:"tracking_enabled"`
	Perf            Perf                 `json:"perf"`
	Tracking        track.Statistics     `json:"tracking_stats"`
}

// Engine owns the processing loop and its session state. Construct one per
// process with New; setting a source always stops any current run, resets the
// session stats, and restarts the loop.
type Engine struct {
	source    FrameSource
	detector  detect.Detector
	annotator Annotator
	store     CounterStore
	cfg       *config.TuningConfig
	tracker   *track.Tracker

	mu              sync.Mutex
	counts          map[detect.Class]int
	seenIDs         map[int64]bool
	timeline        []int
	frameCount      int64
	sourceType      stream.Kind
	cameraID        string
	cameraName      string
	trackingEnabled bool
	confidence      float64
	fpsWindow       []time.Time
	lastInferMS     float64
	published       uint64
	loopActive      bool
	stopc           chan struct{}
	done            chan struct{}

	mailMu sync.Mutex
	mail   *BroadcastPayload
}

// New wires an engine from its collaborators. store may be nil.
func New(source FrameSource, detector detect.Detector, annotator Annotator, store CounterStore, cfg *config.TuningConfig) *Engine {
	return &Engine{
		source:          source,
		detector:        detector,
		annotator:       annotator,
		store:           store,
		cfg:             cfg,
		tracker:         track.NewTracker(cfg.GetTrackerMaxAge(), cfg.GetAssumedFPS(), cfg.GetPixelsPerMeter()),
		counts:          make(map[detect.Class]int),
		seenIDs:         make(map[int64]bool),
		trackingEnabled: true,
		confidence:      cfg.GetConfidence(),
	}
}

// SetSourceFile switches processing to a video file.
func (e *Engine) SetSourceFile(path string) (stream.Info, error) {
	return e.setSource(stream.KindFile, "", "", func() (stream.Info, error) {
		return e.source.OpenFile(path)
	})
}

// SetSourceRTSP switches processing to an RTSP stream. When the camera id is
// known to the counter store, the stored counts are resumed; the returned
// bool reports whether that happened.
func (e *Engine) SetSourceRTSP(url, cameraID, cameraName string) (stream.Info, bool, error) {
	info, err := e.setSource(stream.KindRTSP, cameraID, cameraName, func() (stream.Info, error) {
		return e.source.OpenRTSP(url)
	})
	if err != nil {
		return info, false, err
	}

	resumed := false
	if e.store != nil && cameraID != "" {
		stored, ok, lerr := e.store.Load(cameraID)
		if lerr != nil {
			monitoring.Logf("engine: loading stored counts for %s: %v", cameraID, lerr)
		} else if ok {
			e.mu.Lock()
			for class, n := range stored {
				e.counts[class] = n
			}
			e.mu.Unlock()
			resumed = true
			monitoring.Logf("engine: resumed counts for camera %s", cameraID)
		}
	}
	return info, resumed, nil
}

// SetSourceWebcam switches processing to a local capture device.
func (e *Engine) SetSourceWebcam(index int) (stream.Info, error) {
	return e.setSource(stream.KindWebcam, "", "", func() (stream.Info, error) {
		return e.source.OpenWebcam(index)
	})
}

func (e *Engine) setSource(kind stream.Kind, cameraID, cameraName string, open func() (stream.Info, error)) (stream.Info, error) {
	e.stopLoop()

	info, err := open()
	if err != nil {
		return info, fmt.Errorf("engine: opening %s source: %w", kind, err)
	}

	e.mu.Lock()
	e.counts = make(map[detect.Class]int)
	e.seenIDs = make(map[int64]bool)
	e.timeline = nil
	e.frameCount = 0
	e.published = 0
	e.fpsWindow = nil
	e.lastInferMS = 0
	e.sourceType = kind
	e.cameraID = cameraID
	e.cameraName = cameraName
	e.mu.Unlock()
	e.tracker.Reset()

	if info.FPS > 0 {
		fps := info.FPS
		e.tracker.SetCalibration(&fps, nil)
	}

	e.mailMu.Lock()
	e.mail = nil
	e.mailMu.Unlock()

	e.startLoop()
	monitoring.Logf("engine: started %s source (%dx%d @ %.1f fps)", kind, info.Width, info.Height, info.FPS)
	return info, nil
}

func (e *Engine) startLoop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopc = make(chan struct{})
	e.done = make(chan struct{})
	e.loopActive = true
	go e.run(e.stopc, e.done)
}

func (e *Engine) stopLoop() {
	e.mu.Lock()
	if !e.loopActive {
		e.mu.Unlock()
		return
	}
	stopc, done := e.stopc, e.done
	e.loopActive = false
	e.mu.Unlock()

	close(stopc)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		monitoring.Logf("engine: processing loop did not stop within %v", stopTimeout)
	}
}

// Stop halts the processing loop, flushes counts, and releases the source.
// Safe to call repeatedly.
func (e *Engine) Stop() {
	e.stopLoop()
	e.flushCounts()
	e.source.Stop()
}

// Running reports whether the processing loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopActive
}

// TakeBroadcast consumes the latest payload. Returns nil when nothing new has
// been published since the previous call.
func (e *Engine) TakeBroadcast() *BroadcastPayload {
	e.mailMu.Lock()
	defer e.mailMu.Unlock()
	p := e.mail
	e.mail = nil
	return p
}

func (e *Engine) publish(p *BroadcastPayload) {
	e.mailMu.Lock()
	e.mail = p
	e.mailMu.Unlock()
}

// Snapshot returns the current session stats for REST handlers.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[detect.Class]int, len(e.counts))
	total := 0
	for class, n := range e.counts {
		counts[class] = n
		total += n
	}
	timeline := make([]int, len(e.timeline))
	copy(timeline, e.timeline)

	return Snapshot{
		Running:         e.loopActive,
		Counts:          counts,
		Timeline:        timeline,
		FrameCount:      e.frameCount,
		TotalDetected:   total,
		SourceType:      e.sourceType,
		CameraID:        e.cameraID,
		CameraName:      e.cameraName,
		TrackingEnabled: e.trackingEnabled,
		Perf:            Perf{FPS: e.rollingFPSLocked(time.Now()), InferMS: e.lastInferMS},
		Tracking:        e.tracker.Statistics(),
	}
}

// SetTracking toggles tracker-based unique counting. With tracking disabled
// every detection increments its class count, which overcounts vehicles that
// stay in frame across iterations.
func (e *Engine) SetTracking(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackingEnabled = enabled
	monitoring.Logf("engine: tracking enabled=%v", enabled)
}

// SetConfidence overrides the detector confidence threshold at runtime.
func (e *Engine) SetConfidence(confidence float64) {
	if confidence <= 0 || confidence > 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confidence = confidence
	monitoring.Logf("engine: confidence threshold set to %.2f", confidence)
}

// SetCalibration forwards calibration updates to the tracker.
func (e *Engine) SetCalibration(fps, pixelsPerMeter *float64) {
	e.tracker.SetCalibration(fps, pixelsPerMeter)
}

func (e *Engine) run(stopc chan struct{}, done chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(e.cfg.GetInferFPS())
	metaEvery := uint64(e.cfg.GetMetaEveryN())
	persistEvery := int64(e.cfg.GetPersistInterval())

	var lastSeq uint64
	processed := int64(0)

	for {
		select {
		case <-stopc:
			return
		default:
		}
		start := time.Now()

		if !e.source.Running() {
			if !sleepOrStop(stopc, idleInterval) {
				return
			}
			continue
		}

		frame, ok := e.source.ReadFrame()
		if !ok {
			e.mu.Lock()
			kind := e.sourceType
			e.mu.Unlock()
			if kind == stream.KindFile && (e.source.Ended() || processed > 0) {
				e.finish()
				return
			}
			if !sleepOrStop(stopc, idleInterval) {
				return
			}
			continue
		}
		if processed > 0 && frame.Seq == lastSeq {
			if !sleepOrStop(stopc, interval/4) {
				return
			}
			continue
		}
		lastSeq = frame.Seq
		processed++

		if !e.processFrame(frame, metaEvery, persistEvery) {
			return
		}

		elapsed := time.Since(start)
		if elapsed < interval {
			if !sleepOrStop(stopc, interval-elapsed) {
				return
			}
		} else if elapsed > interval*3/2 {
			monitoring.Logf("engine: iteration took %v, target %v", elapsed.Round(time.Millisecond), interval)
		}
	}
}

// processFrame runs one iteration of detect/track/count/annotate/publish.
// Returns false on a fatal error, which stops the loop.
func (e *Engine) processFrame(frame *stream.Frame, metaEvery uint64, persistEvery int64) bool {
	e.mu.Lock()
	frameNumber := e.frameCount + 1
	tracking := e.trackingEnabled
	confidence := e.confidence
	kind := e.sourceType
	e.mu.Unlock()

	opts := detect.Options{
		Confidence:    confidence,
		IOU:           e.cfg.GetIOU(),
		MaxDetections: e.cfg.GetMaxDetections(),
		Classes:       detect.DefaultClasses,
		Tracking:      tracking,
	}

	inferStart := time.Now()
	detections, err := e.detector.Detect(context.Background(), frame, opts)
	if err != nil {
		monitoring.Logf("engine: detector failed, stopping: %v", err)
		e.fail()
		return false
	}
	inferMS := float64(time.Since(inferStart).Microseconds()) / 1000

	var snapshots []track.Snapshot
	if tracking {
		snapshots = e.tracker.Update(detections, frameNumber)
	}

	e.mu.Lock()
	e.frameCount = frameNumber
	e.lastInferMS = inferMS
	for _, d := range detections {
		if tracking {
			// only identity-bearing detections count here; an id-less
			// detection would be recounted on every frame
			if d.TrackID != nil && !e.seenIDs[*d.TrackID] {
				e.seenIDs[*d.TrackID] = true
				e.counts[d.Class]++
			}
		} else {
			// no identity available, so every sighting counts; a vehicle
			// spanning many frames is counted many times
			e.counts[d.Class]++
		}
	}
	e.timeline = append(e.timeline, len(detections))
	if len(e.timeline) > timelineCap {
		e.timeline = e.timeline[1:]
	}
	now := time.Now()
	e.fpsWindow = append(e.fpsWindow, now)
	fps := e.rollingFPSLocked(now)
	cameraID, cameraName := e.cameraID, e.cameraName
	counts, total := e.countsCopyLocked()
	timeline := make([]int, len(e.timeline))
	copy(timeline, e.timeline)
	e.published++
	// metadata rides the first payload of a session and every Nth after it;
	// a fresh session's first delivered frame already carries counts
	withMeta := (e.published-1)%metaEvery == 0
	e.mu.Unlock()

	if e.store != nil && cameraID != "" && frameNumber%persistEvery == 0 {
		if err := e.store.Save(cameraID, cameraName, counts); err != nil {
			monitoring.Logf("engine: persisting counts for %s: %v", cameraID, err)
		}
	}

	encoded, err := e.annotator.Render(frame, detections, snapshots, kind != stream.KindFile)
	if err != nil {
		monitoring.Logf("engine: annotation failed, stopping: %v", err)
		e.fail()
		return false
	}

	payload := &BroadcastPayload{
		Frame:     encoded,
		Seq:       frame.Seq,
		IsRunning: true,
	}
	if withMeta {
		stats := e.tracker.Statistics()
		payload.Counts = counts
		payload.Timeline = timeline
		payload.FrameCount = frameNumber
		payload.TotalDetected = total
		payload.TrackingStats = &stats
		payload.SourceType = kind
		payload.Perf = &Perf{FPS: fps, InferMS: inferMS}
	}
	e.publish(payload)
	return true
}

// finish handles end-of-stream on a file source: final counts are flushed and
// a terminal payload replaces whatever frame was pending.
func (e *Engine) finish() {
	e.mu.Lock()
	counts, total := e.countsCopyLocked()
	e.mu.Unlock()

	e.flushCounts()
	e.source.Stop()
	e.publish(&BroadcastPayload{
		Status:        "complete",
		IsRunning:     false,
		Counts:        counts,
		TotalDetected: total,
	})

	e.mu.Lock()
	e.loopActive = false
	e.mu.Unlock()
	monitoring.Logf("engine: file source complete, %d vehicles detected", total)
}

// fail marks the engine stopped after a fatal loop error.
func (e *Engine) fail() {
	e.flushCounts()
	e.source.Stop()
	e.mu.Lock()
	e.loopActive = false
	e.mu.Unlock()
}

func (e *Engine) flushCounts() {
	e.mu.Lock()
	cameraID, cameraName := e.cameraID, e.cameraName
	counts, _ := e.countsCopyLocked()
	e.mu.Unlock()

	if e.store == nil || cameraID == "" {
		return
	}
	if err := e.store.Save(cameraID, cameraName, counts); err != nil {
		monitoring.Logf("engine: flushing counts for %s: %v", cameraID, err)
	}
}

func (e *Engine) countsCopyLocked() (map[detect.Class]int, int) {
	counts := make(map[detect.Class]int, len(e.counts))
	total := 0
	for class, n := range e.counts {
		counts[class] = n
		total += n
	}
	return counts, total
}

// rollingFPSLocked counts frames processed in the trailing second, pruning
// the window as it goes. Caller holds e.mu.
func (e *Engine) rollingFPSLocked(now time.Time) float64 {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(e.fpsWindow) && e.fpsWindow[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.fpsWindow = e.fpsWindow[i:]
	}
	return float64(len(e.fpsWindow))
}

func sleepOrStop(stopc chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopc:
		return false
	case <-t.C:
		return true
	}
}
