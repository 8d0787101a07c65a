// Package api exposes the REST control surface and the websocket viewer
// endpoint.
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kerbside-data/traffic.watch/internal/broadcast"
	"github.com/kerbside-data/traffic.watch/internal/counterdb"
	"github.com/kerbside-data/traffic.watch/internal/engine"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
	"github.com/kerbside-data/traffic.watch/internal/stream"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Engine is the pipeline surface the handlers drive. Implemented by
// *engine.Engine.
type Engine interface {
	SetSourceFile(path string) (stream.Info, error)
	SetSourceRTSP(url, cameraID, cameraName string) (stream.Info, bool, error)
	SetSourceWebcam(index int) (stream.Info, error)
	Stop()
	Running() bool
	Snapshot() engine.Snapshot
	SetTracking(enabled bool)
	SetConfidence(confidence float64)
	SetCalibration(fps, pixelsPerMeter *float64)
}

// CounterLister reads persisted per-camera counts. Implemented by
// *counterdb.Store; may be nil when no store is configured.
type CounterLister interface {
	All() ([]counterdb.CameraCounts, error)
}

type Server struct {
	engine   Engine
	store    CounterLister
	registry *broadcast.Registry
	units    string
	upgrader websocket.Upgrader

	// swappable for tests; default to the real gocv probes
	probeRTSP   func(url string) (string, error)
	scanCameras func(max int) []stream.CameraInfo

	// the active session's uploaded video, deleted when the session ends
	uploadMu   sync.Mutex
	uploadPath string
}

// NewServer wires the control surface. store may be nil.
func NewServer(eng Engine, store CounterLister, registry *broadcast.Registry, units string) *Server {
	return &Server{
		engine:   eng,
		store:    store,
		registry: registry,
		units:    units,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// viewers connect from arbitrary dashboard origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		probeRTSP:   stream.TestRTSP,
		scanCameras: stream.ScanCameras,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.health)
	mux.HandleFunc("/api/stats", s.stats)
	mux.HandleFunc("/api/start/file", s.startFile)
	mux.HandleFunc("/api/start/rtsp", s.startRTSP)
	mux.HandleFunc("/api/start/webcam", s.startWebcam)
	mux.HandleFunc("/api/stop", s.stop)
	mux.HandleFunc("/api/test-rtsp", s.testRTSP)
	mux.HandleFunc("/api/cameras", s.cameras)
	mux.HandleFunc("/api/counters", s.counters)
	mux.HandleFunc("/ws/video", s.video)
	return mux
}
