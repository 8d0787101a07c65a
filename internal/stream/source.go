// Package stream acquires video from RTSP, file, or webcam sources and
// exposes a non-blocking "read latest frame" API backed by a background grab
// loop with transport fallback and auto-reconnect.
package stream

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kerbside-data/traffic.watch/internal/monitoring"
)

// rtspTransports is the connection order: the low-latency reliable transport
// first, then the fallback.
var rtspTransports = []string{"tcp", "udp"}

// reconnectTransport is used when re-establishing a dropped RTSP capture.
const reconnectTransport = "tcp"

const (
	reconnectBackoff = 500 * time.Millisecond
	readRetryBackoff = 100 * time.Millisecond
	stopJoinTimeout  = 2 * time.Second
)

// capture abstracts an open device so fallback and reconnect logic can be
// tested without real hardware or network streams.
type capture interface {
	// Read performs one blocking grab. It returns false on EOF or a failed
	// read.
	Read() (*Frame, bool)
	// Info reports the capture's geometry and rate.
	Info() Info
	Close()
}

// openerFunc opens a capture for the given source. For RTSP sources the
// transport selects the RTP transport profile.
type openerFunc func(kind Kind, target, transport string) (capture, error)

// Manager holds at most one open capture and maintains a single-slot
// latest-frame mailbox fed by a background grab goroutine. Opening a new
// source always stops the previous one first.
type Manager struct {
	open openerFunc

	mu      sync.Mutex
	kind    Kind
	target  string
	info    Info
	running bool
	ended   bool
	latest  *Frame
	seq     uint64

	stopc chan struct{}
	done  chan struct{}
}

// NewManager creates a Manager backed by real video captures.
func NewManager() *Manager {
	return &Manager{open: openCapture}
}

// OpenRTSP connects to a network stream, trying each transport in order.
// Success requires an actual frame read, not just a successful handshake.
func (m *Manager) OpenRTSP(url string) (Info, error) {
	m.Stop()

	for _, transport := range rtspTransports {
		monitoring.Logf("stream: trying rtsp with %s", strings.ToUpper(transport))
		c, err := m.open(KindRTSP, url, transport)
		if err != nil {
			continue
		}
		if _, ok := c.Read(); !ok {
			c.Close()
			continue
		}
		info := c.Info()
		info.Active = true
		info.Kind = KindRTSP
		info.Transport = strings.ToUpper(transport)
		m.start(c, KindRTSP, url, info)
		return info, nil
	}

	return Info{}, fmt.Errorf("failed to connect to %q: check URL, credentials, and network reachability", url)
}

// OpenFile opens a decodable local video file. The grab loop is started even
// though file reads are otherwise safe to do synchronously, for API
// uniformity with live sources.
func (m *Manager) OpenFile(path string) (Info, error) {
	m.Stop()

	c, err := m.open(KindFile, path, "")
	if err != nil {
		return Info{}, fmt.Errorf("failed to open video file: %w", err)
	}
	info := c.Info()
	info.Active = true
	info.Kind = KindFile
	m.start(c, KindFile, path, info)
	return info, nil
}

// OpenWebcam opens a local capture device by index, verifying one frame is
// readable before declaring success.
func (m *Manager) OpenWebcam(index int) (Info, error) {
	m.Stop()

	target := strconv.Itoa(index)
	c, err := m.open(KindWebcam, target, "")
	if err != nil {
		return Info{}, fmt.Errorf("failed to open camera %d: %w", index, err)
	}
	if _, ok := c.Read(); !ok {
		c.Close()
		return Info{}, fmt.Errorf("camera %d opened but produced no frames", index)
	}
	info := c.Info()
	info.Active = true
	info.Kind = KindWebcam
	m.start(c, KindWebcam, target, info)
	return info, nil
}

// start records the open source and launches the grab loop. The loop owns
// the capture and closes it on exit.
func (m *Manager) start(c capture, kind Kind, target string, info Info) {
	m.mu.Lock()
	m.kind = kind
	m.target = target
	m.info = info
	m.running = true
	m.ended = false
	m.latest = nil
	m.seq = 0
	m.stopc = make(chan struct{})
	m.done = make(chan struct{})
	stopc, done := m.stopc, m.done
	m.mu.Unlock()

	go m.grabLoop(c, kind, target, stopc, done)
}

// grabLoop repeatedly performs blocking reads from the capture and overwrites
// the latest-frame slot. Frames the processing side has not consumed are
// intentionally dropped; only the newest frame matters for a live feed. The
// loop exits on explicit stop, or on end-of-stream for file sources.
func (m *Manager) grabLoop(c capture, kind Kind, target string, stopc chan struct{}, done chan struct{}) {
	defer close(done)
	defer c.Close()

	for {
		select {
		case <-stopc:
			return
		default:
		}

		frame, ok := c.Read()
		if ok {
			m.mu.Lock()
			m.seq++
			frame.Seq = m.seq
			m.latest = frame
			m.mu.Unlock()
			continue
		}

		switch kind {
		case KindFile:
			// End of stream. Clear the slot so readers observe it;
			// distinct from a transient live-source failure.
			m.mu.Lock()
			m.ended = true
			m.latest = nil
			m.mu.Unlock()
			monitoring.Logf("stream: file source exhausted")
			return

		case KindRTSP:
			monitoring.Logf("stream: read failed, attempting reconnect to %s", target)
			if nc, err := m.open(KindRTSP, target, reconnectTransport); err == nil {
				c.Close()
				c = nc
				monitoring.Logf("stream: reconnected")
			} else {
				monitoring.Logf("stream: reconnect failed: %v", err)
			}
			if !sleepOrStop(stopc, reconnectBackoff) {
				return
			}

		default:
			if !sleepOrStop(stopc, readRetryBackoff) {
				return
			}
		}
	}
}

// sleepOrStop waits for d, returning false if the stop signal fired first.
func sleepOrStop(stopc chan struct{}, d time.Duration) bool {
	select {
	case <-stopc:
		return false
	case <-time.After(d):
		return true
	}
}

// ReadFrame returns a copy of the most recently grabbed frame without
// blocking on device I/O. ok is false if nothing has been captured yet, the
// source is stopped, or a file source has ended.
func (m *Manager) ReadFrame() (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.latest == nil {
		return nil, false
	}
	return m.latest.Clone(), true
}

// Running reports whether a source is open. A file source that reached end of
// stream still reports running until Stop is called, so consumers can
// distinguish end-of-stream (ReadFrame ok=false while running) from a closed
// source.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Ended reports whether a file source has been fully consumed.
func (m *Manager) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Info returns a snapshot of the open source's properties.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	info.Active = m.running
	return info
}

// Stop signals the grab loop to terminate, joins it with a bounded timeout,
// and clears the held frame. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.latest = nil
	m.info = Info{}
	stopc, done := m.stopc, m.done
	m.mu.Unlock()

	close(stopc)
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		monitoring.Logf("stream: grab loop did not exit within %v", stopJoinTimeout)
	}
}

// TestRTSP probes a URL with the same transport fallback as OpenRTSP without
// keeping the connection open. It returns the transport that worked.
func TestRTSP(url string) (string, error) {
	return probeRTSP(openCapture, url)
}

func probeRTSP(open openerFunc, url string) (string, error) {
	for _, transport := range rtspTransports {
		c, err := open(KindRTSP, url, transport)
		if err != nil {
			continue
		}
		_, ok := c.Read()
		c.Close()
		if ok {
			return strings.ToUpper(transport), nil
		}
	}
	return "", fmt.Errorf("failed to connect to %q: check URL, credentials, and network reachability", url)
}
