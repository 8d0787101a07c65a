package detect

import (
	"context"
	"sync"

	"github.com/kerbside-data/traffic.watch/internal/stream"
)

// MockDetector returns scripted per-call results. Used in tests and in dev
// mode where no inference server is available.
type MockDetector struct {
	mu      sync.Mutex
	script  [][]Detection
	idx     int
	err     error
	calls   int
	lastOpt Options
}

// NewMockDetector creates a detector that replays the given per-frame
// results in order, repeating the final entry once the script is exhausted.
// An empty script yields no detections.
func NewMockDetector(script ...[]Detection) *MockDetector {
	return &MockDetector{script: script}
}

// Fail makes every subsequent Detect call return err.
func (m *MockDetector) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the next scripted result.
func (m *MockDetector) Detect(_ context.Context, _ *stream.Frame, opts Options) ([]Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastOpt = opts
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) == 0 {
		return nil, nil
	}
	if m.idx >= len(m.script) {
		return m.script[len(m.script)-1], nil
	}
	result := m.script[m.idx]
	m.idx++
	return result, nil
}

// Calls returns how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastOptions returns the options passed to the most recent Detect call.
func (m *MockDetector) LastOptions() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpt
}

// TrackID is a convenience for building scripted detections.
func TrackID(id int64) *int64 {
	return &id
}
