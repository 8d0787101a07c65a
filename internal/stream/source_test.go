package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapture serves a fixed number of frames, then reports read failure.
type fakeCapture struct {
	mu       sync.Mutex
	frames   int
	served   int
	info     Info
	closed   bool
	readWait time.Duration
}

func (f *fakeCapture) Read() (*Frame, bool) {
	if f.readWait > 0 {
		time.Sleep(f.readWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.served >= f.frames {
		return nil, false
	}
	f.served++
	return &Frame{Data: []byte{byte(f.served)}, Width: 4, Height: 3}, true
}

func (f *fakeCapture) Info() Info { return f.info }

func (f *fakeCapture) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// scriptedOpener returns captures (or errors) keyed by transport.
func scriptedOpener(results map[string]func() (capture, error)) openerFunc {
	return func(kind Kind, target, transport string) (capture, error) {
		key := transport
		if transport == "" {
			key = string(kind)
		}
		fn, ok := results[key]
		if !ok {
			return nil, errors.New("no capture scripted")
		}
		return fn()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestOpenRTSPFallsBackToUDP(t *testing.T) {
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"tcp": func() (capture, error) { return nil, errors.New("connection refused") },
		"udp": func() (capture, error) {
			return &fakeCapture{frames: 100, info: Info{Width: 640, Height: 480, FPS: 25}}, nil
		},
	})}
	defer m.Stop()

	info, err := m.OpenRTSP("rtsp://example/stream")
	require.NoError(t, err)
	assert.Equal(t, "UDP", info.Transport)
	assert.Equal(t, KindRTSP, info.Kind)
	assert.True(t, info.Active)
	assert.True(t, m.Running())
}

func TestOpenRTSPRequiresFrameRead(t *testing.T) {
	// The tcp capture opens but never yields a frame; udp works.
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"tcp": func() (capture, error) { return &fakeCapture{frames: 0}, nil },
		"udp": func() (capture, error) { return &fakeCapture{frames: 10}, nil },
	})}
	defer m.Stop()

	info, err := m.OpenRTSP("rtsp://example/stream")
	require.NoError(t, err)
	assert.Equal(t, "UDP", info.Transport)
}

func TestOpenRTSPAllTransportsFail(t *testing.T) {
	m := &Manager{open: scriptedOpener(nil)}

	_, err := m.OpenRTSP("rtsp://bad/stream")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check URL")
	assert.False(t, m.Running())
}

func TestReadFrameReturnsCopies(t *testing.T) {
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"file": func() (capture, error) { return &fakeCapture{frames: 200, readWait: time.Millisecond}, nil },
	})}
	defer m.Stop()

	_, err := m.OpenFile("traffic.mp4")
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { _, ok := m.ReadFrame(); return ok })
	f1, ok := m.ReadFrame()
	require.True(t, ok)
	f2, ok := m.ReadFrame()
	require.True(t, ok)

	// distinct buffers, mutating one never affects the other
	f1.Data[0] = 0xFF
	assert.NotEqual(t, f1.Data[0], f2.Data[0])
}

func TestGrabLoopStampsMonotonicSeq(t *testing.T) {
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"file": func() (capture, error) { return &fakeCapture{frames: 50, readWait: time.Millisecond}, nil },
	})}
	defer m.Stop()

	_, err := m.OpenFile("traffic.mp4")
	require.NoError(t, err)

	var last uint64
	waitFor(t, time.Second, func() bool {
		f, ok := m.ReadFrame()
		if !ok {
			return false
		}
		require.GreaterOrEqual(t, f.Seq, last)
		prev := last
		last = f.Seq
		return last > prev && last > 3
	})
}

func TestFileEndOfStream(t *testing.T) {
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"file": func() (capture, error) { return &fakeCapture{frames: 3, info: Info{TotalFrames: 3}}, nil },
	})}
	defer m.Stop()

	info, err := m.OpenFile("short.mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, info.TotalFrames)

	waitFor(t, time.Second, m.Ended)

	// still "running" so consumers can tell end-of-stream from stopped,
	// but the frame slot is cleared
	assert.True(t, m.Running())
	_, ok := m.ReadFrame()
	assert.False(t, ok)
}

func TestStopIsIdempotent(t *testing.T) {
	m := &Manager{open: scriptedOpener(map[string]func() (capture, error){
		"file": func() (capture, error) { return &fakeCapture{frames: 1000, readWait: time.Millisecond}, nil },
	})}

	_, err := m.OpenFile("traffic.mp4")
	require.NoError(t, err)

	m.Stop()
	m.Stop()

	assert.False(t, m.Running())
	_, ok := m.ReadFrame()
	assert.False(t, ok)
	assert.False(t, m.Info().Active)
}

func TestOpenStopsPreviousSource(t *testing.T) {
	var opened []string
	m := &Manager{}
	m.open = func(kind Kind, target, transport string) (capture, error) {
		opened = append(opened, fmt.Sprintf("%s:%s", kind, target))
		return &fakeCapture{frames: 1000, readWait: time.Millisecond}, nil
	}

	_, err := m.OpenFile("a.mp4")
	require.NoError(t, err)
	first := m.done

	_, err = m.OpenFile("b.mp4")
	require.NoError(t, err)
	defer m.Stop()

	// the first grab loop must have exited before the second source opened
	select {
	case <-first:
	default:
		t.Fatal("previous grab loop still running")
	}
	assert.Equal(t, []string{"file:a.mp4", "file:b.mp4"}, opened)
}

func TestProbeRTSP(t *testing.T) {
	transport, err := probeRTSP(scriptedOpener(map[string]func() (capture, error){
		"tcp": func() (capture, error) { return nil, errors.New("refused") },
		"udp": func() (capture, error) { return &fakeCapture{frames: 1}, nil },
	}), "rtsp://example")
	require.NoError(t, err)
	assert.Equal(t, "UDP", transport)

	_, err = probeRTSP(scriptedOpener(nil), "rtsp://bad")
	require.Error(t, err)
}
