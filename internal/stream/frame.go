package stream

// Kind identifies the type of the active video source.
type Kind string

const (
	KindRTSP   Kind = "rtsp"
	KindFile   Kind = "file"
	KindWebcam Kind = "webcam"
)

// Frame is a copied-out BGR24 pixel buffer with a monotonic generation
// counter. Seq is stamped by the grab loop each time the latest-frame slot is
// overwritten, so consumers can detect whether the slot has been refreshed
// since their last read.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
}

// Clone returns a deep copy of the frame. Readers of the latest-frame slot
// always receive a clone to avoid torn reads while the grab loop overwrites
// the slot.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{Data: data, Width: f.Width, Height: f.Height, Seq: f.Seq}
}

// Info describes the currently open source.
type Info struct {
	Active      bool    `json:"active"`
	Kind        Kind    `json:"type,omitempty"`
	Transport   string  `json:"transport,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	TotalFrames int     `json:"total_frames,omitempty"`
}

// CameraInfo describes a usable local capture device found by ScanCameras.
type CameraInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
