package stream

import (
	"fmt"
	"os"
	"strconv"

	"gocv.io/x/gocv"
)

// Default webcam resolution requested on open.
const (
	webcamWidth  = 1280
	webcamHeight = 720
)

// rtspCaptureOptions builds the ffmpeg capture profile for low-latency live
// streams: minimal internal buffering, short connect timeout.
func rtspCaptureOptions(transport string) string {
	return "rtsp_transport;" + transport +
		"|analyzeduration;1000000" +
		"|probesize;500000" +
		"|fflags;nobuffer" +
		"|flags;low_delay" +
		"|stimeout;15000000"
}

// videoCapture wraps a gocv.VideoCapture as the capture interface.
type videoCapture struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	kind Kind
}

// openCapture opens a real device, stream, or file with gocv.
func openCapture(kind Kind, target, transport string) (capture, error) {
	var vc *gocv.VideoCapture
	var err error

	switch kind {
	case KindRTSP:
		// ffmpeg reads its capture options from the environment.
		os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", rtspCaptureOptions(transport))
		vc, err = gocv.OpenVideoCaptureWithAPI(target, gocv.VideoCaptureFFmpeg)
		if err != nil {
			return nil, err
		}
		vc.Set(gocv.VideoCaptureBufferSize, 1)

	case KindFile:
		vc, err = gocv.OpenVideoCapture(target)
		if err != nil {
			return nil, err
		}

	case KindWebcam:
		index, convErr := strconv.Atoi(target)
		if convErr != nil {
			return nil, fmt.Errorf("invalid camera index %q", target)
		}
		vc, err = gocv.OpenVideoCapture(index)
		if err != nil {
			return nil, err
		}
		vc.Set(gocv.VideoCaptureFrameWidth, webcamWidth)
		vc.Set(gocv.VideoCaptureFrameHeight, webcamHeight)
		vc.Set(gocv.VideoCaptureBufferSize, 1)

	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture for %q did not open", target)
	}

	return &videoCapture{vc: vc, mat: gocv.NewMat(), kind: kind}, nil
}

// Read performs one blocking grab and copies the pixels out of the reused
// mat buffer.
func (c *videoCapture) Read() (*Frame, bool) {
	if ok := c.vc.Read(&c.mat); !ok {
		return nil, false
	}
	if c.mat.Empty() {
		return nil, false
	}
	return &Frame{
		Data:   c.mat.ToBytes(),
		Width:  c.mat.Cols(),
		Height: c.mat.Rows(),
	}, true
}

func (c *videoCapture) Info() Info {
	info := Info{
		Width:  int(c.vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(c.vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    c.vc.Get(gocv.VideoCaptureFPS),
	}
	if c.kind == KindFile {
		info.TotalFrames = int(c.vc.Get(gocv.VideoCaptureFrameCount))
	}
	return info
}

func (c *videoCapture) Close() {
	c.mat.Close()
	c.vc.Close()
}

// ScanCameras probes local capture devices by index and returns the usable
// ones.
func ScanCameras(max int) []CameraInfo {
	var cameras []CameraInfo
	for i := 0; i < max; i++ {
		c, err := openCapture(KindWebcam, strconv.Itoa(i), "")
		if err != nil {
			continue
		}
		if _, ok := c.Read(); ok {
			info := c.Info()
			cameras = append(cameras, CameraInfo{
				Index:  i,
				Name:   fmt.Sprintf("Camera %d", i),
				Width:  info.Width,
				Height: info.Height,
			})
		}
		c.Close()
	}
	return cameras
}
