package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kerbside-data/traffic.watch/internal/counterdb"
	"github.com/kerbside-data/traffic.watch/internal/httputil"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
	"github.com/kerbside-data/traffic.watch/internal/units"
)

const maxUploadBytes = 2 << 30 // 2GiB video upload cap

// replaceUpload records path as the active uploaded file and deletes the
// previous one. Pass "" when the new source is not an upload.
func (s *Server) replaceUpload(path string) {
	s.uploadMu.Lock()
	prev := s.uploadPath
	s.uploadPath = path
	s.uploadMu.Unlock()
	if prev != "" && prev != path {
		if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
			monitoring.Logf("api: removing uploaded file %s: %v", prev, err)
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"is_running": s.engine.Running(),
	})
}

// statsResponse is the engine snapshot with speeds converted to the
// requested units.
type statsResponse struct {
	Snapshot interface{} `json:"snapshot"`
	Units    string      `json:"units"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	target := s.units
	if u := r.URL.Query().Get("units"); u != "" {
		if !units.IsValid(u) {
			httputil.BadRequest(w, fmt.Sprintf("invalid units %q, valid values: %s", u, units.ValidUnitsString()))
			return
		}
		target = u
	}

	snap := s.engine.Snapshot()
	snap.Tracking.AvgSpeedKMH = units.ConvertFromKMH(snap.Tracking.AvgSpeedKMH, target)
	httputil.WriteJSONOK(w, statsResponse{Snapshot: snap, Units: target})
}

func (s *Server) startFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("missing video upload: %v", err))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("creating temp file: %v", err))
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		httputil.InternalServerError(w, fmt.Sprintf("saving upload: %v", err))
		return
	}
	tmp.Close()

	info, err := s.engine.SetSourceFile(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		httputil.BadRequest(w, err.Error())
		return
	}
	s.replaceUpload(tmp.Name())
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":       "started",
		"source":       "file",
		"filename":     header.Filename,
		"width":        info.Width,
		"height":       info.Height,
		"fps":          info.FPS,
		"total_frames": info.TotalFrames,
	})
}

func (s *Server) startRTSP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	url := r.FormValue("url")
	if url == "" {
		httputil.BadRequest(w, "url is required")
		return
	}
	cameraID := r.FormValue("camera_id")
	cameraName := r.FormValue("camera_name")

	info, resumed, err := s.engine.SetSourceRTSP(url, cameraID, cameraName)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.replaceUpload("")
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":    "started",
		"source":    "rtsp",
		"transport": info.Transport,
		"width":     info.Width,
		"height":    info.Height,
		"fps":       info.FPS,
		"resumed":   resumed,
	})
}

func (s *Server) startWebcam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	index := 0
	if v := r.FormValue("index"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid device index %q", v))
			return
		}
		index = parsed
	}

	info, err := s.engine.SetSourceWebcam(index)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.replaceUpload("")
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status": "started",
		"source": "webcam",
		"index":  index,
		"width":  info.Width,
		"height": info.Height,
		"fps":    info.FPS,
	})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	s.engine.Stop()
	s.replaceUpload("")
	snap := s.engine.Snapshot()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":         "stopped",
		"counts":         snap.Counts,
		"total_detected": snap.TotalDetected,
	})
}

func (s *Server) testRTSP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	url := r.FormValue("url")
	if url == "" {
		httputil.BadRequest(w, "url is required")
		return
	}

	transport, err := s.probeRTSP(url)
	if err != nil {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"reachable": false,
			"error":     err.Error(),
		})
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"reachable": true,
		"transport": transport,
	})
}

func (s *Server) cameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"cameras": s.scanCameras(5),
	})
}

func (s *Server) counters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONOK(w, map[string]interface{}{"counters": []counterdb.CameraCounts{}})
		return
	}

	all, err := s.store.All()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("reading counters: %v", err))
		return
	}
	if all == nil {
		all = []counterdb.CameraCounts{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"counters": all})
}
