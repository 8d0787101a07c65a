package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kerbside-data/traffic.watch/internal/httputil"
	"github.com/kerbside-data/traffic.watch/internal/stream"
)

// Detector runs inference on a single frame. Implementations must filter to
// the allow-list in Options.Classes, or callers post-filter.
type Detector interface {
	Detect(ctx context.Context, frame *stream.Frame, opts Options) ([]Detection, error)
}

// detectRequest is the wire request to the inference server.
type detectRequest struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Format        string  `json:"format"`
	Image         string  `json:"image"`
	Confidence    float64 `json:"confidence"`
	IOU           float64 `json:"iou"`
	MaxDetections int     `json:"max_detections"`
	Classes       []int   `json:"classes"`
	Tracking      bool    `json:"tracking"`
}

// wireDetection mirrors the inference server's per-object result.
type wireDetection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
	TrackID    *int64  `json:"track_id"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
	TookMs     float64         `json:"took_ms"`
	Error      string          `json:"error,omitempty"`
}

// RemoteDetector calls an external object-detection server over HTTP/JSON.
type RemoteDetector struct {
	url    string
	client httputil.HTTPClient
}

// NewRemoteDetector creates a detector client for the given endpoint URL. A
// nil client falls back to the default HTTP client.
func NewRemoteDetector(url string, client httputil.HTTPClient) *RemoteDetector {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &RemoteDetector{url: url, client: client}
}

// Detect posts the frame to the inference server and decodes its results.
// Detections outside opts.Classes are dropped.
func (d *RemoteDetector) Detect(ctx context.Context, frame *stream.Frame, opts Options) ([]Detection, error) {
	classes := make([]int, 0, len(opts.Classes))
	for _, c := range opts.Classes {
		if id, ok := c.COCOID(); ok {
			classes = append(classes, id)
		}
	}

	reqBody := detectRequest{
		Width:         frame.Width,
		Height:        frame.Height,
		Format:        "bgr24",
		Image:         base64.StdEncoding.EncodeToString(frame.Data),
		Confidence:    opts.Confidence,
		IOU:           opts.IOU,
		MaxDetections: opts.MaxDetections,
		Classes:       classes,
		Tracking:      opts.Tracking,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var decoded detectResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("detector error: %s", decoded.Error)
	}

	allowed := make(map[Class]bool, len(opts.Classes))
	for _, c := range opts.Classes {
		allowed[c] = true
	}

	detections := make([]Detection, 0, len(decoded.Detections))
	for _, w := range decoded.Detections {
		class, ok := ClassFromCOCO(w.ClassID)
		if !ok || !allowed[class] {
			continue
		}
		detections = append(detections, Detection{
			Class:      class,
			Confidence: w.Confidence,
			BBox:       BBox{X1: w.Box[0], Y1: w.Box[1], X2: w.Box[2], Y2: w.Box[3]},
			TrackID:    w.TrackID,
		})
	}
	return detections, nil
}
