// Package render draws detection and tracking overlays onto captured frames
// and encodes them for websocket delivery. It is the only package besides
// stream that touches OpenCV.
package render

import (
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/kerbside-data/traffic.watch/internal/detect"
	"github.com/kerbside-data/traffic.watch/internal/stream"
	"github.com/kerbside-data/traffic.watch/internal/track"
)

const (
	boxThickness    = 2
	cornerAccentLen = 12
	centroidRadius  = 3
	velocityScale   = 4.0
	hudAlpha        = 0.55
)

var classColors = map[detect.Class]color.RGBA{
	detect.Car:        {0, 255, 0, 255},
	detect.Motorcycle: {255, 165, 0, 255},
	detect.Bus:        {0, 191, 255, 255},
	detect.Truck:      {255, 0, 255, 255},
	detect.Bicycle:    {255, 255, 0, 255},
}

var (
	white   = color.RGBA{255, 255, 255, 255}
	black   = color.RGBA{0, 0, 0, 255}
	liveRed = color.RGBA{220, 40, 40, 255}
)

// Annotator draws overlays on BGR frames and produces base64 JPEG output.
type Annotator struct {
	jpegQuality int
	resizeWidth int
	now         func() time.Time
}

// NewAnnotator creates an annotator. Frames wider than resizeWidth are scaled
// down (preserving aspect ratio) after drawing, so overlay coordinates always
// match the source frame. resizeWidth <= 0 disables scaling.
func NewAnnotator(jpegQuality, resizeWidth int) *Annotator {
	return &Annotator{
		jpegQuality: jpegQuality,
		resizeWidth: resizeWidth,
		now:         time.Now,
	}
}

// Render draws detections, track overlays, and the status HUD onto a copy of
// the frame, then returns it as a base64-encoded JPEG.
func (a *Annotator) Render(frame *stream.Frame, dets []detect.Detection, tracks []track.Snapshot, live bool) (string, error) {
	if frame == nil || len(frame.Data) == 0 {
		return "", fmt.Errorf("render: empty frame")
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return "", fmt.Errorf("render: frame to mat: %w", err)
	}
	defer mat.Close()

	tracked := make(map[int64]bool, len(tracks))
	for _, t := range tracks {
		tracked[t.TrackID] = true
	}
	for _, d := range dets {
		// tracked detections get the richer track overlay instead
		if d.TrackID != nil && tracked[*d.TrackID] {
			continue
		}
		a.drawDetection(&mat, d)
	}
	for _, t := range tracks {
		a.drawTrack(&mat, t)
	}
	a.drawHUD(&mat, len(dets), len(tracks), live)

	out := mat
	if a.resizeWidth > 0 && frame.Width > a.resizeWidth {
		h := frame.Height * a.resizeWidth / frame.Width
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, image.Pt(a.resizeWidth, h), 0, 0, gocv.InterpolationArea)
		out = resized
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{gocv.IMWriteJpegQuality, a.jpegQuality})
	if err != nil {
		return "", fmt.Errorf("render: jpeg encode: %w", err)
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}

func (a *Annotator) drawDetection(mat *gocv.Mat, d detect.Detection) {
	col := classColor(d.Class)
	rect := image.Rect(d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2)
	gocv.Rectangle(mat, rect, col, 1)
	drawCornerAccents(mat, rect, col)
	label := fmt.Sprintf("%s %.0f%%", d.Class, d.Confidence*100)
	drawLabel(mat, label, rect.Min, col)
}

func (a *Annotator) drawTrack(mat *gocv.Mat, t track.Snapshot) {
	col := classColor(t.Class)
	rect := image.Rect(t.BBox.X1, t.BBox.Y1, t.BBox.X2, t.BBox.Y2)
	gocv.Rectangle(mat, rect, col, boxThickness)
	drawCornerAccents(mat, rect, col)

	label := fmt.Sprintf("#%d %s", t.TrackID, t.Class)
	if t.SpeedKMH > 0 {
		label = fmt.Sprintf("%s %.1f km/h", label, t.SpeedKMH)
	}
	drawLabel(mat, label, rect.Min, col)

	center := image.Pt(int(t.Centroid.X), int(t.Centroid.Y))
	gocv.Circle(mat, center, centroidRadius, col, -1)

	if n := len(t.Trajectory); n >= 2 {
		pts := make([]image.Point, 0, n)
		for _, p := range t.Trajectory {
			pts = append(pts, image.Pt(int(p.X), int(p.Y)))
		}
		ptsVec := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
		gocv.Polylines(mat, ptsVec, false, col, 1)
		ptsVec.Close()

		// velocity arrow from the most recent displacement
		prev := t.Trajectory[n-2]
		dx := (t.Centroid.X - prev.X) * velocityScale
		dy := (t.Centroid.Y - prev.Y) * velocityScale
		tip := image.Pt(int(t.Centroid.X+dx), int(t.Centroid.Y+dy))
		gocv.ArrowedLine(mat, center, tip, col, 2)
	}
}

// drawHUD paints a translucent status strip across the top-left corner.
func (a *Annotator) drawHUD(mat *gocv.Mat, detections, activeTracks int, live bool) {
	strip := image.Rect(0, 0, 340, 58).Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	if strip.Empty() {
		return
	}
	overlay := mat.Region(strip)
	defer overlay.Close()
	shade := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), overlay.Rows(), overlay.Cols(), gocv.MatTypeCV8UC3)
	defer shade.Close()
	gocv.AddWeighted(shade, hudAlpha, overlay, 1-hudAlpha, 0, &overlay)

	mode := "REPLAY"
	if live {
		mode = "LIVE"
		gocv.Circle(mat, image.Pt(14, 18), 5, liveRed, -1)
	}
	header := fmt.Sprintf("%s  %s", mode, a.now().Format("2006-01-02 15:04:05"))
	gocv.PutText(mat, header, image.Pt(26, 22), gocv.FontHersheySimplex, 0.5, white, 1)
	status := fmt.Sprintf("detections: %d  tracks: %d", detections, activeTracks)
	gocv.PutText(mat, status, image.Pt(26, 46), gocv.FontHersheySimplex, 0.45, white, 1)
}

func drawCornerAccents(mat *gocv.Mat, r image.Rectangle, col color.RGBA) {
	l := cornerAccentLen
	corners := [4][3]image.Point{
		{r.Min, image.Pt(r.Min.X+l, r.Min.Y), image.Pt(r.Min.X, r.Min.Y+l)},
		{image.Pt(r.Max.X, r.Min.Y), image.Pt(r.Max.X-l, r.Min.Y), image.Pt(r.Max.X, r.Min.Y+l)},
		{image.Pt(r.Min.X, r.Max.Y), image.Pt(r.Min.X+l, r.Max.Y), image.Pt(r.Min.X, r.Max.Y-l)},
		{r.Max, image.Pt(r.Max.X-l, r.Max.Y), image.Pt(r.Max.X, r.Max.Y-l)},
	}
	for _, c := range corners {
		gocv.Line(mat, c[0], c[1], col, boxThickness+1)
		gocv.Line(mat, c[0], c[2], col, boxThickness+1)
	}
}

func drawLabel(mat *gocv.Mat, text string, anchor image.Point, col color.RGBA) {
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.45, 1)
	pt := image.Pt(anchor.X, anchor.Y-6)
	if pt.Y-size.Y < 0 {
		pt.Y = anchor.Y + size.Y + 6
	}
	bg := image.Rect(pt.X-2, pt.Y-size.Y-4, pt.X+size.X+2, pt.Y+4)
	gocv.Rectangle(mat, bg, col, -1)
	gocv.PutText(mat, text, pt, gocv.FontHersheySimplex, 0.45, black, 1)
}

func classColor(c detect.Class) color.RGBA {
	if col, ok := classColors[c]; ok {
		return col
	}
	return white
}
