// Package detect defines the vehicle detection contract and the client for
// the external inference server. The detector is an opaque collaborator:
// given a frame it returns class, confidence, bounding box, and an optional
// persistent track identity assigned by its own short-term association.
package detect

// Class is a vehicle class label.
type Class string

const (
	Car        Class = "car"
	Motorcycle Class = "motorcycle"
	Bus        Class = "bus"
	Truck      Class = "truck"
	Bicycle    Class = "bicycle"
)

// cocoIDs maps vehicle classes to their COCO class ids, the vocabulary the
// inference server speaks.
var cocoIDs = map[Class]int{
	Bicycle:    1,
	Car:        2,
	Motorcycle: 3,
	Bus:        5,
	Truck:      7,
}

var classByCOCO = func() map[int]Class {
	m := make(map[int]Class, len(cocoIDs))
	for c, id := range cocoIDs {
		m[id] = c
	}
	return m
}()

// ClassFromCOCO maps a COCO class id back to a vehicle class.
func ClassFromCOCO(id int) (Class, bool) {
	c, ok := classByCOCO[id]
	return c, ok
}

// COCOID returns the COCO class id for a vehicle class.
func (c Class) COCOID() (int, bool) {
	id, ok := cocoIDs[c]
	return id, ok
}

// IsValid reports whether c is a known vehicle class.
func (c Class) IsValid() bool {
	_, ok := cocoIDs[c]
	return ok
}

// DefaultClasses is the counting allow-list. Bicycles remain a known class
// but are excluded from counting by default.
var DefaultClasses = []Class{Car, Motorcycle, Bus, Truck}

// BBox is a pixel-space bounding box.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Centroid returns the center point of the box.
func (b BBox) Centroid() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Detection is one detector result for a single frame. TrackID is nil when
// the detector ran without tracking.
type Detection struct {
	Class      Class   `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	TrackID    *int64  `json:"track_id,omitempty"`
}

// Options carries the fixed inference configuration for a Detect call.
type Options struct {
	Confidence    float64
	IOU           float64
	MaxDetections int
	Classes       []Class
	Tracking      bool
}
