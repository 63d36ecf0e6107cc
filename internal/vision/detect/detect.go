// Package detect defines the detection data model shared by the frame
// pipeline, the tracker, and the behaviour classifier.
package detect

// BBox is an axis-aligned bounding box in pixel space. X and Y are the
// top-left corner; W and H are non-negative extents.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center returns the box centre point.
func (b BBox) Center() (x, y float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Contains reports whether the point (x, y) lies inside the box.
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X && x <= b.X+b.W && y >= b.Y && y <= b.Y+b.H
}

// IoU returns the intersection-over-union of two boxes: the ratio of the
// overlap area to the union area, in [0, 1]. Degenerate boxes yield 0.
func (b BBox) IoU(o BBox) float64 {
	ix := max(b.X, o.X)
	iy := max(b.Y, o.Y)
	ix2 := min(b.X+b.W, o.X+o.W)
	iy2 := min(b.Y+b.H, o.Y+o.H)

	if ix2 <= ix || iy2 <= iy {
		return 0
	}
	inter := (ix2 - ix) * (iy2 - iy)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one observation in one frame. Immutable once produced by a
// detector adapter.
type Detection struct {
	Box        BBox    `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"` // [0, 1]
	UnixNanos  int64   `json:"unix_nanos"`
}
