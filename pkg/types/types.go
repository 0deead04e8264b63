package types

import (
	"fmt"
	"image"
)

// BoundingBox is a rectangle in pixel coordinates relative to the image origin.
// (X1, Y1) is the upper-left corner and (X2, Y2) the exclusive lower-right corner.
// Boxes supplied by callers are not validated until a region selector clamps them.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the box
func (b BoundingBox) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

// Area returns the pixel area, or 0 for degenerate boxes
func (b BoundingBox) Area() int {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return b.Width() * b.Height()
}

// Valid reports whether the box has positive width and height
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// IsWholeImageSentinel reports whether the box uses x2 == 0 && y2 == 0,
// which callers use to mean "the whole image".
func (b BoundingBox) IsWholeImageSentinel() bool {
	return b.X2 == 0 && b.Y2 == 0
}

// Rect converts the box to an image.Rectangle anchored at origin.
func (b BoundingBox) Rect(origin image.Point) image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2).Add(origin)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", b.X1, b.Y1, b.X2, b.Y2)
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is a single candidate region reported by a detector, in pixel
// coordinates of the image that was passed to it.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// Box truncates the detection corners to integer pixels.
func (d Detection) Box() BoundingBox {
	return BoundingBox{X1: int(d.X1), Y1: int(d.Y1), X2: int(d.X2), Y2: int(d.Y2)}
}

// CoverAnalysis is the structured answer a vision model gives when asked to
// locate an album cover.
type CoverAnalysis struct {
	Found       bool    `json:"found"`
	Confidence  float64 `json:"confidence"`
	Box         Box     `json:"box"`
	Description string  `json:"description"`
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements implied by Shape
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// NCHW returns a copy of a [N,H,W,C] tensor laid out as [N,C,H,W].
func (t Tensor) NCHW() (Tensor, error) {
	if len(t.Shape) != 4 {
		return Tensor{}, fmt.Errorf("expected rank 4 tensor, got shape %v", t.Shape)
	}
	if t.Len() != len(t.Data) {
		return Tensor{}, fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}
	n, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := make([]float32, len(t.Data))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := ((b*h+y)*w + x) * c
				for ch := 0; ch < c; ch++ {
					out[((b*c+ch)*h+y)*w+x] = t.Data[src+ch]
				}
			}
		}
	}
	return Tensor{Shape: []int{n, c, h, w}, Data: out}, nil
}

// ParsedLabel is the human readable form of a catalog label
type ParsedLabel struct {
	Album  string `json:"album"`
	Artist string `json:"artist"`
}

// MatchResult is the best catalog match for a query image.
type MatchResult struct {
	Album    string      `json:"album"`
	Artist   string      `json:"artist"`
	Score    float64     `json:"score"`
	Index    int         `json:"index"`
	RawLabel string      `json:"raw_label"`
	Region   BoundingBox `json:"region"`
}
