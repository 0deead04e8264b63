// Package vision implements a model-free cover locator based on a simple
// edge and contrast saliency map. It is a fallback for deployments without a
// detection model or vision LLM.
package vision

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// SubjectDetector finds square, high-saliency regions, which is what a cover
// photographed against a plain background looks like.
type SubjectDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for saliency detection
type DetectionConfig struct {
	EdgeThreshold   float64
	ContrastWeight  float64
	ColorWeight     float64
	MinSubjectRatio float64
	// WorkingSize is the longest edge of the downscaled copy the saliency map
	// is computed on.
	WorkingSize int
	MaxRegions  int
}

// DefaultConfig returns the tuning used by New
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		EdgeThreshold:   0.01,
		ContrastWeight:  0.7,
		ColorWeight:     0.3,
		MinSubjectRatio: 0.05,
		WorkingSize:     256,
		MaxRegions:      10,
	}
}

// New creates a new SubjectDetector with default configuration
func New() *SubjectDetector {
	return &SubjectDetector{config: DefaultConfig()}
}

// NewWithConfig creates a new SubjectDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SubjectDetector {
	def := DefaultConfig()
	if config.WorkingSize <= 0 {
		config.WorkingSize = def.WorkingSize
	}
	if config.MaxRegions <= 0 {
		config.MaxRegions = def.MaxRegions
	}
	return &SubjectDetector{config: config}
}

// Region represents a rectangular region of interest
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// Detect implements detection.Detector. Regions are ranked by score and
// reported in pixel coordinates of img.
func (d *SubjectDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	work := imaging.Fit(img, d.config.WorkingSize, d.config.WorkingSize, imaging.Linear)
	scaleX := float64(bounds.Dx()) / float64(work.Bounds().Dx())
	scaleY := float64(bounds.Dy()) / float64(work.Bounds().Dy())

	regions := d.DetectSubjects(work)
	if len(regions) == 0 {
		return nil, nil
	}

	best := regions[0].Score
	dets := make([]types.Detection, 0, len(regions))
	for _, r := range regions {
		conf := 0.0
		if best > 0 {
			conf = r.Score / best
		}
		dets = append(dets, types.Detection{
			Label:      "salient_region",
			Confidence: conf,
			X1:         float64(r.X) * scaleX,
			Y1:         float64(r.Y) * scaleY,
			X2:         float64(r.X+r.Width) * scaleX,
			Y2:         float64(r.Y+r.Height) * scaleY,
		})
	}
	return dets, nil
}

// DetectSubjects returns square regions of img ordered by saliency.
func (d *SubjectDetector) DetectSubjects(img *image.NRGBA) []Region {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	saliency := d.calculateSaliencyMap(img)
	integral := integralImage(saliency, width, height)

	regions := d.findImportantRegions(integral, width, height)
	regions = d.filterAndScoreRegions(regions, width, height)
	if len(regions) > d.config.MaxRegions {
		regions = regions[:d.config.MaxRegions]
	}
	return regions
}

func (d *SubjectDetector) calculateSaliencyMap(img *image.NRGBA) [][]float64 {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	saliencyMap := make([][]float64, height)
	for i := range saliencyMap {
		saliencyMap[i] = make([]float64, width)
	}

	at := func(x, y int) (float64, float64, float64) {
		i := y*img.Stride + x*4
		return float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
	}

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			r1, g1, b1 := at(x, y)

			var edgeStrength float64
			for _, off := range [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}} {
				r2, g2, b2 := at(x+off[0], y+off[1])
				dr, dg, db := r1-r2, g1-g2, b1-b2
				edgeStrength += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			edgeStrength /= 8.0 * 255.0

			brightness := (r1 + g1 + b1) / (3.0 * 255.0)
			saliencyMap[y][x] = d.config.ContrastWeight*edgeStrength + d.config.ColorWeight*brightness
		}
	}
	return saliencyMap
}

// integralImage returns a (h+1)x(w+1) summed-area table
func integralImage(m [][]float64, width, height int) [][]float64 {
	sat := make([][]float64, height+1)
	for i := range sat {
		sat[i] = make([]float64, width+1)
	}
	for y := 0; y < height; y++ {
		var row float64
		for x := 0; x < width; x++ {
			row += m[y][x]
			sat[y+1][x+1] = sat[y][x+1] + row
		}
	}
	return sat
}

func (d *SubjectDetector) findImportantRegions(sat [][]float64, width, height int) []Region {
	var regions []Region

	short := min(width, height)
	for _, frac := range []float64{0.3, 0.45, 0.6, 0.75, 0.9} {
		size := int(float64(short) * frac)
		if size < 10 {
			continue
		}
		step := max(size/8, 1)

		for y := 0; y+size <= height; y += step {
			for x := 0; x+size <= width; x += step {
				inside := regionMean(sat, x, y, size, size)
				// A cover stands out from its surroundings, so reward contrast
				// with the frame around the window.
				score := inside - 0.5*ringMean(sat, x, y, size, width, height)
				if score > d.config.EdgeThreshold {
					regions = append(regions, Region{X: x, Y: y, Width: size, Height: size, Score: score})
				}
			}
		}
	}
	return regions
}

func regionMean(sat [][]float64, x, y, w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	sum := sat[y+h][x+w] - sat[y][x+w] - sat[y+h][x] + sat[y][x]
	return sum / float64(w*h)
}

func ringMean(sat [][]float64, x, y, size, width, height int) float64 {
	pad := max(size/8, 1)
	ox0, oy0 := max(x-pad, 0), max(y-pad, 0)
	ox1, oy1 := min(x+size+pad, width), min(y+size+pad, height)

	outerArea := (ox1 - ox0) * (oy1 - oy0)
	innerArea := size * size
	if outerArea <= innerArea {
		return 0
	}
	outer := regionMean(sat, ox0, oy0, ox1-ox0, oy1-oy0) * float64(outerArea)
	inner := regionMean(sat, x, y, size, size) * float64(innerArea)
	return (outer - inner) / float64(outerArea-innerArea)
}

func (d *SubjectDetector) filterAndScoreRegions(regions []Region, imageWidth, imageHeight int) []Region {
	minArea := int(float64(imageWidth*imageHeight) * d.config.MinSubjectRatio)

	filtered := regions[:0]
	for _, region := range regions {
		if region.Area() >= minArea {
			filtered = append(filtered, region)
		}
	}

	// Larger regions win ties so a uniform cover is not split into tiles.
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		return filtered[i].Area() > filtered[j].Area()
	})
	return filtered
}
