package detection

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/cover-identifier/pkg/client"
	"github.com/menta2k/cover-identifier/pkg/processing"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// Detector locates candidate album covers in an image. Detections are
// returned in the detector's own ranking; callers use position 0.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// DescribePrompt asks for a free-form description of the image.
const DescribePrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks a vision model for a single album cover bounding box.
const DefaultPrompt = `You are an album cover locator.

Return JSON only:
{
  "found": true,
  "confidence": 0.0,
  "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "description": "short neutral sentence (max 20 words)"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). (x, y) is the top-left corner.
- The box must tightly enclose the printed artwork of one album cover, record sleeve or CD booklet.
- Prefer the largest, most frontal cover when several are visible.
- Exclude hands, tables, shelves and the vinyl disc itself.
- If no album cover is visible, return {"found": false, "confidence": 0.0, "box": {"x": 0, "y": 0, "w": 0, "h": 0}, "description": "no cover"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// VisionConfig controls how images are sent to the vision model
type VisionConfig struct {
	Model   string
	Prompt  string
	MaxDim  int
	Quality int
	// MinConfidence drops answers the model itself is unsure about.
	MinConfidence float64
}

// VisionDetector asks a multimodal LLM where the cover is
type VisionDetector struct {
	client    client.VisionClient
	processor *processing.Processor
	cfg       VisionConfig
}

var _ Detector = (*VisionDetector)(nil)

// NewVisionDetector creates a detector backed by a vision client
func NewVisionDetector(c client.VisionClient, cfg VisionConfig) *VisionDetector {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.MaxDim <= 0 {
		cfg.MaxDim = 1024
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	return &VisionDetector{client: c, processor: processing.NewProcessor(), cfg: cfg}
}

// Detect returns at most one detection in pixel coordinates of img.
func (d *VisionDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.cfg.MaxDim, d.cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for model: %w", err)
	}

	result, err := d.client.AnalyzeImage(ctx, d.cfg.Model, d.cfg.Prompt, imgB64)
	if err != nil {
		return nil, err
	}
	result = validateResult(result)
	if !result.Found || result.Confidence < d.cfg.MinConfidence {
		return nil, nil
	}

	// The model answered for the downscaled copy; normalized coordinates
	// carry over to the original unchanged.
	b := img.Bounds()
	px := processing.ScaleToPixels(result.Box, b.Dx(), b.Dy())
	if !px.Valid() {
		return nil, nil
	}
	return []types.Detection{{
		Label:      "album_cover",
		Confidence: result.Confidence,
		X1:         float64(px.X1),
		Y1:         float64(px.Y1),
		X2:         float64(px.X2),
		Y2:         float64(px.Y2),
	}}, nil
}

// Describe checks that the model receives the image by asking it to describe
// the photo in plain text.
func (d *VisionDetector) Describe(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := d.processor.PrepareImageForModel(img, "jpg", d.cfg.MaxDim, d.cfg.Quality)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.cfg.Model, DescribePrompt, imgB64)
}

// validateResult clamps the box into the unit square and treats answers that
// describe a fallback as "not found".
func validateResult(result *types.CoverAnalysis) *types.CoverAnalysis {
	result.Box = normalizeBox(result.Box)
	result.Confidence = clamp(result.Confidence, 0, 1)

	desc := strings.ToLower(result.Description)
	for _, indicator := range []string{"no cover", "non-json", "failed to parse"} {
		if strings.Contains(desc, indicator) {
			result.Found = false
			break
		}
	}
	if result.Box.W <= 0 || result.Box.H <= 0 {
		result.Found = false
	}
	return result
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps the box inside [0,1] x [0,1]
func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}
