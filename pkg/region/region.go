// Package region chooses and validates the part of a photo that holds the
// album artwork.
package region

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/cover-identifier/internal/logger"
	"github.com/menta2k/cover-identifier/pkg/analyzer"
	"github.com/menta2k/cover-identifier/pkg/detection"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// Selector returns a validated box in coordinates relative to img's origin.
// rect is the caller's rectangle; nil or the (x2 == 0 && y2 == 0) sentinel
// means the whole image. Detector-backed selectors ignore it.
type Selector interface {
	Select(ctx context.Context, img image.Image, rect *types.BoundingBox) (types.BoundingBox, error)
}

// Config holds the checks shared by all selectors
type Config struct {
	DarknessThreshold float64
	// WholeImagePrecheck rejects a dark source image before any cropping.
	WholeImagePrecheck bool
}

// DefaultConfig returns the standard darkness threshold with no precheck
func DefaultConfig() Config {
	return Config{DarknessThreshold: analyzer.DefaultDarknessThreshold}
}

// Clamp limits x1,y1 to [0, w-1]/[0, h-1] and x2,y2 to [0, w]/[0, h].
func Clamp(box types.BoundingBox, w, h int) types.BoundingBox {
	return types.BoundingBox{
		X1: clampInt(box.X1, 0, w-1),
		Y1: clampInt(box.Y1, 0, h-1),
		X2: clampInt(box.X2, 0, w),
		Y2: clampInt(box.Y2, 0, h),
	}
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// validate clamps box, rejects degenerate results and checks the crop is lit.
func validate(img image.Image, box types.BoundingBox, threshold float64) (types.BoundingBox, error) {
	b := img.Bounds()
	clamped := Clamp(box, b.Dx(), b.Dy())
	if clamped.X2 <= clamped.X1 || clamped.Y2 <= clamped.Y1 {
		return types.BoundingBox{}, types.Errorf(types.KindInvalidRegion,
			"region %s is empty after clamping to %dx%d", clamped, b.Dx(), b.Dy())
	}

	rect := clamped.Rect(b.Min).Intersect(b)
	if rect.Empty() {
		return types.BoundingBox{}, types.Errorf(types.KindInvalidRegion, "region %s has zero area", clamped)
	}

	if mean := analyzer.MeanIntensity(img, rect); mean < threshold {
		return types.BoundingBox{}, types.Errorf(types.KindInsufficientLighting,
			"region %s mean intensity %.2f is below %.0f", clamped, mean, threshold)
	}
	return clamped, nil
}

func precheck(img image.Image, cfg Config) error {
	if !cfg.WholeImagePrecheck {
		return nil
	}
	return analyzer.NewWithConfig(analyzer.Config{DarknessThreshold: cfg.DarknessThreshold}).CheckLighting(img)
}

// ManualSelector validates a caller supplied rectangle
type ManualSelector struct {
	cfg Config
}

var _ Selector = (*ManualSelector)(nil)

// NewManual creates a manual selector with the default configuration
func NewManual() *ManualSelector {
	return &ManualSelector{cfg: DefaultConfig()}
}

// NewManualWithConfig creates a manual selector
func NewManualWithConfig(cfg Config) *ManualSelector {
	return &ManualSelector{cfg: cfg}
}

// Select clamps rect to the image and validates it.
func (s *ManualSelector) Select(ctx context.Context, img image.Image, rect *types.BoundingBox) (types.BoundingBox, error) {
	if err := precheck(img, s.cfg); err != nil {
		return types.BoundingBox{}, err
	}

	b := img.Bounds()
	box := types.BoundingBox{X2: b.Dx(), Y2: b.Dy()}
	if rect != nil {
		box = *rect
		if box.IsWholeImageSentinel() {
			box.X2, box.Y2 = b.Dx(), b.Dy()
		}
	}
	return validate(img, box, s.cfg.DarknessThreshold)
}

// DetectorSelector takes the detector's top ranked box
type DetectorSelector struct {
	detector detection.Detector
	cfg      Config
}

var _ Selector = (*DetectorSelector)(nil)

// NewDetector creates a selector backed by d
func NewDetector(d detection.Detector, cfg Config) *DetectorSelector {
	return &DetectorSelector{detector: d, cfg: cfg}
}

// Select runs the detector on the full image and validates detection 0.
func (s *DetectorSelector) Select(ctx context.Context, img image.Image, rect *types.BoundingBox) (types.BoundingBox, error) {
	if rect != nil && !rect.IsWholeImageSentinel() {
		logger.FromContext(ctx).Debug("ignoring caller rectangle in detector mode", zap.Stringer("rect", rect))
	}
	if err := precheck(img, s.cfg); err != nil {
		return types.BoundingBox{}, err
	}

	dets, err := s.detector.Detect(ctx, img)
	if err != nil {
		return types.BoundingBox{}, types.NewError(types.KindInferenceError, "cover detector failed", err)
	}
	if len(dets) == 0 {
		return types.BoundingBox{}, types.Errorf(types.KindNoCoverDetected, "detector returned no candidates")
	}

	top := dets[0]
	logger.FromContext(ctx).Debug("cover detected",
		zap.String("label", top.Label),
		zap.Float64("confidence", top.Confidence),
		zap.Int("candidates", len(dets)),
	)
	return validate(img, top.Box(), s.cfg.DarknessThreshold)
}
