package analyzer

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// DefaultDarknessThreshold is the mean 8-bit intensity below which a region is
// treated as a lens-cap or no-light capture.
const DefaultDarknessThreshold = 5.0

// ImageAnalyzer loads photos and computes the cheap statistics the pipeline
// needs before spending time on inference.
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats  []string
	MinImageSize      int
	DarknessThreshold float64
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			SupportedFormats:  []string{"jpeg", "png", "webp", "bmp", "tiff", "gif"},
			MinImageSize:      1,
			DarknessThreshold: DefaultDarknessThreshold,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	if config.MinImageSize < 1 {
		config.MinImageSize = 1
	}
	return &ImageAnalyzer{config: config}
}

// LoadImage decodes an image file, applying EXIF orientation so phone photos
// come out upright. Every failure is reported as ImageUnreadable.
func (a *ImageAnalyzer) LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, types.NewError(types.KindImageUnreadable, "failed to open image file", err)
	}
	defer file.Close()

	img, err := a.LoadImageFromReader(file)
	if err == nil {
		return img, nil
	}

	// x/image/webp does not cover every encoder variant; retry with libwebp.
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		if _, serr := file.Seek(0, io.SeekStart); serr == nil {
			if wimg, werr := webp.Decode(file); werr == nil {
				return wimg, a.ValidateImage(wimg)
			}
		}
	}
	return nil, err
}

// LoadImageFromReader decodes an image from a seekable reader
func (a *ImageAnalyzer) LoadImageFromReader(reader io.ReadSeeker) (image.Image, error) {
	_, format, err := image.DecodeConfig(reader)
	if err != nil {
		return nil, types.NewError(types.KindImageUnreadable, "failed to decode image header", err)
	}
	if !a.isFormatSupported(format) {
		return nil, types.Errorf(types.KindImageUnreadable, "unsupported image format: %s", format)
	}
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return nil, types.NewError(types.KindImageUnreadable, "failed to rewind image", err)
	}

	img, err := imaging.Decode(reader, imaging.AutoOrientation(true))
	if err != nil {
		return nil, types.NewError(types.KindImageUnreadable, "failed to decode image", err)
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:         width,
		Height:        height,
		Area:          width * height,
		MeanIntensity: MeanIntensity(img, bounds),
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width         int
	Height        int
	AspectRatio   float64
	Area          int
	MeanIntensity float64
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
		if strings.EqualFold(supported, "jpg") && strings.EqualFold(format, "jpeg") {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return types.Errorf(types.KindImageUnreadable, "image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}

// CheckLighting rejects an image whose overall mean intensity is below the
// darkness threshold. It is an optional early exit; region selectors repeat
// the check on the candidate crop.
func (a *ImageAnalyzer) CheckLighting(img image.Image) error {
	mean := MeanIntensity(img, img.Bounds())
	if mean < a.config.DarknessThreshold {
		return types.Errorf(types.KindInsufficientLighting,
			"image mean intensity %.2f is below %.0f", mean, a.config.DarknessThreshold)
	}
	return nil
}

// MeanIntensity returns the mean of the 8-bit R, G and B samples inside rect.
// Alpha is ignored. An empty intersection yields 0.
func MeanIntensity(img image.Image, rect image.Rectangle) float64 {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return 0
	}

	var sum uint64
	switch src := img.(type) {
	case *image.NRGBA:
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			i := src.PixOffset(rect.Min.X, y)
			for x := rect.Min.X; x < rect.Max.X; x++ {
				sum += uint64(src.Pix[i]) + uint64(src.Pix[i+1]) + uint64(src.Pix[i+2])
				i += 4
			}
		}
	case *image.RGBA:
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			i := src.PixOffset(rect.Min.X, y)
			for x := rect.Min.X; x < rect.Max.X; x++ {
				sum += uint64(src.Pix[i]) + uint64(src.Pix[i+1]) + uint64(src.Pix[i+2])
				i += 4
			}
		}
	case *image.Gray:
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			i := src.PixOffset(rect.Min.X, y)
			for x := rect.Min.X; x < rect.Max.X; x++ {
				sum += 3 * uint64(src.Pix[i])
				i++
			}
		}
	default:
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				sum += uint64(r>>8) + uint64(g>>8) + uint64(b>>8)
			}
		}
	}

	samples := uint64(rect.Dx()) * uint64(rect.Dy()) * 3
	return float64(sum) / float64(samples)
}

// String implements fmt.Stringer for log output
func (i ImageInfo) String() string {
	return fmt.Sprintf("%dx%d mean=%.1f", i.Width, i.Height, i.MeanIntensity)
}
