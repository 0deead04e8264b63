package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/menta2k/cover-identifier/pkg/types"
)

const (
	// InputSize is the square edge expected by the embedding network.
	InputSize = 224
	// NormalizationScale and NormalizationOffset map an 8-bit sample p to p/127.5 - 1.
	NormalizationScale  = 127.5
	NormalizationOffset = 1.0
	// NormalizationVersion identifies the preprocessing contract; cached
	// embeddings are keyed on it.
	NormalizationVersion = "bilinear224-127.5-v1"
)

// Config controls model input preparation
type Config struct {
	InputSize int
}

// Processor turns a selected region into a model-ready tensor and handles
// the auxiliary image encodings used for debugging and vision backends.
type Processor struct {
	size int
}

// NewProcessor creates a processor with the standard 224x224 input
func NewProcessor() *Processor {
	return &Processor{size: InputSize}
}

// NewProcessorWithConfig creates a processor with a custom input edge.
func NewProcessorWithConfig(cfg Config) *Processor {
	if cfg.InputSize <= 0 {
		cfg.InputSize = InputSize
	}
	return &Processor{size: cfg.InputSize}
}

// InputSize returns the edge length of tensors produced by Prepare
func (p *Processor) InputSize() int { return p.size }

// CropRegion extracts box (relative to the image origin) as a new NRGBA image.
func (p *Processor) CropRegion(img image.Image, box types.BoundingBox) (*image.NRGBA, error) {
	bounds := img.Bounds()
	rect := box.Rect(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, types.Errorf(types.KindInvalidRegion, "region %s does not intersect %dx%d image",
			box, bounds.Dx(), bounds.Dy())
	}
	return imaging.Crop(img, rect), nil
}

// Prepare crops box out of img, resizes it to InputSize x InputSize with a
// bilinear filter and returns a [1, H, W, 3] tensor with every sample
// scaled into [-1, 1].
func (p *Processor) Prepare(img image.Image, box types.BoundingBox) (types.Tensor, error) {
	crop, err := p.CropRegion(img, box)
	if err != nil {
		return types.Tensor{}, err
	}
	resized := imaging.Resize(crop, p.size, p.size, imaging.Linear)
	return p.tensorFromNRGBA(resized), nil
}

func (p *Processor) tensorFromNRGBA(img *image.NRGBA) types.Tensor {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	data := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			data = append(data,
				normalize(px[0]),
				normalize(px[1]),
				normalize(px[2]),
			)
		}
	}
	return types.Tensor{Shape: []int{1, h, w, 3}, Data: data}
}

func normalize(v uint8) float32 {
	return float32(float64(v)/NormalizationScale - NormalizationOffset)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	data, err := p.EncodeForModel(img, format, maxDim, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeForModel downsizes img so its longest edge is at most maxDim and
// encodes it as png or jpeg.
func (p *Processor) EncodeForModel(img image.Image, format string, maxDim int, quality int) ([]byte, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	default: // jpg
		if quality <= 0 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ScaleToPixels converts a normalized box to pixel coordinates of a w x h image.
func ScaleToPixels(box types.Box, w, h int) types.BoundingBox {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	return types.BoundingBox{X1: x0, Y1: y0, X2: x1, Y2: y1}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	case "jpg", "jpeg", "":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// CreateDebugOverlay draws the selected region on a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, region types.BoundingBox) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	green := color.NRGBA{0, 255, 0, 255}
	blue := color.NRGBA{0, 170, 255, 255}
	stroke := int(math.Max(2, 0.004*float64(min(w, h)))) // ~0.4% of min side

	drawRect(nrgba, region.X1, region.Y1, region.X2, region.Y2, green, stroke)

	// image center marker
	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	return x0, y0, x1, y1
}

func drawRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
