package analyzer

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cover.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func TestNew(t *testing.T) {
	analyzer := New()
	if analyzer == nil {
		t.Fatal("New() returned nil")
	}

	if analyzer.config.DarknessThreshold != 5 {
		t.Errorf("Expected darkness threshold 5, got %f", analyzer.config.DarknessThreshold)
	}
}

func TestNewWithConfig(t *testing.T) {
	cfg := Config{
		SupportedFormats:  []string{"png"},
		MinImageSize:      200,
		DarknessThreshold: 10,
	}

	analyzer := NewWithConfig(cfg)
	if analyzer.config.MinImageSize != 200 {
		t.Errorf("Expected min size 200, got %d", analyzer.config.MinImageSize)
	}

	analyzer = NewWithConfig(Config{})
	if analyzer.config.MinImageSize != 1 {
		t.Errorf("Expected min size to be raised to 1, got %d", analyzer.config.MinImageSize)
	}
}

func TestLoadImage(t *testing.T) {
	analyzer := New()
	path := writePNG(t, createTestImage(64, 48))

	img, err := analyzer.LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("Expected 64x48, got %v", img.Bounds())
	}
}

func TestLoadImageMissingFile(t *testing.T) {
	_, err := New().LoadImage(filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, types.ErrImageUnreadable) {
		t.Fatalf("Expected ErrImageUnreadable, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected cause to be os.ErrNotExist, got %v", err)
	}
}

func TestLoadImageCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.jpg")
	if err := os.WriteFile(path, []byte("definitely not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New().LoadImage(path); !errors.Is(err, types.ErrImageUnreadable) {
		t.Fatalf("Expected ErrImageUnreadable, got %v", err)
	}
}

func TestLoadImageUnsupportedFormat(t *testing.T) {
	analyzer := NewWithConfig(Config{SupportedFormats: []string{"jpeg"}})

	var buf bytes.Buffer
	if err := png.Encode(&buf, createTestImage(8, 8)); err != nil {
		t.Fatal(err)
	}
	_, err := analyzer.LoadImageFromReader(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, types.ErrImageUnreadable) {
		t.Fatalf("Expected unsupported format to be unreadable, got %v", err)
	}
}

func TestGetImageInfo(t *testing.T) {
	analyzer := New()
	img := createTestImage(400, 300)

	info := analyzer.GetImageInfo(img)

	if info.Width != 400 {
		t.Errorf("Expected width 400, got %d", info.Width)
	}

	if info.Height != 300 {
		t.Errorf("Expected height 300, got %d", info.Height)
	}

	expectedRatio := float64(400) / float64(300)
	if info.AspectRatio != expectedRatio {
		t.Errorf("Expected aspect ratio %f, got %f", expectedRatio, info.AspectRatio)
	}

	if info.Area != 120000 {
		t.Errorf("Expected area 120000, got %d", info.Area)
	}
}

func TestMeanIntensity(t *testing.T) {
	img := solidImage(10, 10, color.RGBA{30, 60, 90, 255})
	if got := MeanIntensity(img, img.Bounds()); math.Abs(got-60) > 1e-9 {
		t.Errorf("Expected mean 60, got %f", got)
	}

	// Bright square on black: mean over the square only
	canvas := solidImage(20, 20, color.RGBA{0, 0, 0, 255})
	for y := 5; y < 10; y++ {
		for x := 5; x < 10; x++ {
			canvas.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	if got := MeanIntensity(canvas, image.Rect(5, 5, 10, 10)); got != 255 {
		t.Errorf("Expected mean 255 inside the square, got %f", got)
	}
	if got := MeanIntensity(canvas, image.Rect(100, 100, 110, 110)); got != 0 {
		t.Errorf("Expected 0 for empty intersection, got %f", got)
	}
}

func TestMeanIntensityGenericPath(t *testing.T) {
	ycc := image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio444)
	for i := range ycc.Y {
		ycc.Y[i] = 200
	}
	for i := range ycc.Cb {
		ycc.Cb[i] = 128
		ycc.Cr[i] = 128
	}
	got := MeanIntensity(ycc, ycc.Bounds())
	if math.Abs(got-200) > 1.5 {
		t.Errorf("Expected mean close to 200 for neutral YCbCr, got %f", got)
	}
}

func TestCheckLighting(t *testing.T) {
	analyzer := New()

	if err := analyzer.CheckLighting(solidImage(50, 50, color.RGBA{0, 0, 0, 255})); !errors.Is(err, types.ErrInsufficientLighting) {
		t.Errorf("Expected black image to fail lighting check, got %v", err)
	}
	if err := analyzer.CheckLighting(solidImage(50, 50, color.RGBA{5, 5, 5, 255})); err != nil {
		t.Errorf("Expected mean exactly at threshold to pass, got %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	analyzer := NewWithConfig(Config{SupportedFormats: []string{"png"}, MinImageSize: 100})

	// Valid image
	validImg := createTestImage(200, 200)
	if err := analyzer.ValidateImage(validImg); err != nil {
		t.Errorf("Valid image should pass validation: %v", err)
	}

	// Invalid image (too small)
	invalidImg := createTestImage(50, 50)
	if err := analyzer.ValidateImage(invalidImg); err == nil {
		t.Error("Small image should fail validation")
	}
}

func TestIsFormatSupported(t *testing.T) {
	analyzer := New()

	supportedFormats := []string{"jpeg", "png", "webp", "JPEG", "PNG"}
	for _, format := range supportedFormats {
		if !analyzer.isFormatSupported(format) {
			t.Errorf("Format %s should be supported", format)
		}
	}

	analyzer = NewWithConfig(Config{SupportedFormats: []string{"jpg"}})
	if !analyzer.isFormatSupported("jpeg") {
		t.Error("jpg in config should accept the jpeg decoder name")
	}
	if analyzer.isFormatSupported("png") {
		t.Error("png should not be supported")
	}
}

func BenchmarkMeanIntensity(b *testing.B) {
	img := createTestImage(1920, 1080)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MeanIntensity(img, img.Bounds())
	}
}
