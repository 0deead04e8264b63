package processing

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/cover-identifier/pkg/types"
)

func fill(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestPrepareShapeAndRange(t *testing.T) {
	p := NewProcessor()
	img := fill(500, 300, color.NRGBA{10, 200, 90, 255})

	tensor, err := p.Prepare(img, types.BoundingBox{X1: 20, Y1: 30, X2: 480, Y2: 290})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	want := []int{1, InputSize, InputSize, 3}
	for i := range want {
		if tensor.Shape[i] != want[i] {
			t.Fatalf("Expected shape %v, got %v", want, tensor.Shape)
		}
	}
	if len(tensor.Data) != InputSize*InputSize*3 {
		t.Fatalf("Expected %d values, got %d", InputSize*InputSize*3, len(tensor.Data))
	}
	for i, v := range tensor.Data {
		if v < -1 || v > 1 {
			t.Fatalf("value %d out of range: %f", i, v)
		}
	}
}

func TestPrepareNormalizationEndpoints(t *testing.T) {
	p := NewProcessor()

	white, err := p.Prepare(fill(50, 50, color.NRGBA{255, 255, 255, 255}), types.BoundingBox{X2: 50, Y2: 50})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range white.Data {
		if v != 1 {
			t.Fatalf("Expected white to map to 1, got %f", v)
		}
	}

	black, err := p.Prepare(fill(50, 50, color.NRGBA{0, 0, 0, 255}), types.BoundingBox{X2: 50, Y2: 50})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range black.Data {
		if v != -1 {
			t.Fatalf("Expected black to map to -1, got %f", v)
		}
	}
}

func TestPrepareChannelOrder(t *testing.T) {
	p := NewProcessor()
	tensor, err := p.Prepare(fill(10, 10, color.NRGBA{255, 0, 0, 255}), types.BoundingBox{X2: 10, Y2: 10})
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Data[0] != 1 || tensor.Data[1] != -1 || tensor.Data[2] != -1 {
		t.Errorf("Expected RGB order (1,-1,-1), got (%f,%f,%f)", tensor.Data[0], tensor.Data[1], tensor.Data[2])
	}
}

func TestPrepareSinglePixelRegion(t *testing.T) {
	p := NewProcessor()
	tensor, err := p.Prepare(fill(5, 5, color.NRGBA{128, 128, 128, 255}), types.BoundingBox{X1: 2, Y1: 2, X2: 3, Y2: 3})
	if err != nil {
		t.Fatalf("1x1 region should be accepted: %v", err)
	}
	if tensor.Len() != InputSize*InputSize*3 {
		t.Errorf("Expected upscaled tensor, got shape %v", tensor.Shape)
	}
}

func TestPrepareNonZeroOrigin(t *testing.T) {
	p := NewProcessor()
	base := fill(100, 100, color.NRGBA{0, 0, 0, 255})
	for y := 50; y < 100; y++ {
		for x := 50; x < 100; x++ {
			base.SetNRGBA(x, y, color.NRGBA{255, 255, 255, 255})
		}
	}
	sub := base.SubImage(image.Rect(50, 50, 100, 100))

	tensor, err := p.Prepare(sub, types.BoundingBox{X2: 50, Y2: 50})
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Data[0] != 1 {
		t.Errorf("Expected region relative to sub-image origin, got %f", tensor.Data[0])
	}
}

func TestPrepareOutsideImage(t *testing.T) {
	_, err := NewProcessor().Prepare(fill(10, 10, color.NRGBA{}), types.BoundingBox{X1: 20, Y1: 20, X2: 30, Y2: 30})
	if !errors.Is(err, types.ErrInvalidRegion) {
		t.Errorf("Expected ErrInvalidRegion, got %v", err)
	}
}

func TestNewProcessorWithConfig(t *testing.T) {
	if got := NewProcessorWithConfig(Config{}).InputSize(); got != InputSize {
		t.Errorf("Expected default input size, got %d", got)
	}
	if got := NewProcessorWithConfig(Config{InputSize: 96}).InputSize(); got != 96 {
		t.Errorf("Expected 96, got %d", got)
	}
}

func TestScaleToPixels(t *testing.T) {
	box := ScaleToPixels(types.Box{X: 0.1, Y: 0.2, W: 0.5, H: 0.5}, 200, 100)
	want := types.BoundingBox{X1: 20, Y1: 20, X2: 120, Y2: 70}
	if box != want {
		t.Errorf("Expected %v, got %v", want, box)
	}
}

func TestSaveImage(t *testing.T) {
	p := NewProcessor()
	img := fill(16, 16, color.NRGBA{40, 80, 120, 255})
	dir := t.TempDir()

	for _, format := range []string{"jpg", "png", "webp"} {
		path := filepath.Join(dir, "crop."+format)
		if err := p.SaveImage(img, path, format, 90, false); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", format, err)
		}
		if st, err := os.Stat(path); err != nil || st.Size() == 0 {
			t.Errorf("Expected non-empty %s file, err=%v", format, err)
		}
	}

	if err := p.SaveImage(img, filepath.Join(dir, "x.gif"), "gif", 90, false); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()
	b64, err := p.PrepareImageForModel(fill(2000, 1000, color.NRGBA{1, 2, 3, 255}), "jpg", 512, 80)
	if err != nil {
		t.Fatal(err)
	}
	if b64 == "" {
		t.Error("Expected base64 payload")
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := fill(100, 100, color.NRGBA{0, 0, 0, 255})
	out := p.CreateDebugOverlay(img, types.BoundingBox{X1: 10, Y1: 10, X2: 90, Y2: 90})

	r, g, _, _ := out.At(10, 50).RGBA()
	if r != 0 || g>>8 != 255 {
		t.Errorf("Expected green border at left edge, got r=%d g=%d", r, g>>8)
	}
	if r, _, _, _ := img.At(10, 50).RGBA(); r != 0 {
		t.Error("Overlay must not modify the source image")
	}
}
