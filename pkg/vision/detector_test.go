package vision

import (
	"context"
	"image"
	"image/color"
	"testing"
)

// createTestImage draws a checkered "cover" on a dull background
func createTestImage(width, height int, cover image.Rectangle) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (image.Point{x, y}).In(cover) {
				if ((x/4)+(y/4))%2 == 0 {
					img.Set(x, y, color.RGBA{255, 255, 255, 255})
				} else {
					img.Set(x, y, color.RGBA{0, 0, 0, 255})
				}
			} else {
				img.Set(x, y, color.RGBA{30, 30, 30, 255})
			}
		}
	}

	return img
}

func TestNew(t *testing.T) {
	detector := New()
	if detector == nil {
		t.Fatal("New() returned nil")
	}

	if detector.config.EdgeThreshold != 0.01 {
		t.Errorf("Expected edge threshold 0.01, got %f", detector.config.EdgeThreshold)
	}
}

func TestNewWithConfig(t *testing.T) {
	detector := NewWithConfig(DetectionConfig{EdgeThreshold: 0.2})
	if detector.config.EdgeThreshold != 0.2 {
		t.Errorf("Expected edge threshold 0.2, got %f", detector.config.EdgeThreshold)
	}
	if detector.config.WorkingSize != 256 {
		t.Errorf("Expected default working size, got %d", detector.config.WorkingSize)
	}
}

func TestRegionArea(t *testing.T) {
	region := Region{X: 10, Y: 20, Width: 100, Height: 80}
	if region.Area() != 8000 {
		t.Errorf("Expected area 8000, got %d", region.Area())
	}
}

func TestDetectFindsCover(t *testing.T) {
	cover := image.Rect(100, 100, 300, 300)
	img := createTestImage(400, 400, cover)

	dets, err := New().Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) == 0 {
		t.Fatal("Expected at least one detection")
	}

	top := dets[0].Box()
	rect := image.Rect(top.X1, top.Y1, top.X2, top.Y2)
	center := image.Pt((rect.Min.X+rect.Max.X)/2, (rect.Min.Y+rect.Max.Y)/2)
	if !center.In(cover) {
		t.Errorf("Expected top detection centered on the cover, got %v", rect)
	}

	inter := rect.Intersect(cover)
	union := rect.Dx()*rect.Dy() + cover.Dx()*cover.Dy() - inter.Dx()*inter.Dy()
	if iou := float64(inter.Dx()*inter.Dy()) / float64(union); iou < 0.5 {
		t.Errorf("Expected IoU >= 0.5, got %.2f for %v", iou, rect)
	}

	if dets[0].Confidence != 1 {
		t.Errorf("Expected top detection to have relative confidence 1, got %f", dets[0].Confidence)
	}
	for i := 1; i < len(dets); i++ {
		if dets[i].Confidence > dets[i-1].Confidence {
			t.Fatalf("Detections not ranked: %v before %v", dets[i-1].Confidence, dets[i].Confidence)
		}
	}
}

func TestDetectBlackImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}

	dets, err := New().Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections on a black frame, got %d", len(dets))
	}
}

func TestDetectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Detect(ctx, createTestImage(50, 50, image.Rect(10, 10, 40, 40))); err == nil {
		t.Error("Expected context error")
	}
}

func TestIntegralImage(t *testing.T) {
	m := [][]float64{{1, 2}, {3, 4}}
	sat := integralImage(m, 2, 2)
	if sat[2][2] != 10 {
		t.Errorf("Expected total 10, got %f", sat[2][2])
	}
	if got := regionMean(sat, 1, 0, 1, 2); got != 3 {
		t.Errorf("Expected column mean 3, got %f", got)
	}
}
