package detection

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/menta2k/cover-identifier/pkg/types"
)

type fakeVisionClient struct {
	result *types.CoverAnalysis
	err    error
	prompt string
}

func (f *fakeVisionClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.prompt = prompt
	if imgB64 == "" {
		return "", errors.New("no image")
	}
	return "a record sleeve on a shelf", nil
}

func (f *fakeVisionClient) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.CoverAnalysis, error) {
	f.prompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.result
	return &copied, nil
}

func TestVisionDetectorScalesBox(t *testing.T) {
	fake := &fakeVisionClient{result: &types.CoverAnalysis{
		Found:      true,
		Confidence: 0.9,
		Box:        types.Box{X: 0.2, Y: 0.2, W: 0.6, H: 0.6},
	}}
	d := NewVisionDetector(fake, VisionConfig{Model: "llava", MaxDim: 64})

	dets, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 500, 500)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("Expected one detection, got %d", len(dets))
	}
	want := types.BoundingBox{X1: 100, Y1: 100, X2: 400, Y2: 400}
	if got := dets[0].Box(); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if fake.prompt != DefaultPrompt {
		t.Error("Expected default prompt to be used")
	}
}

func TestVisionDetectorNotFound(t *testing.T) {
	tests := []struct {
		name   string
		result types.CoverAnalysis
		cfg    VisionConfig
	}{
		{"found false", types.CoverAnalysis{Found: false, Box: types.Box{W: 0.5, H: 0.5}}, VisionConfig{}},
		{"empty box", types.CoverAnalysis{Found: true, Confidence: 1}, VisionConfig{}},
		{"fallback description", types.CoverAnalysis{Found: true, Confidence: 1, Box: types.Box{W: 1, H: 1}, Description: "model returned non-JSON response"}, VisionConfig{}},
		{"below confidence", types.CoverAnalysis{Found: true, Confidence: 0.2, Box: types.Box{W: 1, H: 1}}, VisionConfig{MinConfidence: 0.5}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := tc.result
			d := NewVisionDetector(&fakeVisionClient{result: &result}, tc.cfg)
			dets, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 40, 40)))
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if len(dets) != 0 {
				t.Errorf("Expected no detections, got %+v", dets)
			}
		})
	}
}

func TestVisionDetectorPropagatesError(t *testing.T) {
	boom := errors.New("connection refused")
	d := NewVisionDetector(&fakeVisionClient{err: boom}, VisionConfig{})
	if _, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 8, 8))); !errors.Is(err, boom) {
		t.Errorf("Expected client error, got %v", err)
	}
}

func TestNormalizeBox(t *testing.T) {
	got := normalizeBox(types.Box{X: -0.1, Y: 0.5, W: 2, H: 0.9})
	want := types.Box{X: 0, Y: 0.5, W: 1, H: 0.5}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestDescribe(t *testing.T) {
	fake := &fakeVisionClient{}
	d := NewVisionDetector(fake, VisionConfig{Model: "llava", MaxDim: 32})

	got, err := d.Describe(context.Background(), image.NewNRGBA(image.Rect(0, 0, 80, 60)))
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got != "a record sleeve on a shelf" {
		t.Errorf("Unexpected answer %q", got)
	}
	if fake.prompt != DescribePrompt {
		t.Errorf("Expected describe prompt, got %q", fake.prompt)
	}
}
