package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"os"
	"strings"
	"testing"
)

func TestBoundingBoxArea(t *testing.T) {
	tests := []struct {
		name string
		box  BoundingBox
		want int
	}{
		{"regular", BoundingBox{100, 100, 400, 400}, 90000},
		{"inverted x", BoundingBox{10, 10, 5, 50}, 0},
		{"zero height", BoundingBox{0, 5, 10, 5}, 0},
		{"single pixel", BoundingBox{3, 3, 4, 4}, 1},
	}
	for _, tc := range tests {
		if got := tc.box.Area(); got != tc.want {
			t.Errorf("%s: expected area %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestBoundingBoxRect(t *testing.T) {
	box := BoundingBox{X1: 1, Y1: 2, X2: 11, Y2: 22}
	r := box.Rect(image.Pt(5, 5))
	if r != image.Rect(6, 7, 16, 27) {
		t.Errorf("Expected rect offset by origin, got %v", r)
	}
}

func TestDetectionBoxTruncates(t *testing.T) {
	d := Detection{X1: 10.9, Y1: 20.2, X2: 99.99, Y2: 150.5}
	want := BoundingBox{10, 20, 99, 150}
	if got := d.Box(); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestTensorNCHW(t *testing.T) {
	// 1x2x2x3, value encodes (y, x, c)
	src := Tensor{Shape: []int{1, 2, 2, 3}}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for c := 0; c < 3; c++ {
				src.Data = append(src.Data, float32(y*100+x*10+c))
			}
		}
	}

	out, err := src.NCHW()
	if err != nil {
		t.Fatalf("NCHW failed: %v", err)
	}
	if out.Shape[1] != 3 || out.Shape[2] != 2 || out.Shape[3] != 2 {
		t.Fatalf("Unexpected shape %v", out.Shape)
	}
	for c := 0; c < 3; c++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				got := out.Data[(c*2+y)*2+x]
				want := float32(y*100 + x*10 + c)
				if got != want {
					t.Errorf("c=%d y=%d x=%d: expected %v, got %v", c, y, x, want, got)
				}
			}
		}
	}

	if _, err := (Tensor{Shape: []int{2, 2}, Data: make([]float32, 4)}).NCHW(); err == nil {
		t.Error("Expected error for rank 2 tensor")
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	err := NewError(KindImageUnreadable, "open cover.jpg", os.ErrNotExist)

	if !errors.Is(err, ErrImageUnreadable) {
		t.Error("Expected errors.Is to match the kind sentinel")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected errors.Is to match the cause")
	}

	kind, ok := KindOf(err)
	if !ok || kind != KindImageUnreadable {
		t.Errorf("Expected kind %s, got %s (ok=%v)", KindImageUnreadable, kind, ok)
	}

	if kind, ok := KindOf(ErrEmptyCatalog); !ok || kind != KindEmptyCatalog {
		t.Errorf("Expected bare sentinel to map to %s, got %s", KindEmptyCatalog, kind)
	}
	if _, ok := KindOf(errors.New("boom")); ok {
		t.Error("Expected unknown error to carry no kind")
	}
}

// encodeRecord encodes like the CLI does, without HTML escaping.
func encodeRecord(t *testing.T, v any) string {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func TestOutcomeJSON(t *testing.T) {
	ok := Success(MatchResult{Album: "Bridge Over Troubled Water", Artist: "Simon & Garfunkel", Score: 0.93})
	if got := encodeRecord(t, ok); got != `{"album":"Bridge Over Troubled Water","artist":"Simon & Garfunkel"}` {
		t.Errorf("Unexpected success JSON: %s", got)
	}

	failed := Fail(KindInvalidRegion, "x2 <= x1 after clamping")
	if got := encodeRecord(t, failed); got != `{"error":"invalid_region: x2 <= x1 after clamping"}` {
		t.Errorf("Unexpected failure JSON: %s", got)
	}
}

func TestOutcomeMarshalEscapesHTML(t *testing.T) {
	data, err := json.Marshal(Fail(KindInvalidRegion, "x2 <= x1"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"error":"invalid_region: x2 \u003c= x1"}` {
		t.Errorf("Expected json.Marshal to escape <, got %s", data)
	}
}

func TestOutcomeRecordWithScore(t *testing.T) {
	rec := Success(MatchResult{Album: "A", Artist: "B", Score: 0.5}).Record(true)
	if rec.Score == nil || *rec.Score != 0.5 {
		t.Errorf("Expected score 0.5, got %v", rec.Score)
	}
	if rec.Error != "" {
		t.Errorf("Expected no error on success, got %q", rec.Error)
	}

	rec = Fail(KindEmptyCatalog, "").Record(true)
	if rec.Album != "" || rec.Artist != "" || rec.Score != nil {
		t.Errorf("Failure record must not carry match fields: %+v", rec)
	}
	if rec.Error != "empty_catalog" {
		t.Errorf("Expected bare kind as message, got %q", rec.Error)
	}
}

func TestFailFromError(t *testing.T) {
	out := FailFromError(Errorf(KindNoCoverDetected, "detector returned 0 boxes"), KindInferenceError)
	if out.Failure.Kind != KindNoCoverDetected {
		t.Errorf("Expected kind from PipelineError, got %s", out.Failure.Kind)
	}

	out = FailFromError(errors.New("socket closed"), KindInferenceError)
	if out.Failure.Kind != KindInferenceError {
		t.Errorf("Expected fallback kind, got %s", out.Failure.Kind)
	}
	if out.OK() {
		t.Error("Failure outcome must not be OK")
	}
	if out.Err() == nil {
		t.Error("Expected Err() to be non-nil for failures")
	}
}
