package dnn

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// YOLOConfig describes an exported YOLOv5u/v8-style detector
type YOLOConfig struct {
	ModelPath           string
	InputSize           int
	ConfidenceThreshold float32
	NMSThreshold        float32
	// ClassIDs restricts detections to these classes; empty keeps all.
	ClassIDs   []int
	ClassNames []string
}

// YOLODetector implements detection.Detector with an OpenCV DNN network
type YOLODetector struct {
	mu  sync.Mutex
	net gocv.Net
	cfg YOLOConfig
}

// NewYOLODetector loads an ONNX detector
func NewYOLODetector(cfg YOLOConfig) (*YOLODetector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.25
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.45
	}

	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load detector model %s", cfg.ModelPath)
	}
	return &YOLODetector{net: net, cfg: cfg}, nil
}

// Detect returns detections sorted by confidence, highest first, in pixel
// coordinates of img.
func (d *YOLODetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read detector output: %w", err)
	}

	b := img.Bounds()
	candidates, err := decodeYOLO(data, out.Size(), d.cfg, float64(b.Dx())/float64(size), float64(b.Dy())/float64(size))
	if err != nil {
		return nil, err
	}
	return suppress(candidates, d.cfg), nil
}

// Close releases the native network
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

type candidate struct {
	rect    image.Rectangle
	det     types.Detection
	classID int
}

// decodeYOLO reads a [1, 4+nc, N] (or transposed [1, N, 4+nc]) output of
// center-format boxes followed by per-class scores.
func decodeYOLO(data []float32, dims []int, cfg YOLOConfig, scaleX, scaleY float64) ([]candidate, error) {
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}
	attrs, n := dims[1], dims[2]
	transposed := false
	if attrs > n {
		attrs, n = n, attrs
		transposed = true
	}
	if attrs < 5 || len(data) < attrs*n {
		return nil, fmt.Errorf("unexpected detector output shape %v", dims)
	}

	at := func(attr, i int) float32 {
		if transposed {
			return data[i*attrs+attr]
		}
		return data[attr*n+i]
	}

	allowed := map[int]bool{}
	for _, id := range cfg.ClassIDs {
		allowed[id] = true
	}

	var out []candidate
	for i := 0; i < n; i++ {
		classID, score := -1, float32(0)
		for c := 0; c < attrs-4; c++ {
			if len(allowed) > 0 && !allowed[c] {
				continue
			}
			if s := at(4+c, i); s > score {
				classID, score = c, s
			}
		}
		if classID < 0 || score < cfg.ConfidenceThreshold {
			continue
		}

		cx, cy, w, h := float64(at(0, i)), float64(at(1, i)), float64(at(2, i)), float64(at(3, i))
		x1 := (cx - w/2) * scaleX
		y1 := (cy - h/2) * scaleY
		x2 := (cx + w/2) * scaleX
		y2 := (cy + h/2) * scaleY

		label := fmt.Sprintf("class_%d", classID)
		if classID < len(cfg.ClassNames) {
			label = cfg.ClassNames[classID]
		}
		out = append(out, candidate{
			rect:    image.Rect(int(x1), int(y1), int(x2), int(y2)),
			classID: classID,
			det: types.Detection{
				Label:      label,
				Confidence: float64(score),
				X1:         x1,
				Y1:         y1,
				X2:         x2,
				Y2:         y2,
			},
		})
	}
	return out, nil
}

// suppress applies NMS and orders the survivors by confidence.
func suppress(candidates []candidate, cfg YOLOConfig) []types.Detection {
	if len(candidates) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		rects[i] = c.rect
		scores[i] = float32(c.det.Confidence)
	}

	keep := gocv.NMSBoxes(rects, scores, cfg.ConfidenceThreshold, cfg.NMSThreshold)
	dets := make([]types.Detection, 0, len(keep))
	for _, idx := range keep {
		dets = append(dets, candidates[idx].det)
	}
	sortByConfidence(dets)
	return dets
}

func sortByConfidence(dets []types.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
}
