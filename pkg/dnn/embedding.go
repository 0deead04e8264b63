// Package dnn runs ONNX and TensorFlow models through the OpenCV DNN module.
package dnn

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// Layout describes the dimension order the network expects.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

// EmbeddingConfig describes a feature extractor network
type EmbeddingConfig struct {
	ModelPath  string
	ConfigPath string
	Layout     Layout
	InputName  string
	OutputName string
}

// EmbeddingNet is a single OpenCV network instance. OpenCV nets are not safe
// for concurrent Forward calls; Infer serializes on a mutex and callers that
// need parallelism should create several instances.
type EmbeddingNet struct {
	mu  sync.Mutex
	net gocv.Net
	cfg EmbeddingConfig
}

// NewEmbeddingNet loads the model at cfg.ModelPath
func NewEmbeddingNet(cfg EmbeddingConfig) (*EmbeddingNet, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding model path is required")
	}
	if cfg.Layout == "" {
		cfg.Layout = LayoutNHWC
	}
	cfg.Layout = Layout(strings.ToLower(string(cfg.Layout)))
	if cfg.Layout != LayoutNHWC && cfg.Layout != LayoutNCHW {
		return nil, fmt.Errorf("unknown tensor layout %q", cfg.Layout)
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load embedding model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}
	return &EmbeddingNet{net: net, cfg: cfg}, nil
}

// Infer runs one forward pass and returns the flattened output vector.
func (e *EmbeddingNet) Infer(ctx context.Context, t types.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := t
	if e.cfg.Layout == LayoutNCHW {
		var err error
		if in, err = t.NCHW(); err != nil {
			return nil, err
		}
	}
	if in.Len() != len(in.Data) {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v", len(in.Data), in.Shape)
	}

	blob, err := gocv.NewMatWithSizesFromBytes(in.Shape, gocv.MatTypeCV32F, float32Bytes(in.Data))
	if err != nil {
		return nil, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.net.SetInput(blob, e.cfg.InputName)
	out := e.net.Forward(e.cfg.OutputName)
	defer out.Close()
	if out.Empty() {
		return nil, fmt.Errorf("network produced no output")
	}

	vals, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	vec := make([]float32, len(vals))
	copy(vec, vals)
	return vec, nil
}

// Close releases the native network
func (e *EmbeddingNet) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}

// float32Bytes encodes values in the host (little-endian) order OpenCV expects.
func float32Bytes(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
