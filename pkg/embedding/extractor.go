package embedding

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// Inferer is satisfied by both a single Engine and a Pool.
type Inferer interface {
	Infer(ctx context.Context, t types.Tensor) ([]float32, error)
}

// Extractor produces L2-normalized embeddings.
type Extractor struct {
	engine Inferer
	dim    int
}

// NewExtractor creates an extractor. dim is the expected output length; 0
// accepts any length.
func NewExtractor(engine Inferer, dim int) *Extractor {
	return &Extractor{engine: engine, dim: dim}
}

// Dim returns the expected embedding length, or 0 if unchecked
func (e *Extractor) Dim() int { return e.dim }

// Embed runs the engine and normalizes its output. Every failure is an
// InferenceError.
func (e *Extractor) Embed(ctx context.Context, t types.Tensor) ([]float64, error) {
	raw, err := e.engine.Infer(ctx, t)
	if err != nil {
		return nil, types.NewError(types.KindInferenceError, "feature extractor failed", err)
	}
	if len(raw) == 0 {
		return nil, types.Errorf(types.KindInferenceError, "feature extractor returned an empty vector")
	}
	if e.dim > 0 && len(raw) != e.dim {
		return nil, types.Errorf(types.KindInferenceError, "feature extractor returned %d values, catalog expects %d", len(raw), e.dim)
	}

	v := make([]float64, len(raw))
	for i, x := range raw {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, types.Errorf(types.KindInferenceError, "feature extractor returned non-finite value at %d", i)
		}
		v[i] = f
	}
	return Normalize(v), nil
}

// Normalize scales v to unit L2 norm in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float64) []float64 {
	n := floats.Norm(v, 2)
	if n == 0 {
		return v
	}
	floats.Scale(1/n, v)
	return v
}
