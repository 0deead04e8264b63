// Package catalog holds the reference embeddings and their labels, loaded once
// and shared read-only between requests.
package catalog

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/cover-identifier/pkg/label"
)

// Catalog is an immutable, index-aligned set of embeddings and raw labels.
// Row i of the embedding matrix always describes labels[i].
type Catalog struct {
	data   []float64 // row-major, len == len(labels)*dim
	labels []string
	dim    int
	source string
}

// New copies embeddings and labels into a catalog. Both slices must have the
// same length and every row the same dimension. An empty catalog is valid;
// matching against it fails with EmptyCatalog.
func New(embeddings [][]float64, labels []string) (*Catalog, error) {
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("catalog misaligned: %d embeddings, %d labels", len(embeddings), len(labels))
	}
	if len(embeddings) == 0 {
		return &Catalog{}, nil
	}

	dim := len(embeddings[0])
	data := make([]float64, 0, len(embeddings)*dim)
	for i, row := range embeddings {
		if len(row) != dim {
			return nil, fmt.Errorf("catalog row %d has %d values, expected %d", i, len(row), dim)
		}
		data = append(data, row...)
	}
	return fromFlat(data, dim, append([]string(nil), labels...))
}

// fromFlat takes ownership of data and labels.
func fromFlat(data []float64, dim int, labels []string) (*Catalog, error) {
	if len(labels) == 0 {
		if len(data) != 0 {
			return nil, fmt.Errorf("catalog misaligned: %d values, no labels", len(data))
		}
		return &Catalog{}, nil
	}
	if dim <= 0 {
		return nil, fmt.Errorf("catalog embedding dimension must be positive, got %d", dim)
	}
	if len(data) != len(labels)*dim {
		return nil, fmt.Errorf("catalog misaligned: %d values for %d labels of dimension %d", len(data), len(labels), dim)
	}
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("catalog row %d contains a non-finite value", i/dim)
		}
	}
	return &Catalog{data: data, labels: labels, dim: dim}, nil
}

// Len returns the number of entries
func (c *Catalog) Len() int { return len(c.labels) }

// Dim returns the embedding dimension, 0 for an empty catalog
func (c *Catalog) Dim() int { return c.dim }

// Source describes where the catalog was loaded from
func (c *Catalog) Source() string { return c.source }

// WithSource returns a shallow copy of c that reports src as its origin.
func (c *Catalog) WithSource(src string) *Catalog {
	cp := *c
	cp.source = src
	return &cp
}

// Label returns the raw label of entry i
func (c *Catalog) Label(i int) string { return c.labels[i] }

// Row returns entry i's embedding without copying. Callers must not modify it.
func (c *Catalog) Row(i int) []float64 {
	return c.data[i*c.dim : (i+1)*c.dim : (i+1)*c.dim]
}

// Embedding returns a copy of entry i's embedding
func (c *Catalog) Embedding(i int) []float64 {
	return append([]float64(nil), c.Row(i)...)
}

// Stats summarizes a catalog for inspection
type Stats struct {
	Entries   int
	Dim       int
	MinNorm   float64
	MaxNorm   float64
	MeanNorm  float64
	Malformed int
}

// Stats computes row norm statistics and counts labels that do not decode.
func (c *Catalog) Stats() Stats {
	s := Stats{Entries: c.Len(), Dim: c.dim}
	if c.Len() == 0 {
		return s
	}

	norms := make([]float64, c.Len())
	for i := range norms {
		norms[i] = floats.Norm(c.Row(i), 2)
		if _, err := label.Decode(c.labels[i]); err != nil {
			s.Malformed++
		}
	}
	s.MinNorm = floats.Min(norms)
	s.MaxNorm = floats.Max(norms)
	s.MeanNorm = stat.Mean(norms, nil)
	return s
}
