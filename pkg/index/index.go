// Package index finds the catalog entry most similar to a query embedding.
package index

import (
	"context"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/cover-identifier/pkg/catalog"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// Match is the winning catalog position and its similarity score
type Match struct {
	Index int
	Score float64
}

// Index is a similarity search over a fixed catalog
type Index interface {
	BestMatch(ctx context.Context, query []float64) (Match, error)
	Len() int
}

// Linear scans every catalog row. With unit-length inputs the dot product
// equals cosine similarity.
type Linear struct {
	catalog *catalog.Catalog
}

var _ Index = (*Linear)(nil)

// NewLinear creates an exhaustive index over c
func NewLinear(c *catalog.Catalog) *Linear {
	return &Linear{catalog: c}
}

// Len returns the number of indexed entries
func (l *Linear) Len() int { return l.catalog.Len() }

// BestMatch returns the entry with the highest dot product. Ties resolve to
// the lowest index.
func (l *Linear) BestMatch(ctx context.Context, query []float64) (Match, error) {
	if l.catalog.Len() == 0 {
		return Match{}, types.Errorf(types.KindEmptyCatalog, "catalog has no entries")
	}
	if len(query) != l.catalog.Dim() {
		return Match{}, types.Errorf(types.KindInferenceError,
			"query has %d dimensions, catalog has %d", len(query), l.catalog.Dim())
	}

	best := Match{Index: 0, Score: floats.Dot(query, l.catalog.Row(0))}
	for i := 1; i < l.catalog.Len(); i++ {
		if s := floats.Dot(query, l.catalog.Row(i)); s > best.Score {
			best = Match{Index: i, Score: s}
		}
	}
	return best, nil
}

// Scores returns the dot product of query with every entry, in catalog order.
func (l *Linear) Scores(query []float64) ([]float64, error) {
	if len(query) != l.catalog.Dim() && l.catalog.Len() > 0 {
		return nil, types.Errorf(types.KindInferenceError,
			"query has %d dimensions, catalog has %d", len(query), l.catalog.Dim())
	}
	out := make([]float64, l.catalog.Len())
	for i := range out {
		out[i] = floats.Dot(query, l.catalog.Row(i))
	}
	return out, nil
}
