package catalog

import (
	"math"
	"strings"
	"testing"
)

func TestNewValidatesAlignment(t *testing.T) {
	if _, err := New([][]float64{{1, 0}}, []string{"a---b", "c---d"}); err == nil {
		t.Error("Expected misalignment error")
	}
	if _, err := New([][]float64{{1, 0}, {1}}, []string{"a---b", "c---d"}); err == nil {
		t.Error("Expected ragged row error")
	}
	if _, err := New([][]float64{{math.NaN()}}, []string{"a---b"}); err == nil {
		t.Error("Expected non-finite value error")
	}
}

func TestNewEmpty(t *testing.T) {
	c, err := New(nil, nil)
	if err != nil {
		t.Fatalf("Empty catalog should be valid: %v", err)
	}
	if c.Len() != 0 || c.Dim() != 0 {
		t.Errorf("Expected empty catalog, got len=%d dim=%d", c.Len(), c.Dim())
	}
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("Expected zero stats, got %+v", s)
	}
}

func TestCatalogAccessors(t *testing.T) {
	emb := [][]float64{{1, 0, 0}, {0, 1, 0}}
	labels := []string{"abbey_road---the_beatles", "broken"}
	c, err := New(emb, labels)
	if err != nil {
		t.Fatal(err)
	}

	// Mutating inputs after New must not leak into the catalog
	emb[0][0] = 42
	labels[0] = "changed"

	if c.Row(0)[0] != 1 {
		t.Error("Catalog must copy embeddings")
	}
	if c.Label(0) != "abbey_road---the_beatles" {
		t.Error("Catalog must copy labels")
	}

	e := c.Embedding(1)
	e[1] = 7
	if c.Row(1)[1] != 1 {
		t.Error("Embedding must return a copy")
	}

	s := c.Stats()
	if s.Entries != 2 || s.Dim != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if s.MinNorm != 1 || s.MaxNorm != 1 || s.MeanNorm != 1 {
		t.Errorf("Expected unit norms, got %+v", s)
	}
	if s.Malformed != 1 {
		t.Errorf("Expected one malformed label, got %d", s.Malformed)
	}
}

func TestRowCapacityIsBounded(t *testing.T) {
	c, _ := New([][]float64{{1, 2}, {3, 4}}, []string{"a---b", "c---d"})
	row := c.Row(0)
	row = append(row, 99)
	if c.Row(1)[0] != 3 {
		t.Errorf("append on a row must not overwrite the next row, got %v", c.Row(1))
	}
	_ = row
}

func TestValidTableName(t *testing.T) {
	for _, name := range []string{"album_embeddings", "_t1"} {
		if !ValidTableName(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range []string{"", "1abc", "a;drop table x", strings.Repeat("x", 3) + " y"} {
		if ValidTableName(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}
