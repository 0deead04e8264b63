package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sbinet/npyio"
)

// LoadNPY reads an [N, D] float32 or float64 matrix from embeddingsPath and a
// JSON array of N label strings from labelsPath.
func LoadNPY(embeddingsPath, labelsPath string) (*Catalog, error) {
	data, n, dim, err := readMatrix(embeddingsPath)
	if err != nil {
		return nil, err
	}

	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	if len(labels) != n {
		return nil, fmt.Errorf("catalog misaligned: %s has %d rows, %s has %d labels",
			embeddingsPath, n, labelsPath, len(labels))
	}

	c, err := fromFlat(data, dim, labels)
	if err != nil {
		return nil, err
	}
	c.source = embeddingsPath
	return c, nil
}

func readMatrix(path string) ([]float64, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open embeddings: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read npy header %s: %w", path, err)
	}

	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, 0, 0, fmt.Errorf("embeddings %s: expected a 2-D array, got shape %v", path, shape)
	}
	n, dim := shape[0], shape[1]

	var data []float64
	switch r.Header.Descr.Type {
	case "<f8":
		if err := r.Read(&data); err != nil {
			return nil, 0, 0, fmt.Errorf("read embeddings %s: %w", path, err)
		}
	case "<f4":
		var f32 []float32
		if err := r.Read(&f32); err != nil {
			return nil, 0, 0, fmt.Errorf("read embeddings %s: %w", path, err)
		}
		data = make([]float64, len(f32))
		for i, v := range f32 {
			data[i] = float64(v)
		}
	default:
		return nil, 0, 0, fmt.Errorf("embeddings %s: unsupported dtype %q", path, r.Header.Descr.Type)
	}

	if r.Header.Descr.Fortran {
		data = transpose(data, n, dim)
	}
	return data, n, dim, nil
}

// transpose converts column-major [n, dim] data to row-major.
func transpose(data []float64, n, dim int) []float64 {
	out := make([]float64, len(data))
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = data[j*n+i]
		}
	}
	return out
}

func readLabels(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return labels, nil
}
