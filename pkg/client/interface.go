// Package client defines the contract shared by the vision model backends
// and the parsing of their loosely formatted JSON answers.
package client

import (
	"context"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// VisionClient is implemented by the ollama and llama.cpp backends.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.CoverAnalysis, error)
}
