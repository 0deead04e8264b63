package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/cover-identifier/pkg/client"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// DefaultTimeout bounds a single chat round trip when the caller's context
// has no deadline. Vision models on CPU are slow.
const DefaultTimeout = 300 * time.Second

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

var _ client.VisionClient = (*Client)(nil)

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q needs scheme and host", ollamaURL)
	}

	// Drop any path such as /api/chat; the SDK appends its own.
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{client: api.NewClient(baseURL, http.DefaultClient)}, nil
}

// SimpleQuery performs a simple query with an image without expecting JSON
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req, err := buildRequest(model, prompt, imgB64, nil)
	if err != nil {
		return "", err
	}
	return c.chat(ctx, req)
}

// AnalyzeImage asks the model to locate an album cover in the image
func (c *Client) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.CoverAnalysis, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	options := map[string]any{
		// Localization answers should be repeatable.
		"temperature": 0.0,
	}
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v") || strings.Contains(modelLower, "minicpmv") {
		options["num_ctx"] = 4096
	}

	req, err := buildRequest(model, prompt, imgB64, options)
	if err != nil {
		return nil, err
	}
	content, err := c.chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}
	return client.ParseCoverAnalysis(content), nil
}

func (c *Client) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	var responseContent strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}
	return responseContent.String(), nil
}

func buildRequest(model, prompt, imgB64 string, options map[string]any) (*api.ChatRequest, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}

	streamFalse := false
	return &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}, nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
