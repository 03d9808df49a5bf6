package services

import (
	"context"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// embedBatchSize is the provider cap on texts per request.
const embedBatchSize = 100

// Embedder is the embeddings port.
type Embedder interface {
	// Embed returns one vector per input text, preserving order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder implements Embedder on an OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIEmbedder creates the embeddings client.
func NewOpenAIEmbedder(baseURL, apiKey, model string, timeout time.Duration) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embeddings API key not set")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	log.Printf("[Embeddings] Initialized client | base=%s | model=%s", cfg.BaseURL, model)

	return &OpenAIEmbedder{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}, nil
}

// Embed batches inputs up to 100 texts per request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.client.CreateEmbeddings(timeoutCtx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		cancel()
		if err != nil {
			return nil, ClassifyError(fmt.Errorf("embeddings API error: %w", err))
		}

		if len(resp.Data) != end-start {
			return nil, NewTransientError(fmt.Errorf("embeddings response size mismatch: want %d, got %d", end-start, len(resp.Data)))
		}

		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}

	return vectors, nil
}
