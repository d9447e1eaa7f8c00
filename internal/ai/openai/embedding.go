package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"

	"github.com/instill-ai/extraction-backend/internal/ai"

	errorsx "github.com/instill-ai/x/errors"
)

// EmbedTexts implements ai.Embedder with a single batched call. Vectors are
// returned in input order.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	result := &ai.EmbedResult{
		Vectors:        make([][]float32, len(texts)),
		Model:          string(p.embeddingModel),
		Dimensionality: p.embeddingDim,
	}
	if len(texts) == 0 {
		return result, nil
	}

	for i, text := range texts {
		if text == "" {
			return nil, errorsx.AddMessage(
				fmt.Errorf("text at index %d is empty", i),
				"Cannot generate embeddings for empty text",
			)
		}
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: p.embeddingModel,
	}
	if p.embeddingDim != DefaultEmbeddingDim {
		params.Dimensions = openai.Int(int64(p.embeddingDim))
	}

	response, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("openai embedding call failed: %w", classify(err)),
			"Unable to generate embeddings. Please try again.",
		)
	}

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(response.Data), len(texts))
	}

	for _, emb := range response.Data {
		if emb.Index < 0 || int(emb.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", emb.Index)
		}
		vector := make([]float32, len(emb.Embedding))
		for j, val := range emb.Embedding {
			vector[j] = float32(val)
		}
		result.Vectors[emb.Index] = vector
	}

	return result, nil
}
