package gemini

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/instill-ai/extraction-backend/internal/ai"

	errorsx "github.com/instill-ai/x/errors"
)

const embeddingMaxRetries = 2

// EmbedTexts implements ai.Embedder. Texts are embedded concurrently, each
// with a few retries, and vectors are returned in input order.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	result := &ai.EmbedResult{
		Vectors:        make([][]float32, len(texts)),
		Model:          p.embeddingModel,
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

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embeddingConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vector, err := p.embedWithRetry(gctx, text)
			if err != nil {
				return fmt.Errorf("gemini embedding failed for text %d: %w", i, err)
			}
			result.Vectors[i] = vector
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errorsx.AddMessage(err, "Unable to generate embeddings. Please try again.")
	}
	return result, nil
}

func (p *Provider) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 0

	var vector []float32
	op := func() error {
		resp, err := p.models.EmbedContent(ctx, p.embeddingModel,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{
				TaskType:             embeddingTaskType,
				OutputDimensionality: genai.Ptr(p.embeddingDim),
			},
		)
		if err != nil {
			return classify(err)
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
			return fmt.Errorf("no embedding returned: %w", ai.ErrEmptyResponse)
		}
		vector = resp.Embeddings[0].Values
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, embeddingMaxRetries), ctx))
	return vector, err
}
