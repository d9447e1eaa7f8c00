package openai

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// DefaultModel is the default chat model used for text extraction
const DefaultModel = "gpt-4o-mini"

// DefaultEmbeddingModel is the default OpenAI embedding model
const DefaultEmbeddingModel = "text-embedding-3-small"

// DefaultEmbeddingDim is the native dimensionality of the default
// embedding model.
const DefaultEmbeddingDim int32 = 1536

// Config holds the OpenAI provider settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int32
	// MaxRetries is the SDK-level retry count. Failover across providers
	// happens above the provider, so it defaults to none.
	MaxRetries int
}

// Provider implements ai.Provider and ai.Embedder for OpenAI. It reads
// text prompts and images; other binary documents aren't supported.
type Provider struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	embeddingDim   int32
}

// NewProvider creates a new OpenAI AI provider
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI provider configuration is missing. Please contact your administrator.")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	p := &Provider{
		client:         &client,
		model:          cfg.Model,
		embeddingModel: openai.EmbeddingModel(cfg.EmbeddingModel),
		embeddingDim:   cfg.EmbeddingDim,
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = DefaultEmbeddingModel
	}
	if p.embeddingDim == 0 {
		p.embeddingDim = DefaultEmbeddingDim
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() types.ProviderID {
	return types.ProviderOpenAI
}

// SupportsDocument returns true for images, which are sent inline as data
// URIs.
func (p *Provider) SupportsDocument(mimeType string) bool {
	return ai.IsImageType(mimeType)
}

// Dimensionality returns the embedding vector dimensionality.
func (p *Provider) Dimensionality() int32 {
	return p.embeddingDim
}

// Close releases provider resources
func (p *Provider) Close() error {
	return nil
}

// classify wraps SDK errors with the ai sentinel errors callers match on.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ai.ErrRateLimited, err)
	}
	return err
}
