package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// modelService is the subset of genai.Models the provider calls.
type modelService interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// fileService is the subset of genai.Files the provider calls.
type fileService interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

// Config holds the Gemini provider settings.
type Config struct {
	APIKey             string
	Model              string
	EmbeddingModel     string
	EmbeddingDim       int32
	UploadReadyTimeout time.Duration
}

// Provider implements ai.Provider and ai.Embedder for Gemini
type Provider struct {
	models modelService
	files  fileService

	model              string
	embeddingModel     string
	embeddingDim       int32
	uploadReadyTimeout time.Duration
	pollInterval       time.Duration
}

// NewProvider creates a new Gemini AI provider
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI provider configuration is missing. Please contact your administrator.")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to AI service. Please try again later.",
		)
	}

	return newProvider(client.Models, client.Files, cfg), nil
}

func newProvider(models modelService, files fileService, cfg Config) *Provider {
	p := &Provider{
		models:             models,
		files:              files,
		model:              cfg.Model,
		embeddingModel:     cfg.EmbeddingModel,
		embeddingDim:       cfg.EmbeddingDim,
		uploadReadyTimeout: cfg.UploadReadyTimeout,
		pollInterval:       uploadPollInterval,
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
	if p.uploadReadyTimeout == 0 {
		p.uploadReadyTimeout = DefaultUploadReadyTimeout
	}
	return p
}

// Name returns the provider name
func (p *Provider) Name() types.ProviderID {
	return types.ProviderGemini
}

// SupportsDocument returns true for any declared media type. Gemini reads
// documents, images, audio and video through the File API.
func (p *Provider) SupportsDocument(mimeType string) bool {
	return mimeType != ""
}

// Dimensionality returns the embedding vector dimensionality.
func (p *Provider) Dimensionality() int32 {
	return p.embeddingDim
}

// Close releases provider resources
func (p *Provider) Close() error {
	// The genai.Client doesn't need explicit closing in the current API
	return nil
}

// classify wraps SDK errors with the ai sentinel errors callers match on.
func classify(err error) error {
	if err == nil {
		return nil
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	if code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ai.ErrRateLimited, err)
	}
	return err
}
