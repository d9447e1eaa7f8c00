// Package extraction turns a source file into structured items by asking
// the AI providers, in routing order, until one of them answers with a
// usable document.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iancoleman/strcase"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/repository/object"
	"github.com/instill-ai/extraction-backend/pkg/router"
	"github.com/instill-ai/extraction-backend/pkg/template"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

// Config tunes the adapter.
type Config struct {
	// MaxSourceBytes rejects larger source files.
	MaxSourceBytes int64
	// MaxInlineTokens caps the document text inlined in a prompt.
	MaxInlineTokens int
	// ProviderTimeout bounds each model call. Document uploads are bounded
	// by the provider's own readiness timeout.
	ProviderTimeout time.Duration
	// EstimateTokens counts the tokens of a text. Defaults to
	// ai.EstimateTokenCount.
	EstimateTokens func(string) int
}

// Request describes the extraction of one task.
type Request struct {
	TaskID    string
	SourceRef string
	FileName  string
	MimeType  string
	// Category is the category the caller asked for, "auto" to let the
	// provider decide.
	Category string
	Template *template.Template
}

// Adapter hides the providers behind a single extraction call.
type Adapter struct {
	fetcher   object.Fetcher
	providers *ai.ProviderSet
	router    *router.Router
	cfg       Config
}

// NewAdapter returns an adapter that reads sources through fetcher and asks
// the providers selected by router. Providers missing from the set are
// skipped.
func NewAdapter(fetcher object.Fetcher, providers *ai.ProviderSet, r *router.Router, cfg Config) *Adapter {
	if cfg.EstimateTokens == nil {
		cfg.EstimateTokens = ai.EstimateTokenCount
	}
	return &Adapter{
		fetcher:   fetcher,
		providers: providers,
		router:    r,
		cfg:       cfg,
	}
}

// source is a fetched and normalized source file.
type source struct {
	content  []byte
	mimeType string
}

// Extract fetches the source of req and returns the items the first
// successful provider found, validated against the template. It returns a
// *DownloadError when the source can't be used and a *ProviderError when
// every provider failed.
func (a *Adapter) Extract(ctx context.Context, req Request) (*types.ExtractionResult, error) {
	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("task_id", req.TaskID), zap.String("template", req.Template.Key()))

	src, err := a.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	textMedia := router.IsTextMedia(src.mimeType)
	var inline string
	var truncated bool
	if textMedia {
		inline, truncated = ai.TruncateToTokens(string(src.content), a.cfg.MaxInlineTokens, a.cfg.EstimateTokens)
		if truncated {
			logger.Warn("Document truncated to fit the prompt", zap.Int("max_tokens", a.cfg.MaxInlineTokens))
		}
	}

	prompt := extractionPrompt(req.Template, req.Category, req.FileName, inline)
	var doc *ai.Document
	if !textMedia {
		doc = &ai.Document{Content: src.content, MIMEType: src.mimeType, FileName: req.FileName}
	}

	var attempts []Attempt
	for _, id := range a.router.SelectProviders(src.mimeType) {
		p, ok := a.providers.Get(id)
		if !ok {
			continue
		}
		if doc != nil && !p.SupportsDocument(doc.MIMEType) {
			logger.Info("Provider can't read the document, skipping",
				zap.String("provider", string(id)), zap.String("mime_type", doc.MIMEType))
			continue
		}
		if ctx.Err() != nil {
			break
		}

		out, err := a.attempt(ctx, p, &ai.GenerateRequest{
			SystemInstruction: systemInstruction(),
			Prompt:            prompt,
			Document:          doc,
			JSON:              true,
		}, req.Template.Category)
		if err != nil {
			kind := classifyProviderError(err)
			logger.Warn("Provider failed, trying the next one",
				zap.String("provider", string(id)), zap.String("kind", string(kind)), zap.Error(err))
			attempts = append(attempts, Attempt{Provider: id, Kind: kind, Err: err})
			continue
		}

		if out.RawText == "" && textMedia {
			out.RawText = inline
		}
		result := buildResult(out, req.Template, id)
		result.Truncated = truncated

		logger.Info("Extraction succeeded",
			zap.String("provider", string(id)),
			zap.Int("items", result.ItemCount),
			zap.Int("invalid_items", result.InvalidItemCount))
		return result, nil
	}

	pe := newProviderError(attempts)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		pe.Kind = types.ErrorKindTimeout
	}
	return nil, pe
}

func (a *Adapter) fetch(ctx context.Context, req Request) (*source, error) {
	rng := object.Range{}
	if a.cfg.MaxSourceBytes > 0 {
		rng.Length = a.cfg.MaxSourceBytes + 1
	}

	obj, err := a.fetcher.Fetch(ctx, req.SourceRef, rng)
	if err != nil {
		return nil, &DownloadError{SourceRef: req.SourceRef, Err: err}
	}
	if len(obj.Content) == 0 {
		return nil, &DownloadError{SourceRef: req.SourceRef, Err: errors.New("source file is empty")}
	}
	if a.cfg.MaxSourceBytes > 0 && int64(len(obj.Content)) > a.cfg.MaxSourceBytes {
		return nil, &DownloadError{
			SourceRef: req.SourceRef,
			Err:       fmt.Errorf("source file exceeds %d bytes", a.cfg.MaxSourceBytes),
		}
	}

	mimeType := resolveMIME(req.MimeType, obj.ContentType, req.FileName, obj.Content)
	content, mimeType, err := normalize(obj.Content, mimeType)
	if err != nil {
		return nil, &DownloadError{SourceRef: req.SourceRef, Err: err}
	}
	return &source{content: content, mimeType: mimeType}, nil
}

// attempt runs one provider, re-asking it once when the answer can't be
// decoded.
func (a *Adapter) attempt(ctx context.Context, p ai.Provider, req *ai.GenerateRequest, fallbackCategory string) (*output, error) {
	text, err := a.generate(ctx, p, req)
	if err != nil {
		return nil, err
	}

	out, decodeErr := decodeOutput(text, fallbackCategory)
	if decodeErr == nil {
		return out, nil
	}

	repair := *req
	repair.Prompt = repairPrompt(req.Prompt, text, decodeErr)
	text, err = a.generate(ctx, p, &repair)
	if err != nil {
		return nil, err
	}

	out, decodeErr = decodeOutput(text, fallbackCategory)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedOutput, decodeErr)
	}
	return out, nil
}

func (a *Adapter) generate(ctx context.Context, p ai.Provider, req *ai.GenerateRequest) (string, error) {
	call := *req
	call.Timeout = a.cfg.ProviderTimeout

	gen, err := p.Generate(ctx, &call)
	if err != nil {
		return "", err
	}
	if gen.Text == "" {
		return "", ai.ErrEmptyResponse
	}
	return gen.Text, nil
}

// buildResult validates the decoded items against the template. Invalid
// items are kept and flagged.
func buildResult(out *output, tmpl *template.Template, provider types.ProviderID) *types.ExtractionResult {
	result := &types.ExtractionResult{
		RawText:        out.RawText,
		Items:          map[string][]types.StructuredItem{},
		ProviderUsed:   provider,
		TemplateUsed:   tmpl.Key(),
		EmbeddingField: tmpl.EmbeddingField,
	}

	categories := make([]string, 0, len(out.Items))
	for category := range out.Items {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		key := strcase.ToSnake(category)
		if key == "" {
			key = tmpl.Category
		}
		for _, fields := range out.Items[category] {
			if fields == nil {
				fields = map[string]any{}
			}
			invalid, issues := tmpl.ValidateItem(fields)
			result.Items[key] = append(result.Items[key], types.StructuredItem{
				Fields:  fields,
				Invalid: invalid,
				Issues:  issues,
			})
			result.ItemCount++
			if invalid {
				result.InvalidItemCount++
			}
		}
	}

	return result
}
