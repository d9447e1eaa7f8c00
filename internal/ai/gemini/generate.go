package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/instill-ai/extraction-backend/internal/ai"

	errorsx "github.com/instill-ai/x/errors"
)

// Generate implements ai.Provider. A document attached to the request is
// uploaded through the File API, referenced from the request and deleted
// on every exit path.
func (p *Provider) Generate(ctx context.Context, req *ai.GenerateRequest) (*ai.Generation, error) {
	if req == nil || req.Prompt == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"Internal processing error: prompt not specified. Please try again.",
		)
	}

	parts := make([]*genai.Part, 0, 2)

	if req.Document != nil {
		if len(req.Document.Content) == 0 {
			return nil, errorsx.AddMessage(errorsx.ErrInvalidArgument, "The file appears to be empty. Please upload a valid file.")
		}

		file, err := p.uploadAndWaitForFile(ctx, req.Document)
		if file != nil {
			defer p.deleteFile(ctx, file.Name)
		}
		if err != nil {
			return nil, err
		}

		parts = append(parts, &genai.Part{
			FileData: &genai.FileData{
				FileURI:  file.URI,
				MIMEType: req.Document.MIMEType,
			},
		})
	}

	parts = append(parts, &genai.Part{Text: req.Prompt})
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	modelCtx, cancel := req.ModelContext(ctx)
	defer cancel()

	result, err := p.models.GenerateContent(modelCtx, p.model, contents, p.generateConfig(req))
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("gemini API call failed: %w", classify(err)),
			"AI service is temporarily unavailable. Please try again in a few moments.",
		)
	}

	text, err := extractText(result)
	if err != nil {
		return nil, err
	}

	gen := &ai.Generation{Text: text, Model: p.model}
	if result.UsageMetadata != nil {
		gen.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		gen.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
	}
	return gen, nil
}

func (p *Provider) generateConfig(req *ai.GenerateRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
		TopP:        genai.Ptr(float32(0.95)),
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}
	return config
}

// extractText concatenates the text parts of the first candidate.
func extractText(response *genai.GenerateContentResponse) (string, error) {
	if response == nil || len(response.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response: %w", ai.ErrEmptyResponse)
	}

	candidate := response.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in candidate: %w", ai.ErrEmptyResponse)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("no text in candidate: %w", ai.ErrEmptyResponse)
	}
	return text.String(), nil
}
