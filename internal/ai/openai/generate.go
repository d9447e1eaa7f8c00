package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/instill-ai/extraction-backend/internal/ai"

	errorsx "github.com/instill-ai/x/errors"
)

// Generate implements ai.Provider with a chat completion. Image documents
// are attached as data URIs next to the prompt.
func (p *Provider) Generate(ctx context.Context, req *ai.GenerateRequest) (*ai.Generation, error) {
	if req == nil || req.Prompt == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"Internal processing error: prompt not specified. Please try again.",
		)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(req.SystemInstruction))
	}

	switch {
	case req.Document == nil:
		messages = append(messages, openai.UserMessage(req.Prompt))
	case p.SupportsDocument(req.Document.MIMEType):
		dataURI := "data:" + req.Document.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.Document.Content)
		messages = append(messages, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
			openai.TextContentPart(req.Prompt),
		}))
	default:
		return nil, fmt.Errorf("openai can't read %s documents: %w", req.Document.MIMEType, ai.ErrUnsupportedMedia)
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(0.2),
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	modelCtx, cancel := req.ModelContext(ctx)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(modelCtx, params)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("openai API call failed: %w", classify(err)),
			"AI service is temporarily unavailable. Please try again in a few moments.",
		)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("no content in completion: %w", ai.ErrEmptyResponse)
	}

	return &ai.Generation{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
