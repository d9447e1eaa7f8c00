package ai

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokenCount estimates the token count of a text with the GPT-4
// tokenizer. Providers may count differently. When the tokenizer can't be
// loaded it falls back to about four characters per token.
func EstimateTokenCount(text string) int {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.EncodingForModel("gpt-4")
	})
	if encoding == nil {
		return len(text) / 4
	}

	return len(encoding.Encode(text, nil, nil))
}

// TruncateToTokens cuts text so that its estimated token count fits in
// maxTokens. It reports whether the text was cut. The cut is proportional
// and lands on a line boundary when one is close.
func TruncateToTokens(text string, maxTokens int, estimate func(string) int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	if estimate == nil {
		estimate = EstimateTokenCount
	}

	tokens := estimate(text)
	if tokens <= maxTokens {
		return text, false
	}

	// Shrink until it fits; the ratio converges in a couple of rounds.
	for tokens > maxTokens && len(text) > 0 {
		keep := int(float64(len(text)) * float64(maxTokens) / float64(tokens) * 0.98)
		if keep >= len(text) {
			keep = len(text) - 1
		}
		if keep < 0 {
			keep = 0
		}
		cut := text[:keep]
		if i := strings.LastIndexByte(cut, '\n'); i > keep*9/10 {
			cut = cut[:i]
		}
		text = strings.ToValidUTF8(cut, "")
		tokens = estimate(text)
	}

	return text, true
}

// IsImageType reports whether mimeType is an image format.
func IsImageType(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}
