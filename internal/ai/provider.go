package ai

import (
	"context"
	"errors"
	"time"

	"github.com/instill-ai/extraction-backend/pkg/types"
)

// Errors providers wrap so that callers can classify failures without
// knowing the SDK behind a provider.
var (
	// ErrRateLimited is wrapped when the provider throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrUploadNotReady is wrapped when an uploaded document didn't become
	// usable before the readiness deadline.
	ErrUploadNotReady = errors.New("uploaded document not ready")
	// ErrUnsupportedMedia is wrapped when the provider can't read the
	// document's media type.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrEmptyResponse is wrapped when the provider answered without text.
	ErrEmptyResponse = errors.New("empty response")
)

// Document is source content handed to a provider as a file rather than
// inlined in the prompt.
type Document struct {
	Content  []byte
	MIMEType string
	FileName string
}

// GenerateRequest is a single generation call. When Document is set the
// provider attaches it next to the prompt.
type GenerateRequest struct {
	SystemInstruction string
	Prompt            string
	Document          *Document
	// JSON asks the provider to constrain its answer to a JSON document.
	JSON bool
	// Timeout bounds the model call. Uploading Document and waiting for it
	// to be readable aren't counted.
	Timeout time.Duration
}

// ModelContext returns the context of the model call, bounded by Timeout
// when set.
func (r *GenerateRequest) ModelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}

// Generation is the text a provider answered with.
type Generation struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider is an AI provider able to extract content from documents.
type Provider interface {
	// Name returns the provider identifier used by the router.
	Name() types.ProviderID

	// Generate answers the prompt, reading req.Document if set. Uploaded
	// documents are released before Generate returns.
	Generate(ctx context.Context, req *GenerateRequest) (*Generation, error)

	// SupportsDocument reports whether documents of mimeType can be
	// attached to a request.
	SupportsDocument(mimeType string) bool

	// Close releases provider resources
	Close() error
}

// EmbedResult holds the vectors of an embedding call, in input order.
type EmbedResult struct {
	Vectors        [][]float32
	Model          string
	Dimensionality int32
}

// Embedder turns texts into vectors for the index.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) (*EmbedResult, error)
	Dimensionality() int32
}
