// Package mock provides testify mocks of the pipeline's external
// dependencies: AI providers, embedders, object fetchers, vector databases
// and completion notifiers.
package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/repository/object"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

// Provider mocks ai.Provider. Name and SupportsDocument are fixed at
// construction so that tests only script generations.
type Provider struct {
	mock.Mock

	ID        types.ProviderID
	Documents func(mimeType string) bool
}

// NewProvider returns a provider mock that accepts every document.
func NewProvider(id types.ProviderID) *Provider {
	return &Provider{ID: id}
}

// Name implements ai.Provider.
func (p *Provider) Name() types.ProviderID { return p.ID }

// Generate implements ai.Provider.
func (p *Provider) Generate(ctx context.Context, req *ai.GenerateRequest) (*ai.Generation, error) {
	args := p.Called(ctx, req)
	gen, _ := args.Get(0).(*ai.Generation)
	return gen, args.Error(1)
}

// SupportsDocument implements ai.Provider.
func (p *Provider) SupportsDocument(mimeType string) bool {
	if p.Documents == nil {
		return true
	}
	return p.Documents(mimeType)
}

// Close implements ai.Provider.
func (p *Provider) Close() error { return nil }

// Answer is a convenience to script a successful generation.
func Answer(text string) *ai.Generation {
	return &ai.Generation{Text: text, Model: "mock"}
}

// Embedder mocks ai.Embedder.
type Embedder struct {
	mock.Mock

	Dim int32
}

// EmbedTexts implements ai.Embedder.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	args := e.Called(ctx, texts)
	res, _ := args.Get(0).(*ai.EmbedResult)
	return res, args.Error(1)
}

// Dimensionality implements ai.Embedder.
func (e *Embedder) Dimensionality() int32 { return e.Dim }

// Vectors returns n vectors of dimension dim whose first component is the
// vector index, so that tests can tell them apart.
func Vectors(n int, dim int32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out
}

// Fetcher mocks object.Fetcher.
type Fetcher struct {
	mock.Mock
}

// Fetch implements object.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, ref string, rng object.Range) (*object.Object, error) {
	args := f.Called(ctx, ref, rng)
	obj, _ := args.Get(0).(*object.Object)
	return obj, args.Error(1)
}

// VectorDatabase mocks repository.VectorDatabase.
type VectorDatabase struct {
	mock.Mock
}

// CreateCollection implements repository.VectorDatabase.
func (v *VectorDatabase) CreateCollection(ctx context.Context, id string, dimensionality int32) error {
	return v.Called(ctx, id, dimensionality).Error(0)
}

// UpsertUnits implements repository.VectorDatabase.
func (v *VectorDatabase) UpsertUnits(ctx context.Context, collectionID string, units []types.IndexUnit) error {
	return v.Called(ctx, collectionID, units).Error(0)
}

// Close implements repository.VectorDatabase.
func (v *VectorDatabase) Close(context.Context) error { return nil }

// Notifier mocks the completion callback dispatcher.
type Notifier struct {
	mock.Mock
}

// Notify records the notified task.
func (n *Notifier) Notify(ctx context.Context, task *types.Task) error {
	return n.Called(ctx, task).Error(0)
}
