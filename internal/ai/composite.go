package ai

import (
	"errors"
	"fmt"
	"sort"

	"github.com/instill-ai/extraction-backend/pkg/types"
)

// ProviderSet holds the configured providers keyed by identifier.
type ProviderSet struct {
	providers map[types.ProviderID]Provider
}

// NewProviderSet builds a set from individually initialized providers. At
// least one provider is required and identifiers must be unique.
func NewProviderSet(providers ...Provider) (*ProviderSet, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be provided")
	}

	set := &ProviderSet{providers: make(map[types.ProviderID]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := set.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %s configured twice", p.Name())
		}
		set.providers[p.Name()] = p
	}
	return set, nil
}

// Get returns the provider with the given identifier, if configured.
func (s *ProviderSet) Get(id types.ProviderID) (Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// Names returns the configured identifiers, sorted.
func (s *ProviderSet) Names() []types.ProviderID {
	names := make([]types.ProviderID, 0, len(s.providers))
	for id := range s.providers {
		names = append(names, id)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Close releases every provider.
func (s *ProviderSet) Close() error {
	var errs []error
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
