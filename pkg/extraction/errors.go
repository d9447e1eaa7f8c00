package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

// DownloadError is returned when the source file can't be used: it couldn't
// be fetched, it's empty or it exceeds the size limit.
type DownloadError struct {
	SourceRef string
	Err       error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s: %v", e.SourceRef, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Attempt is the failure of one provider during an extraction.
type Attempt struct {
	Provider types.ProviderID
	Kind     types.ErrorKind
	Err      error
}

// ProviderError is returned when no provider produced a usable extraction.
type ProviderError struct {
	// Kind is the failure kind shared by every attempt, or
	// ALL_PROVIDERS_EXHAUSTED when attempts failed differently.
	Kind     types.ErrorKind
	Attempts []Attempt
}

func (e *ProviderError) Error() string {
	if len(e.Attempts) == 0 {
		return "no provider can handle the document"
	}
	msgs := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		msgs[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return strings.Join(msgs, "; ")
}

// Provider returns the provider of the last attempt.
func (e *ProviderError) Provider() types.ProviderID {
	if len(e.Attempts) == 0 {
		return ""
	}
	return e.Attempts[len(e.Attempts)-1].Provider
}

func newProviderError(attempts []Attempt) *ProviderError {
	pe := &ProviderError{Kind: types.ErrorKindAllProvidersExhausted, Attempts: attempts}
	if len(attempts) == 0 {
		return pe
	}

	kind := attempts[0].Kind
	for _, a := range attempts[1:] {
		if a.Kind != kind {
			return pe
		}
	}
	pe.Kind = kind
	return pe
}

// errMalformedOutput marks an answer that couldn't be decoded after the
// repair attempt.
var errMalformedOutput = errors.New("malformed output")

// classifyProviderError maps a provider call failure to a task error kind.
// Failures that fit no specific kind count as a failed provider.
func classifyProviderError(err error) types.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ai.ErrUploadNotReady):
		return types.ErrorKindTimeout
	case errors.Is(err, ai.ErrRateLimited):
		return types.ErrorKindRateLimited
	case errors.Is(err, errMalformedOutput):
		return types.ErrorKindMalformedOutput
	default:
		return types.ErrorKindAllProvidersExhausted
	}
}

// TaskError converts an Extract error into the error recorded on the task.
func TaskError(err error) *types.TaskError {
	var de *DownloadError
	var pe *ProviderError
	switch {
	case errors.As(err, &de):
		return &types.TaskError{Kind: types.ErrorKindDownloadFailed, Message: de.Error()}
	case errors.As(err, &pe):
		return &types.TaskError{Kind: pe.Kind, Message: pe.Error(), Provider: string(pe.Provider())}
	case errors.Is(err, context.DeadlineExceeded):
		return &types.TaskError{Kind: types.ErrorKindTimeout, Message: err.Error()}
	default:
		return &types.TaskError{Kind: types.ErrorKindInternal, Message: err.Error()}
	}
}
