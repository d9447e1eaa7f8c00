package service

import (
	"context"
	"time"

	"github.com/go-playground/validator"

	"github.com/instill-ai/extraction-backend/pkg/queue"
	"github.com/instill-ai/extraction-backend/pkg/repository"
)

// Service defines the extraction pipeline use cases exposed to callers.
// Submission and reads never wait on processing, except SubmitAndWait.
type Service interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetStatus(_ context.Context, taskID string) (*StatusResponse, error)
	GetResult(_ context.Context, taskID string) (*ResultResponse, error)
	SubmitAndWait(context.Context, *SubmitRequest) (*ResultResponse, error)
}

// Config tunes the coordinator.
type Config struct {
	// ExtractionWorkers is the extraction pool width, used to estimate
	// how long a submission waits in the queue.
	ExtractionWorkers int
	// WaitPollInterval is how often SubmitAndWait reads the task status.
	WaitPollInterval time.Duration
}

type service struct {
	repository      repository.Repository
	extractionQueue queue.Queue
	validate        *validator.Validate
	cfg             Config
}

// NewService initiates a service instance.
func NewService(r repository.Repository, extractionQueue queue.Queue, cfg Config) Service {
	if cfg.ExtractionWorkers < 1 {
		cfg.ExtractionWorkers = 1
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = time.Second
	}
	return &service{
		repository:      r,
		extractionQueue: extractionQueue,
		validate:        validator.New(),
		cfg:             cfg,
	}
}
