package gemini

import "time"

// DefaultModel is the default Gemini model for multimodal extraction
const DefaultModel = "gemini-2.5-flash"

// DefaultEmbeddingModel is the default Gemini embedding model
const DefaultEmbeddingModel = "gemini-embedding-001"

// DefaultEmbeddingDim is the default output dimensionality of embeddings.
// gemini-embedding-001 supports 768, 1536 and 3072.
const DefaultEmbeddingDim int32 = 768

// DefaultUploadReadyTimeout bounds the wait for an uploaded file to become
// ACTIVE.
const DefaultUploadReadyTimeout = 5 * time.Minute

// embeddingTaskType optimizes embeddings for documents stored in the index.
const embeddingTaskType = "RETRIEVAL_DOCUMENT"

// embeddingConcurrency caps the in-flight EmbedContent calls of one batch.
// The Gemini API has no batch endpoint for this model.
const embeddingConcurrency = 8

const (
	uploadPollInterval = time.Second
	cleanupTimeout     = 30 * time.Second
)
