package gemini

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/instill-ai/extraction-backend/internal/ai"
)

// uploadAndWaitForFile uploads a document to the Gemini File API and waits
// for it to become ACTIVE. When the upload succeeded the returned file is
// non-nil even on error, so that the caller can release it.
func (p *Provider) uploadAndWaitForFile(ctx context.Context, doc *ai.Document) (*genai.File, error) {
	file, err := p.files.Upload(ctx, bytes.NewReader(doc.Content), &genai.UploadFileConfig{
		MIMEType:    doc.MIMEType,
		DisplayName: doc.FileName,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading file: %w", classify(err))
	}

	if file.State == genai.FileStateActive {
		return file, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.uploadReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		info, err := p.files.Get(timeoutCtx, file.Name, nil)
		if err == nil {
			switch info.State {
			case genai.FileStateActive:
				if info.URI != "" {
					file.URI = info.URI
				}
				return file, nil
			case genai.FileStateFailed:
				return file, fmt.Errorf("file %s failed processing", file.Name)
			}
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return file, ctx.Err()
			}
			return file, fmt.Errorf("file %s not active after %s: %w", file.Name, p.uploadReadyTimeout, ai.ErrUploadNotReady)
		case <-ticker.C:
		}
	}
}

// deleteFile releases an upload. It runs with its own deadline so that a
// cancelled request still cleans up.
func (p *Provider) deleteFile(ctx context.Context, name string) {
	if name == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, _ = p.files.Delete(cleanupCtx, name, nil)
}
