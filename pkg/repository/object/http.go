package object

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher for http:// and https:// references,
// e.g. presigned download URLs.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher. Servers that ignore the Range header are
// handled by limiting the read.
func (h *httpFetcher) Fetch(ctx context.Context, ref string, rng Range) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if rng.Offset > 0 || rng.Length > 0 {
		header := "bytes=" + strconv.FormatInt(rng.Offset, 10) + "-"
		if rng.Length > 0 {
			header += strconv.FormatInt(rng.Offset+rng.Length-1, 10)
		}
		req.Header.Set("Range", header)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", ref, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if rng.Offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, rng.Offset); err != nil {
				return nil, fmt.Errorf("skipping to offset: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("downloading %s: unexpected status %s", ref, resp.Status)
	}
	if rng.Length > 0 {
		body = io.LimitReader(body, rng.Length)
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}

	return &Object{
		Content:     content,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}
