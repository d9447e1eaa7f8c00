package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	errorsx "github.com/instill-ai/x/errors"
)

// GCSConfig holds the Google Cloud Storage client settings.
type GCSConfig struct {
	ProjectID         string
	ServiceAccountKey string // JSON string
}

type gcsFetcher struct {
	client *storage.Client
	logger *zap.Logger
}

// NewGCSFetcher returns a fetcher for gs:// references. Without a service
// account key the client uses application default credentials.
func NewGCSFetcher(ctx context.Context, config GCSConfig, logger *zap.Logger) (Fetcher, error) {
	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		saKey, err := unwrapServiceAccountKey([]byte(config.ServiceAccountKey))
		if err != nil {
			return nil, errorsx.AddMessage(
				fmt.Errorf("failed to marshal service account key: %w", err),
				"Unable to process service account credentials.",
			)
		}
		opts = append(opts, option.WithCredentialsJSON(saKey))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	return &gcsFetcher{
		client: client,
		logger: logger.With(zap.String("storage", "gcs"), zap.String("project", config.ProjectID)),
	}, nil
}

// unwrapServiceAccountKey extracts the key from a Vault response
// ({"data":{"data":{...}}}) and returns any other document unchanged.
func unwrapServiceAccountKey(saKey []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(saKey, &keyData); err != nil {
		return saKey, nil
	}
	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return saKey, nil
	}
	inner, ok := data["data"].(map[string]any)
	if !ok {
		return saKey, nil
	}
	return json.Marshal(inner)
}

// Fetch implements Fetcher.
func (g *gcsFetcher) Fetch(ctx context.Context, ref string, rng Range) (*Object, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	length := rng.Length
	if length <= 0 {
		length = -1
	}

	reader, err := g.client.Bucket(parsed.Bucket).Object(parsed.Path).NewRangeReader(ctx, rng.Offset, length)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s not found: %w", ref, err)
		}
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object content: %w", err)
	}

	g.logger.Debug("Fetched object", zap.String("ref", ref), zap.Int("bytes", len(content)))

	return &Object{
		Content:     content,
		ContentType: reader.Attrs.ContentType,
		Size:        reader.Attrs.Size,
	}, nil
}
