package object

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds the connection settings of an S3-compatible endpoint.
type MinIOConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Secure   bool
}

type minioFetcher struct {
	client *minio.Client
	logger *zap.Logger
}

// NewMinIOFetcher returns a fetcher for minio:// and s3:// references.
func NewMinIOFetcher(cfg MinIOConfig, logger *zap.Logger) (Fetcher, error) {
	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	return &minioFetcher{
		client: client,
		logger: logger.With(zap.String("storage", "minio"), zap.String("host:port", cfg.Host+":"+cfg.Port)),
	}, nil
}

// Fetch implements Fetcher. Opening the object is retried a few times;
// the read itself is not.
func (m *minioFetcher) Fetch(ctx context.Context, ref string, rng Range) (*Object, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if rng.Offset > 0 || rng.Length > 0 {
		end := int64(0)
		if rng.Length > 0 {
			end = rng.Offset + rng.Length - 1
		}
		if err := opts.SetRange(rng.Offset, end); err != nil {
			return nil, fmt.Errorf("setting range: %w", err)
		}
	}

	var obj *minio.Object
	var info minio.ObjectInfo
	for attempt := 1; attempt <= 3; attempt++ {
		obj, err = m.client.GetObject(ctx, parsed.Bucket, parsed.Path, opts)
		if err == nil {
			info, err = obj.Stat()
			if err == nil {
				break
			}
			obj.Close()
			if minio.ToErrorResponse(err).Code == "NoSuchKey" {
				return nil, fmt.Errorf("object %s not found: %w", ref, err)
			}
		}

		m.logger.Warn("Failed to open object, retrying", zap.String("ref", ref), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", ref, err)
	}
	defer obj.Close()

	var r io.Reader = obj
	if rng.Length > 0 {
		r = io.LimitReader(obj, rng.Length)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", ref, err)
	}

	return &Object{
		Content:     content,
		ContentType: info.ContentType,
		Size:        info.Size,
	}, nil
}
