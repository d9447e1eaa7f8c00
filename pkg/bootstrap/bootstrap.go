// Package bootstrap builds the clients and the pipeline components shared by
// the API server and the worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/extraction-backend/config"
	"github.com/instill-ai/extraction-backend/internal/ai"
	"github.com/instill-ai/extraction-backend/internal/ai/gemini"
	"github.com/instill-ai/extraction-backend/internal/ai/openai"
	"github.com/instill-ai/extraction-backend/pkg/callback"
	"github.com/instill-ai/extraction-backend/pkg/extraction"
	"github.com/instill-ai/extraction-backend/pkg/queue"
	"github.com/instill-ai/extraction-backend/pkg/repository"
	"github.com/instill-ai/extraction-backend/pkg/repository/object"
	"github.com/instill-ai/extraction-backend/pkg/router"
	"github.com/instill-ai/extraction-backend/pkg/service"
	"github.com/instill-ai/extraction-backend/pkg/template"
	"github.com/instill-ai/extraction-backend/pkg/types"
	"github.com/instill-ai/extraction-backend/pkg/worker"

	database "github.com/instill-ai/extraction-backend/pkg/db"
)

// Components holds the wired pipeline of a process.
type Components struct {
	Repository      repository.Repository
	ExtractionQueue queue.Queue
	IndexingQueue   queue.Queue
	Service         service.Service
	// Worker is nil when the process doesn't run the worker pools.
	Worker *worker.Worker

	closeFuncs map[string]func() error
}

// Close releases the clients, logging the ones that fail to close.
func (c *Components) Close(logger *zap.Logger) {
	for name, closeFn := range c.closeFuncs {
		if err := closeFn(); err != nil {
			logger.Error("Failed to close client", zap.String("client", name), zap.Error(err))
		}
	}
}

// New connects to the task store and the queues and builds the service. If
// withWorker is set, it also builds the worker pools and the clients they
// need: object storage, AI providers and the vector store.
func New(ctx context.Context, cfg config.AppConfig, withWorker bool, logger *zap.Logger) (*Components, error) {
	c := &Components{closeFuncs: map[string]func() error{}}
	ok := false
	defer func() {
		if !ok {
			c.Close(logger)
		}
	}()

	db, err := database.GetConnection(cfg.Database, cfg.Server.Debug)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	c.closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}
	c.Repository = repository.NewRepository(db)

	if err := c.newQueues(ctx, cfg); err != nil {
		return nil, err
	}

	c.Service = service.NewService(c.Repository, c.ExtractionQueue, service.Config{
		ExtractionWorkers: cfg.Pipeline.ExtractionWorkers,
		WaitPollInterval:  cfg.Pipeline.WaitPollInterval,
	})

	if withWorker {
		if c.Worker, err = c.newWorker(ctx, cfg, db, logger); err != nil {
			return nil, err
		}
	}

	ok = true
	return c, nil
}

func (c *Components) newQueues(ctx context.Context, cfg config.AppConfig) error {
	qcfg := cfg.Pipeline.Queue
	if qcfg.Backend == "memory" {
		c.ExtractionQueue = queue.NewMemoryQueue(qcfg.ExtractionKey, qcfg.Capacity)
		c.IndexingQueue = queue.NewMemoryQueue(qcfg.IndexingKey, qcfg.Capacity)
		return nil
	}

	redisClient := redis.NewClient(&cfg.Cache.Redis.RedisOptions)
	c.closeFuncs["redis"] = redisClient.Close
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	consumer := consumerID()
	c.ExtractionQueue = queue.NewRedisQueue(redisClient, qcfg.ExtractionKey, consumer, qcfg.ConsumerTTL)
	c.IndexingQueue = queue.NewRedisQueue(redisClient, qcfg.IndexingKey, consumer, qcfg.ConsumerTTL)
	return nil
}

// consumerID names the queue consumer of this process. It's unique per
// start, a restarted process is a new consumer.
func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.Must(uuid.NewV4()).String()
}

func (c *Components) newWorker(ctx context.Context, cfg config.AppConfig, db *gorm.DB, logger *zap.Logger) (*worker.Worker, error) {
	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	providers, embedder, err := newProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.closeFuncs["providers"] = providers.Close

	vectorDB, err := newVectorDatabase(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	c.closeFuncs["vector"] = func() error { return vectorDB.Close(context.Background()) }

	registry, err := template.NewRegistry(cfg.Template.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	logger.Info("Extraction templates loaded", zap.Strings("templates", registry.Templates()))

	pcfg := cfg.Pipeline
	adapter := extraction.NewAdapter(fetcher, providers,
		router.NewRouter(router.ParseOrder(pcfg.TextProviders), router.ParseOrder(pcfg.VisionProviders)),
		extraction.Config{
			MaxSourceBytes:  pcfg.MaxSourceBytes,
			MaxInlineTokens: pcfg.MaxInlineTokens,
			ProviderTimeout: pcfg.ProviderTimeout,
		})

	dispatcher := callback.NewDispatcher(callback.Config{
		DefaultURL:     cfg.Callback.DefaultURL,
		MaxAttempts:    cfg.Callback.MaxAttempts,
		InitialBackoff: cfg.Callback.InitialBackoff,
		MaxBackoff:     cfg.Callback.MaxBackoff,
		Timeout:        cfg.Callback.Timeout,
	}, &http.Client{Timeout: cfg.Callback.Timeout})

	return worker.New(worker.Config{
		Repository:        c.Repository,
		ExtractionQueue:   c.ExtractionQueue,
		IndexingQueue:     c.IndexingQueue,
		Registry:          registry,
		Extractor:         adapter,
		Embedder:          embedder,
		VectorDB:          vectorDB,
		Notifier:          dispatcher,
		ExtractionWorkers: pcfg.ExtractionWorkers,
		IndexingWorkers:   pcfg.IndexingWorkers,
		DequeueTimeout:    pcfg.DequeueTimeout,
		TaskTimeout:       pcfg.TaskTimeout,
		IndexingTimeout:   pcfg.IndexingTimeout,
		IndexingGrace:     pcfg.IndexingGrace,
		HeartbeatInterval: heartbeatInterval(pcfg.Queue),
		SweepInterval:     pcfg.SweepInterval,
		CollectionPrefix:  cfg.Vector.CollectionPrefix,
	})
}

// newFetcher registers a fetcher per configured storage backend. HTTP
// sources are always readable.
func newFetcher(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (object.Fetcher, error) {
	resolver := object.NewResolver()
	resolver.Register(object.NewHTTPFetcher(cfg.Pipeline.ProviderTimeout), "http", "https")

	if cfg.Minio.Host != "" {
		minioFetcher, err := object.NewMinIOFetcher(object.MinIOConfig{
			Host:     cfg.Minio.Host,
			Port:     cfg.Minio.Port,
			User:     cfg.Minio.User,
			Password: cfg.Minio.Password,
			Secure:   cfg.Minio.Secure,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating minio fetcher: %w", err)
		}
		resolver.Register(minioFetcher, "minio", "s3")
	}

	if cfg.GCS.ProjectID != "" {
		gcsFetcher, err := object.NewGCSFetcher(ctx, object.GCSConfig{
			ProjectID:         cfg.GCS.ProjectID,
			ServiceAccountKey: cfg.GCS.SAKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating gcs fetcher: %w", err)
		}
		resolver.Register(gcsFetcher, "gs")
	}

	return resolver, nil
}

// newProviders creates a provider per configured API key. The embedder is
// the provider named by the embedding configuration.
func newProviders(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*ai.ProviderSet, ai.Embedder, error) {
	var providers []ai.Provider
	embedders := map[types.ProviderID]ai.Embedder{}
	dim := cfg.Model.Embedding.Dimensionality

	if cfg.Model.Gemini.APIKey != "" {
		p, err := gemini.NewProvider(ctx, gemini.Config{
			APIKey:             cfg.Model.Gemini.APIKey,
			Model:              cfg.Model.Gemini.Model,
			EmbeddingModel:     cfg.Model.Gemini.EmbeddingModel,
			EmbeddingDim:       dim,
			UploadReadyTimeout: cfg.Pipeline.UploadReadyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating gemini provider: %w", err)
		}
		providers = append(providers, p)
		embedders[types.ProviderGemini] = p
	}

	if cfg.Model.OpenAI.APIKey != "" {
		p, err := openai.NewProvider(openai.Config{
			APIKey:         cfg.Model.OpenAI.APIKey,
			BaseURL:        cfg.Model.OpenAI.BaseURL,
			Model:          cfg.Model.OpenAI.Model,
			EmbeddingModel: cfg.Model.OpenAI.EmbeddingModel,
			EmbeddingDim:   dim,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating openai provider: %w", err)
		}
		providers = append(providers, p)
		embedders[types.ProviderOpenAI] = p
	}

	set, err := ai.NewProviderSet(providers...)
	if err != nil {
		for _, p := range providers {
			_ = p.Close()
		}
		return nil, nil, fmt.Errorf("creating provider set: %w", err)
	}

	embedder, found := embedders[types.ProviderID(cfg.Model.Embedding.Provider)]
	if !found {
		_ = set.Close()
		return nil, nil, fmt.Errorf("embedding provider %q has no API key", cfg.Model.Embedding.Provider)
	}

	logger.Info("AI providers ready",
		zap.Any("providers", set.Names()),
		zap.String("embedding_provider", cfg.Model.Embedding.Provider))
	return set, embedder, nil
}

func newVectorDatabase(ctx context.Context, cfg config.AppConfig, db *gorm.DB) (repository.VectorDatabase, error) {
	if cfg.Vector.Backend == "pgvector" {
		vdb, err := repository.NewPGVectorDatabase(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("creating pgvector database: %w", err)
		}
		return vdb, nil
	}

	vdb, err := repository.NewVectorDatabase(ctx, cfg.Milvus.Host, cfg.Milvus.Port)
	if err != nil {
		return nil, fmt.Errorf("connecting to milvus: %w", err)
	}
	return vdb, nil
}

// heartbeatInterval refreshes consumer liveness three times per TTL. The
// in-memory queues need no heartbeat.
func heartbeatInterval(qcfg config.QueueConfig) time.Duration {
	if qcfg.Backend == "memory" {
		return 0
	}
	ttl := qcfg.ConsumerTTL
	if ttl <= 0 {
		ttl = queue.DefaultConsumerTTL
	}
	return ttl / 3
}
