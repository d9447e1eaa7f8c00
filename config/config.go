package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Minio    MinioConfig    `koanf:"minio"`
	GCS      GCSConfig      `koanf:"gcs"`
	Milvus   MilvusConfig   `koanf:"milvus"`
	Vector   VectorConfig   `koanf:"vector"`
	Model    ModelConfig    `koanf:"model"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Callback CallbackConfig `koanf:"callback"`
	Template TemplateConfig `koanf:"template"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort      int           `koanf:"publicport" validate:"required"`
	Debug           bool          `koanf:"debug"`
	RequestTimeout  time.Duration `koanf:"requesttimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout"`
	// Standalone runs the worker pools inside the API process.
	Standalone bool     `koanf:"standalone"`
	CORSOrigins []string `koanf:"corsorigins"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Name        string `koanf:"name"`
	TimeZone    string `koanf:"timezone"`
	AutoMigrate bool   `koanf:"automigrate"`
	Pool        struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MinioConfig is the configuration of the MinIO (or any S3-compatible)
// endpoint that source files are fetched from.
type MinioConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Secure   bool   `koanf:"secure"`
}

// GCSConfig defines the configuration for Google Cloud Storage as a source
// file backend.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// VectorConfig selects the vector store the indexing pool writes to.
type VectorConfig struct {
	Backend          string `koanf:"backend" validate:"oneof=milvus pgvector"`
	CollectionPrefix string `koanf:"collectionprefix"`
}

// ModelConfig defines the configuration for AI model providers
type ModelConfig struct {
	Gemini    GeminiConfig    `koanf:"gemini"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Embedding EmbeddingConfig `koanf:"embedding"`
}

// GeminiConfig defines the configuration for Gemini AI
type GeminiConfig struct {
	APIKey         string `koanf:"apikey"`
	Model          string `koanf:"model"`
	EmbeddingModel string `koanf:"embeddingmodel"`
}

// OpenAIConfig defines the configuration for OpenAI
type OpenAIConfig struct {
	APIKey         string `koanf:"apikey"`
	BaseURL        string `koanf:"baseurl"`
	Model          string `koanf:"model"`
	EmbeddingModel string `koanf:"embeddingmodel"`
}

// EmbeddingConfig selects the provider that embeds index units.
type EmbeddingConfig struct {
	Provider       string `koanf:"provider" validate:"oneof=gemini openai"`
	Dimensionality int32  `koanf:"dimensionality"`
}

// PipelineConfig tunes the queue and the worker pools.
type PipelineConfig struct {
	ExtractionWorkers  int           `koanf:"extractionworkers" validate:"min=1"`
	IndexingWorkers    int           `koanf:"indexingworkers" validate:"min=1"`
	DequeueTimeout     time.Duration `koanf:"dequeuetimeout"`
	ProviderTimeout    time.Duration `koanf:"providertimeout"`
	UploadReadyTimeout time.Duration `koanf:"uploadreadytimeout"`
	IndexingTimeout    time.Duration `koanf:"indexingtimeout"`
	IndexingGrace      time.Duration `koanf:"indexinggrace"`
	TaskTimeout        time.Duration `koanf:"tasktimeout"`
	SweepInterval      time.Duration `koanf:"sweepinterval"`
	WaitPollInterval   time.Duration `koanf:"waitpollinterval"`
	MaxSourceBytes     int64         `koanf:"maxsourcebytes"`
	MaxInlineTokens    int           `koanf:"maxinlinetokens"`
	TextProviders      []string      `koanf:"textproviders"`
	VisionProviders    []string      `koanf:"visionproviders"`
	Queue              QueueConfig   `koanf:"queue"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=redis memory"`
	ExtractionKey string `koanf:"extractionkey"`
	IndexingKey   string `koanf:"indexingkey"`
	Capacity      int    `koanf:"capacity"`
	// ConsumerTTL is how long a worker process counts as alive after its
	// last heartbeat. Dead workers' unacknowledged tasks are requeued.
	ConsumerTTL time.Duration `koanf:"consumerttl"`
}

// CallbackConfig configures completion notifications.
type CallbackConfig struct {
	DefaultURL     string        `koanf:"defaulturl"`
	MaxAttempts    int           `koanf:"maxattempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initialbackoff"`
	MaxBackoff     time.Duration `koanf:"maxbackoff"`
	Timeout        time.Duration `koanf:"timeout"`
}

// TemplateConfig points to an optional directory of extraction templates
// that overlays the built-in ones.
type TemplateConfig struct {
	Dir string `koanf:"dir"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"server.requesttimeout":          "60s",
		"server.shutdowntimeout":         "30s",
		"vector.backend":                 "milvus",
		"vector.collectionprefix":        "tenant_",
		"model.gemini.model":             "gemini-2.5-flash",
		"model.gemini.embeddingmodel":    "gemini-embedding-001",
		"model.openai.model":             "gpt-4o-mini",
		"model.openai.embeddingmodel":    "text-embedding-3-small",
		"model.embedding.provider":       "gemini",
		"model.embedding.dimensionality": 768,
		"pipeline.extractionworkers":     2,
		"pipeline.indexingworkers":       8,
		"pipeline.dequeuetimeout":        "5s",
		"pipeline.providertimeout":       "120s",
		"pipeline.uploadreadytimeout":    "5m",
		"pipeline.indexingtimeout":       "5m",
		"pipeline.indexinggrace":         "10m",
		"pipeline.tasktimeout":           "15m",
		"pipeline.sweepinterval":         "1m",
		"pipeline.waitpollinterval":      "1s",
		"pipeline.maxsourcebytes":        50 << 20,
		"pipeline.maxinlinetokens":       200000,
		"pipeline.queue.backend":         "redis",
		"pipeline.queue.extractionkey":   "extraction:tasks",
		"pipeline.queue.indexingkey":     "extraction:index",
		"pipeline.queue.capacity":        1024,
		"pipeline.queue.consumerttl":     "30s",
		"callback.maxattempts":           5,
		"callback.initialbackoff":        "1s",
		"callback.maxbackoff":            "30s",
		"callback.timeout":               "10s",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
