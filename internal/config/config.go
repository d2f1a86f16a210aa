package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	Log      LogConfig
	API      APIConfig
	Intake   IntakeConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Pipeline PipelineConfig
	Models   ModelConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Webhook  WebhookConfig
	Tracing  TracingConfig
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// IntakeConfig guards the bucket-notification endpoint.
type IntakeConfig struct {
	AuthToken       string
	RateLimit       int
	RateLimitWindow time.Duration
	DedupeTTL       time.Duration
	MaxBodyBytes    int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	TaskTimeout   time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type PipelineConfig struct {
	OutputBucket string
	ScratchDir   string
	JPEGQuality  int
	MaxPixels    int
	TargetClass  int
}

type ModelConfig struct {
	SegmentationPath string
	CartoonPath      string
	RuntimeLibrary   string
	IntraOpThreads   int
	// Warm loads both models at startup instead of on the first job.
	Warm bool
}

type StorageConfig struct {
	Backend   string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// Load reads the environment, after applying a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		Log: LogConfig{
			Level: env("LOG_LEVEL", "info"),
		},
		API: APIConfig{
			Addr:            env("CARTOONIFY_API_ADDR", ":8080"),
			ShutdownTimeout: envDuration("CARTOONIFY_API_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Intake: IntakeConfig{
			AuthToken:       env("INTAKE_AUTH_TOKEN", ""),
			RateLimit:       envInt("INTAKE_RATE_LIMIT", 600),
			RateLimitWindow: envDuration("INTAKE_RATE_LIMIT_WINDOW", time.Minute),
			DedupeTTL:       envDuration("INTAKE_DEDUPE_TTL", 24*time.Hour),
			MaxBodyBytes:    int64(envInt("INTAKE_MAX_BODY_BYTES", 1<<20)),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "cartoonify"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 5),
			TaskTimeout:   envDuration("QUEUE_TASK_TIMEOUT", 3*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9091"),
		},
		Pipeline: PipelineConfig{
			OutputBucket: strings.TrimSpace(env("OUTPUT_BUCKET", "")),
			ScratchDir:   env("SCRATCH_DIR", os.TempDir()),
			JPEGQuality:  envInt("JPEG_QUALITY", 95),
			MaxPixels:    envInt("MAX_SOURCE_PIXELS", 100_000_000),
			TargetClass:  envInt("SEGMENT_TARGET_CLASS", 15),
		},
		Models: ModelConfig{
			SegmentationPath: env("SEGMENTATION_MODEL_PATH", "deeplabv3.onnx"),
			CartoonPath:      env("CARTOON_MODEL_PATH", "cartoonize.onnx"),
			RuntimeLibrary:   env("ONNXRUNTIME_LIB", ""),
			IntraOpThreads:   envInt("ONNX_INTRA_OP_THREADS", 0),
			Warm:             envBool("MODELS_WARM_START", false),
		},
		Storage: StorageConfig{
			Backend:   env("STORAGE_BACKEND", "minio"),
			Endpoint:  env("STORAGE_ENDPOINT", env("MINIO_ENDPOINT", "localhost:9000")),
			Region:    env("STORAGE_REGION", env("AWS_REGION", "us-east-1")),
			AccessKey: env("STORAGE_ACCESS_KEY", env("MINIO_ACCESS_KEY", "minioadmin")),
			SecretKey: env("STORAGE_SECRET_KEY", env("MINIO_SECRET_KEY", "minioadmin")),
			UseSSL:    envBool("STORAGE_USE_SSL", envBool("MINIO_USE_SSL", false)),
			PathStyle: envBool("STORAGE_PATH_STYLE", false),
		},
		Database: DatabaseConfig{
			Driver: env("STORE_DRIVER", "memory"),
			DSN:    env("STORE_DSN", env("POSTGRES_DSN", "")),
		},
		Webhook: WebhookConfig{
			URL:           env("WEBHOOK_URL", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			RetryDelay:    envDuration("WEBHOOK_RETRY_DELAY", time.Second),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
	}
}

var ErrOutputBucketMissing = errors.New("OUTPUT_BUCKET is required")

// Validate reports configuration the pipeline cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Pipeline.OutputBucket == "" {
		errs = append(errs, ErrOutputBucketMissing)
	}
	if c.Pipeline.TargetClass < 0 {
		errs = append(errs, fmt.Errorf("SEGMENT_TARGET_CLASS must not be negative, got %d", c.Pipeline.TargetClass))
	}
	if q := c.Pipeline.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be within 1..100, got %d", q))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
