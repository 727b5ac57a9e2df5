package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/maneesh/chunkstore/internal/retry"
)

const (
	MetadataTiDB   = "tidb"
	MetadataMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string
	ServiceName    string
	Environment    string
	ChunkSizeBytes int
	ReadBlockBytes int
	VerifyChunks   bool

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIORegion     string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Retry policy for object store calls
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Metadata repository
	MetadataDriver string
	TiDBHost       string
	TiDBPort       string
	TiDBUser       string
	TiDBPassword   string
	TiDBDatabase   string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Jaeger configuration; empty disables tracing
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. A .env file in the working directory is read first if present;
// variables already set in the environment win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{
		// Service defaults
		ServicePort:    getEnv("SERVICE_PORT", "8080"),
		ServiceName:    getEnv("SERVICE_NAME", "chunkstore"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		ChunkSizeBytes: getEnvAsInt("CHUNK_SIZE_BYTES", 1024*1024),
		ReadBlockBytes: getEnvAsInt("READ_BLOCK_SIZE_BYTES", 256*1024),
		VerifyChunks:   getEnvAsBool("VERIFY_CHUNKS", false),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIORegion:     getEnv("MINIO_REGION", ""),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "chunkstore"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		RetryAttempts:  getEnvAsInt("S3_RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getEnvAsDuration("S3_RETRY_BASE_DELAY", 100*time.Millisecond),

		// TiDB defaults
		MetadataDriver: getEnv("METADATA_DRIVER", MetadataTiDB),
		TiDBHost:       getEnv("TIDB_HOST", "localhost"),
		TiDBPort:       getEnv("TIDB_PORT", "4000"),
		TiDBUser:       getEnv("TIDB_USER", "root"),
		TiDBPassword:   getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase:   getEnv("TIDB_DATABASE", "chunkstore"),

		// Redis defaults
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		CacheTTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []error
	if c.ChunkSizeBytes <= 0 {
		problems = append(problems, fmt.Errorf("CHUNK_SIZE_BYTES must be positive, got %d", c.ChunkSizeBytes))
	}
	if c.ReadBlockBytes <= 0 {
		problems = append(problems, fmt.Errorf("READ_BLOCK_SIZE_BYTES must be positive, got %d", c.ReadBlockBytes))
	}
	if c.RetryAttempts < 1 {
		problems = append(problems, fmt.Errorf("S3_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryBaseDelay < 0 {
		problems = append(problems, fmt.Errorf("S3_RETRY_BASE_DELAY must not be negative, got %s", c.RetryBaseDelay))
	}
	if c.MinIOBucketName == "" {
		problems = append(problems, errors.New("MINIO_BUCKET_NAME is required"))
	}
	if c.MetadataDriver != MetadataTiDB && c.MetadataDriver != MetadataMemory {
		problems = append(problems, fmt.Errorf("METADATA_DRIVER must be %q or %q, got %q", MetadataTiDB, MetadataMemory, c.MetadataDriver))
	}
	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// RetryPolicy builds the object store retry policy from the configured
// attempts and base delay.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryAttempts
	p.BaseDelay = c.RetryBaseDelay
	return p
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
