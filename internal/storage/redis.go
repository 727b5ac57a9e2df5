package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
	"github.com/maneesh/chunkstore/internal/models"
)

const (
	// DefaultCacheTTL is the time-to-live for cached file metadata (5 minutes)
	DefaultCacheTTL = 5 * time.Minute
)

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisClient{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func fileKey(fileID uuid.UUID) string {
	return fmt.Sprintf("file:%s", fileID)
}

// GetFileMetadata retrieves file metadata from cache. A miss returns (nil, nil).
func (rc *RedisClient) GetFileMetadata(ctx context.Context, fileID uuid.UUID) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file_metadata",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, fileKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.File
	if err := json.Unmarshal(data, &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &file, nil
}

// SetFileMetadata stores file metadata in cache
func (rc *RedisClient) SetFileMetadata(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.set_file_metadata",
		trace.WithAttributes(
			attribute.String("file_id", file.ID.String()),
			attribute.String("file_name", file.Name),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := rc.client.Set(ctx, fileKey(file.ID), data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())))
	return nil
}

// InvalidateFileMetadata removes file metadata from cache
func (rc *RedisClient) InvalidateFileMetadata(ctx context.Context, fileID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file_metadata",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, fileKey(fileID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// metadataStore is the repository contract shared by TiDBClient and MemoryMetadata.
type metadataStore interface {
	CreateFile(ctx context.Context, name string) (*models.File, error)
	AppendChunk(ctx context.Context, fileID uuid.UUID, contentID string, index int) error
	GetFile(ctx context.Context, fileID uuid.UUID) (*models.File, error)
	GetFilename(ctx context.Context, fileID uuid.UUID) (string, error)
	GetChunks(ctx context.Context, fileID uuid.UUID) ([]*models.Chunk, error)
	MarkReady(ctx context.Context, fileID uuid.UUID) error
	MarkFailed(ctx context.Context, fileID uuid.UUID) error
}

// CachedMetadata puts a Redis read-through cache in front of file lookups.
// Only ready and failed records are cached. Status changes invalidate the
// cached record. Cache failures are logged and
// never fail the call.
type CachedMetadata struct {
	inner metadataStore
	cache *RedisClient
	log   *logger.Logger
}

func NewCachedMetadata(inner metadataStore, cache *RedisClient, log *logger.Logger) *CachedMetadata {
	return &CachedMetadata{inner: inner, cache: cache, log: log}
}

func (c *CachedMetadata) CreateFile(ctx context.Context, name string) (*models.File, error) {
	return c.inner.CreateFile(ctx, name)
}

func (c *CachedMetadata) AppendChunk(ctx context.Context, fileID uuid.UUID, contentID string, index int) error {
	return c.inner.AppendChunk(ctx, fileID, contentID, index)
}

func (c *CachedMetadata) GetChunks(ctx context.Context, fileID uuid.UUID) ([]*models.Chunk, error) {
	return c.inner.GetChunks(ctx, fileID)
}

func (c *CachedMetadata) GetFile(ctx context.Context, fileID uuid.UUID) (*models.File, error) {
	file, err := c.cache.GetFileMetadata(ctx, fileID)
	if err != nil {
		c.log.For(ctx).Warn("cache lookup failed", zap.String("file_id", fileID.String()), zap.Error(err))
	}
	if file != nil {
		return file, nil
	}

	file, err = c.inner.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// pending can still change under us; ready and failed never do
	if file.Status != models.StatusReady && file.Status != models.StatusFailed {
		return file, nil
	}
	if err := c.cache.SetFileMetadata(ctx, file); err != nil {
		c.log.For(ctx).Warn("failed to update cache", zap.String("file_id", fileID.String()), zap.Error(err))
	}
	return file, nil
}

func (c *CachedMetadata) GetFilename(ctx context.Context, fileID uuid.UUID) (string, error) {
	file, err := c.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file.Name == "" {
		return "", fmt.Errorf("%w: file %s", errs.ErrUnnamed, fileID)
	}
	return file.Name, nil
}

func (c *CachedMetadata) MarkReady(ctx context.Context, fileID uuid.UUID) error {
	if err := c.inner.MarkReady(ctx, fileID); err != nil {
		return err
	}
	c.invalidate(ctx, fileID)
	return nil
}

func (c *CachedMetadata) MarkFailed(ctx context.Context, fileID uuid.UUID) error {
	if err := c.inner.MarkFailed(ctx, fileID); err != nil {
		return err
	}
	c.invalidate(ctx, fileID)
	return nil
}

func (c *CachedMetadata) invalidate(ctx context.Context, fileID uuid.UUID) {
	if err := c.cache.InvalidateFileMetadata(ctx, fileID); err != nil {
		c.log.For(ctx).Warn("failed to invalidate cache", zap.String("file_id", fileID.String()), zap.Error(err))
	}
}
