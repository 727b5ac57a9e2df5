// Package engine turns byte streams into content-addressed chunks and back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/chunker"
	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
	"github.com/maneesh/chunkstore/internal/metrics"
	"github.com/maneesh/chunkstore/internal/models"
)

var tracer = otel.Tracer("chunkstore-engine")

// Repository persists file and chunk metadata. GetChunks must return chunks
// sorted by ascending index. MarkReady and MarkFailed ignore unknown ids.
type Repository interface {
	CreateFile(ctx context.Context, name string) (*models.File, error)
	AppendChunk(ctx context.Context, fileID uuid.UUID, contentID string, index int) error
	GetFile(ctx context.Context, fileID uuid.UUID) (*models.File, error)
	GetFilename(ctx context.Context, fileID uuid.UUID) (string, error)
	GetChunks(ctx context.Context, fileID uuid.UUID) ([]*models.Chunk, error)
	MarkReady(ctx context.Context, fileID uuid.UUID) error
	MarkFailed(ctx context.Context, fileID uuid.UUID) error
}

// ObjectStore holds chunk bytes by content id.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	GetStream(ctx context.Context, key string) iter.Seq2[[]byte, error]
}

type Config struct {
	// ChunkSize is the number of bytes per stored chunk.
	ChunkSize int
	// VerifyChunks re-hashes every chunk on download.
	VerifyChunks bool
}

// Engine is the storage service. Uploads and downloads are processed one
// chunk at a time, in order.
type Engine struct {
	repo    Repository
	objects ObjectStore
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger
}

func New(repo Repository, objects ObjectStore, cfg Config, m *metrics.Metrics, log *logger.Logger) *Engine {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		repo:    repo,
		objects: objects,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// Store splits src into chunks, uploads each one under its content hash and
// records it, then marks the file ready. An empty name is replaced by a
// generated one. On any failure the file is marked failed and the original
// error is returned; blobs already uploaded stay where they are.
func (e *Engine) Store(ctx context.Context, name string, src io.Reader) (uuid.UUID, error) {
	if strings.TrimSpace(name) == "" {
		name = placeholderName()
	}

	ctx, span := tracer.Start(ctx, "engine.store",
		trace.WithAttributes(attribute.String("file_name", name)),
	)
	defer span.End()

	file, err := e.repo.CreateFile(ctx, name)
	if err != nil {
		span.RecordError(err)
		e.metrics.Uploads.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("failed to create file record: %w", err)
	}
	span.SetAttributes(attribute.String("file_id", file.ID.String()))

	count, err := e.writeChunks(ctx, file.ID, src)
	if err == nil && count == 0 {
		err = errs.ErrEmptyUpload
	}
	if err != nil {
		span.RecordError(err)
		e.markFailed(ctx, file.ID, err)
		e.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
		return uuid.Nil, err
	}

	if err := e.repo.MarkReady(ctx, file.ID); err != nil {
		span.RecordError(err)
		e.markFailed(ctx, file.ID, err)
		e.metrics.Uploads.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("failed to finalize file %s: %w", file.ID, err)
	}

	span.SetAttributes(attribute.Int("chunk_count", count))
	e.metrics.Uploads.WithLabelValues("ok").Inc()
	e.log.For(ctx).Info("file stored",
		zap.String("file_id", file.ID.String()),
		zap.String("file_name", name),
		zap.Int("chunk_count", count),
	)
	return file.ID, nil
}

// writeChunks runs hash, upload and record for each chunk strictly in
// sequence; chunk i+1 is not read before chunk i is recorded.
func (e *Engine) writeChunks(ctx context.Context, fileID uuid.UUID, src io.Reader) (int, error) {
	c := chunker.NewChunker(src, e.cfg.ChunkSize)
	index := 0
	for {
		data, err := c.Next()
		if errors.Is(err, io.EOF) {
			return index, nil
		}
		if err != nil {
			return index, fmt.Errorf("failed to read upload: %w", err)
		}

		contentID := chunker.ComputeHash(data)
		if err := e.objects.Put(ctx, contentID, data); err != nil {
			return index, fmt.Errorf("chunk %d: %w", index, err)
		}
		if err := e.repo.AppendChunk(ctx, fileID, contentID, index); err != nil {
			return index, fmt.Errorf("failed to record chunk %d: %w", index, err)
		}
		e.metrics.ChunksWritten.Inc()
		index++
	}
}

// markFailed is the compensating action for a failed upload. Its own error
// is logged and dropped so the caller sees the original cause.
func (e *Engine) markFailed(ctx context.Context, fileID uuid.UUID, cause error) {
	// the request context may already be cancelled
	if err := e.repo.MarkFailed(context.WithoutCancel(ctx), fileID); err != nil {
		e.log.For(ctx).Error("failed to mark file as failed",
			zap.String("file_id", fileID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

// Retrieve returns the file's bytes as a lazy sequence of blocks. The file
// record and chunk list are fetched before returning, so an unknown or
// not-ready file fails here without touching the object store. Blocks of
// chunk i are all yielded before chunk i+1 is opened. An error during
// iteration means the download failed and whatever was received must be
// discarded.
func (e *Engine) Retrieve(ctx context.Context, fileID uuid.UUID) (iter.Seq2[[]byte, error], error) {
	file, err := e.repo.GetFile(ctx, fileID)
	if err != nil {
		label := "error"
		if errors.Is(err, errs.ErrNotFound) {
			label = "not_found"
		}
		e.metrics.Downloads.WithLabelValues(label).Inc()
		return nil, err
	}
	if !file.IsReady() {
		e.metrics.Downloads.WithLabelValues("not_ready").Inc()
		return nil, fmt.Errorf("%w: file %s is %s", errs.ErrFileNotReady, fileID, file.Status)
	}

	chunks, err := e.repo.GetChunks(ctx, fileID)
	if err != nil {
		e.metrics.Downloads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list chunks of file %s: %w", fileID, err)
	}
	if len(chunks) == 0 {
		e.metrics.Downloads.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: no chunks for file %s", errs.ErrNotFound, fileID)
	}

	return func(yield func([]byte, error) bool) {
		ctx, span := tracer.Start(ctx, "engine.retrieve",
			trace.WithAttributes(
				attribute.String("file_id", fileID.String()),
				attribute.Int("chunk_count", len(chunks)),
			),
		)
		defer span.End()

		for _, chunk := range chunks {
			var verifier *chunker.Verifier
			if e.cfg.VerifyChunks {
				verifier = chunker.NewVerifier(chunk.ContentID)
			}

			for block, err := range e.objects.GetStream(ctx, chunk.ContentID) {
				if err != nil {
					span.RecordError(err)
					e.metrics.Downloads.WithLabelValues("error").Inc()
					yield(nil, fmt.Errorf("failed to stream chunk %d (%s): %w", chunk.Index, chunk.ContentID, err))
					return
				}
				if verifier != nil {
					verifier.Write(block)
				}
				if !yield(block, nil) {
					e.metrics.Downloads.WithLabelValues("aborted").Inc()
					return
				}
			}

			if verifier != nil && !verifier.Verify() {
				err := fmt.Errorf("chunk %d (%s): content hash mismatch", chunk.Index, chunk.ContentID)
				span.RecordError(err)
				e.metrics.Downloads.WithLabelValues("error").Inc()
				yield(nil, err)
				return
			}
		}

		e.metrics.Downloads.WithLabelValues("ok").Inc()
	}, nil
}

// Describe returns the file record.
func (e *Engine) Describe(ctx context.Context, fileID uuid.UUID) (*models.File, error) {
	return e.repo.GetFile(ctx, fileID)
}

// Filename returns the stored name of the file.
func (e *Engine) Filename(ctx context.Context, fileID uuid.UUID) (string, error) {
	return e.repo.GetFilename(ctx, fileID)
}

func placeholderName() string {
	return "upload-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func resultLabel(err error) string {
	if errors.Is(err, errs.ErrInvalidInput) {
		return "rejected"
	}
	return "error"
}
