package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
	"github.com/maneesh/chunkstore/internal/metrics"
	"github.com/maneesh/chunkstore/internal/retry"
)

var tracer = otel.Tracer("chunkstore-storage")

// ObjectStoreConfig holds connection settings for the S3-compatible backend
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// blobBackend is the slice of the object store API the client needs.
type blobBackend interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	// OpenObject must issue the request before returning so that open
	// failures surface here rather than on the first read.
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type minioBackend struct {
	client *minio.Client
}

func (b *minioBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return b.client.BucketExists(ctx, bucket)
}

func (b *minioBackend) MakeBucket(ctx context.Context, bucket, region string) error {
	return b.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func (b *minioBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (b *minioBackend) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	object, err := b.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat performs the request.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, err
	}
	return object, nil
}

type dialFunc func(ctx context.Context, cfg ObjectStoreConfig) (blobBackend, func(), error)

func dialMinio(_ context.Context, cfg ObjectStoreConfig) (blobBackend, func(), error) {
	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &minioBackend{client: client}, transport.CloseIdleConnections, nil
}

// Manager owns the single object store session. The session is created by
// Start and torn down by Stop; nothing else releases it.
type Manager struct {
	cfg  ObjectStoreConfig
	log  *logger.Logger
	dial dialFunc

	mu      sync.Mutex
	backend blobBackend
	release func()
}

// NewManager creates a manager. No connection is made until Start.
func NewManager(cfg ObjectStoreConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:  cfg,
		log:  log,
		dial: dialMinio,
	}
}

// Start creates the session and makes sure the bucket exists. Calling Start
// on a started manager does nothing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		return nil
	}

	backend, release, err := m.dial(ctx, m.cfg)
	if err != nil {
		return err
	}

	exists, err := backend.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		release()
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		m.log.For(ctx).Info("creating bucket", zap.String("bucket", m.cfg.Bucket))
		if err := backend.MakeBucket(ctx, m.cfg.Bucket, m.cfg.Region); err != nil {
			release()
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	m.backend = backend
	m.release = release
	return nil
}

// Stop releases the session. It is safe to call on a stopped manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return
	}
	if m.release != nil {
		m.release()
	}
	m.backend = nil
	m.release = nil
}

// Started reports whether a session is live.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend != nil
}

// Bucket returns the configured bucket name.
func (m *Manager) Bucket() string {
	return m.cfg.Bucket
}

func (m *Manager) session() (blobBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return nil, errs.ErrNotStarted
	}
	return m.backend, nil
}

// ObjectStore moves chunk bytes in and out of the bucket, retrying transient
// failures according to its policy.
type ObjectStore struct {
	manager   *Manager
	policy    retry.Policy
	blockSize int
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewObjectStore wraps a manager. blockSize is the size of the blocks
// GetStream yields and is unrelated to the upload chunk size.
func NewObjectStore(manager *Manager, policy retry.Policy, blockSize int, m *metrics.Metrics, log *logger.Logger) *ObjectStore {
	if m == nil {
		m = metrics.New(nil)
	}
	return &ObjectStore{
		manager:   manager,
		policy:    policy,
		blockSize: blockSize,
		metrics:   m,
		log:       log,
	}
}

// Put uploads data under key, overwriting any existing object.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	err := s.policy.Do(ctx, func(ctx context.Context) error {
		backend, err := s.manager.session()
		if err != nil {
			return retry.Permanent(err)
		}
		return backend.PutObject(ctx, s.manager.Bucket(), key, bytes.NewReader(data), int64(len(data)))
	}, retry.WithClassifier(IsTransient), retry.WithNotify(s.onRetry(ctx, "put", key)))

	if err != nil {
		span.RecordError(err)
		s.metrics.ObjectRequests.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to upload chunk %s: %w", key, translate(key, err))
	}

	s.metrics.ObjectRequests.WithLabelValues("put", "ok").Inc()
	s.metrics.BytesUploaded.Add(float64(len(data)))
	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// GetStream returns a lazy sequence of blocks holding the object's bytes.
// Nothing is requested until iteration starts. Opening is retried; a read
// failure after the first block is yielded as-is. The object is closed on
// every exit path, including the consumer stopping early.
func (s *ObjectStore) GetStream(ctx context.Context, key string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, span := tracer.Start(ctx, "minio.get_stream",
			trace.WithAttributes(
				attribute.String("object_key", key),
				attribute.Int("block_size", s.blockSize),
			),
		)
		defer span.End()

		var body io.ReadCloser
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			backend, err := s.manager.session()
			if err != nil {
				return retry.Permanent(err)
			}
			rc, err := backend.OpenObject(ctx, s.manager.Bucket(), key)
			if err != nil {
				return err
			}
			body = rc
			return nil
		}, retry.WithClassifier(IsTransient), retry.WithNotify(s.onRetry(ctx, "get", key)))

		if err != nil {
			span.RecordError(err)
			s.metrics.ObjectRequests.WithLabelValues("get", "error").Inc()
			yield(nil, fmt.Errorf("failed to open chunk %s: %w", key, translate(key, err)))
			return
		}
		defer func() {
			if cerr := body.Close(); cerr != nil {
				s.log.For(ctx).Warn("failed to close object body", zap.String("object_key", key), zap.Error(cerr))
			}
		}()

		var total int64
		for {
			buf := make([]byte, s.blockSize)
			n, err := io.ReadFull(body, buf)
			if n > 0 {
				total += int64(n)
				s.metrics.BytesDownloaded.Add(float64(n))
				if !yield(buf[:n], nil) {
					span.SetAttributes(attribute.Bool("consumer_stopped", true))
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				span.RecordError(err)
				s.metrics.ObjectRequests.WithLabelValues("get", "error").Inc()
				yield(nil, fmt.Errorf("failed to read chunk %s: %w", key, err))
				return
			}
		}

		s.metrics.ObjectRequests.WithLabelValues("get", "ok").Inc()
		span.SetAttributes(attribute.Int64("size_bytes", total))
	}
}

func (s *ObjectStore) onRetry(ctx context.Context, op, key string) retry.NotifyFunc {
	return func(attempt int, err error, delay time.Duration) {
		s.metrics.ObjectRetries.WithLabelValues(op).Inc()
		s.log.For(ctx).Warn("object store call failed, retrying",
			zap.String("operation", op),
			zap.String("object_key", key),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.policy.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	}
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errs.ErrNotStarted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code != "" || resp.StatusCode != 0) {
		switch resp.Code {
		case "SlowDown", "InternalError", "RequestTimeout", "ServiceUnavailable", "RequestTimeTooSkewed":
			return true
		case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "InvalidBucketName", "InvalidArgument":
			return false
		}
		return resp.StatusCode == 0 || resp.StatusCode >= 500 || resp.StatusCode == 429
	}

	// Anything else is a network or transport failure.
	return true
}

func translate(key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: object %s", errs.ErrNotFound, key)
	}
	return err
}
