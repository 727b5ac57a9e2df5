package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/config"
	"github.com/maneesh/chunkstore/internal/engine"
	"github.com/maneesh/chunkstore/internal/handlers"
	"github.com/maneesh/chunkstore/internal/logger"
	"github.com/maneesh/chunkstore/internal/metrics"
	"github.com/maneesh/chunkstore/internal/storage"
	"github.com/maneesh/chunkstore/internal/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.New(logger.DevelopmentMode).Logger.Fatal("failed to load config", zap.Error(err))
	}

	log := logger.New(cfg.Environment)
	defer log.Sync()
	zlog := log.Logger

	zlog.Info("starting chunkstore",
		zap.String("service", cfg.ServiceName),
		zap.String("port", cfg.ServicePort),
		zap.Int("chunk_size", cfg.ChunkSizeBytes),
	)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, log)
	if err != nil {
		zlog.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			zlog.Warn("error shutting down tracer", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Object store
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	manager := storage.NewManager(storage.ObjectStoreConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Region:    cfg.MinIORegion,
		Bucket:    cfg.MinIOBucketName,
		UseSSL:    cfg.MinIOUseSSL,
	}, log)
	if err := manager.Start(startCtx); err != nil {
		zlog.Fatal("failed to start object store client", zap.Error(err))
	}
	defer manager.Stop()
	objects := storage.NewObjectStore(manager, cfg.RetryPolicy(), cfg.ReadBlockBytes, m, log)

	// Metadata repository
	var repo engine.Repository
	switch cfg.MetadataDriver {
	case config.MetadataMemory:
		zlog.Warn("using in-memory metadata; records are lost on restart")
		repo = storage.NewMemoryMetadata()
	default:
		tidbClient, err := storage.NewTiDBClient(cfg.GetDSN())
		if err != nil {
			zlog.Fatal("failed to initialize TiDB client", zap.Error(err))
		}
		defer tidbClient.Close()
		if err := tidbClient.EnsureSchema(startCtx); err != nil {
			zlog.Fatal("failed to create schema", zap.Error(err))
		}
		repo = tidbClient
	}

	if cfg.RedisEnabled {
		redisClient, err := storage.NewRedisClient(startCtx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			zlog.Fatal("failed to initialize Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		repo = storage.NewCachedMetadata(repo, redisClient, log)
	}

	svc := engine.New(repo, objects, engine.Config{
		ChunkSize:    cfg.ChunkSizeBytes,
		VerifyChunks: cfg.VerifyChunks,
	}, m, log)

	srv := newServer(":"+cfg.ServicePort, handlers.NewRouter(svc, registry, log))

	// Start server in a goroutine
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}

	zlog.Info("server exited")
}

// newServer bounds only header reads and idle connections. Bodies are
// streamed in both directions and may take as long as the transfer needs.
func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
