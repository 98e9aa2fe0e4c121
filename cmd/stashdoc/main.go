package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/config"
	"github.com/stashdoc/stashdoc/internal/gateway/minio"
	"github.com/stashdoc/stashdoc/internal/gateway/openai"
	"github.com/stashdoc/stashdoc/internal/gateway/postgres"
	"github.com/stashdoc/stashdoc/internal/gateway/qdrant"
	"github.com/stashdoc/stashdoc/internal/gateway/redisearch"
	logpkg "github.com/stashdoc/stashdoc/internal/logger"
	"github.com/stashdoc/stashdoc/internal/metrics"
	chiTransport "github.com/stashdoc/stashdoc/internal/transport/chi"
	healthuc "github.com/stashdoc/stashdoc/internal/usecase/health"
	monitoruc "github.com/stashdoc/stashdoc/internal/usecase/monitor"
	searchuc "github.com/stashdoc/stashdoc/internal/usecase/search"
	uploaduc "github.com/stashdoc/stashdoc/internal/usecase/upload"
	"github.com/stashdoc/stashdoc/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting stashdoc API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("metadata_host", cfg.Metadata.Host),
		zap.Strings("keyword_addrs", cfg.KeywordIndex.Addrs),
		zap.String("vector_url", cfg.VectorIndex.URL),
	)

	ctx := context.Background()

	// Metadata store (PostgreSQL)
	metaStore, err := postgres.NewStore(postgres.Config{
		Host:     cfg.Metadata.Host,
		Port:     cfg.Metadata.Port,
		User:     cfg.Metadata.User,
		Password: cfg.Metadata.Password,
		Database: cfg.Metadata.Database,
		SSLMode:  cfg.Metadata.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect metadata store", zap.Error(err))
	}
	defer func() { _ = metaStore.Close() }()

	if err := metaStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure metadata schema", zap.Error(err))
	}
	logger.Info("Connected to metadata store")

	// Object store (MinIO)
	objectStore, err := minio.NewStore(ctx, minio.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		logger.Fatal("Failed to connect object store", zap.Error(err))
	}
	logger.Info("Connected to object store", zap.String("bucket", cfg.ObjectStore.Bucket))

	// Vector index (Qdrant)
	vectorIndex := qdrant.NewIndex(qdrant.Config{
		URL:        cfg.VectorIndex.URL,
		APIKey:     cfg.VectorIndex.APIKey,
		Collection: cfg.VectorIndex.Collection,
		Dimension:  cfg.Embedding.Dimensions,
		Timeout:    time.Duration(cfg.VectorIndex.TimeoutSec) * time.Second,
	})
	if err := vectorIndex.EnsureCollection(ctx); err != nil {
		logger.Fatal("Failed to ensure vector collection", zap.Error(err))
	}
	logger.Info("Vector collection ready", zap.String("collection", cfg.VectorIndex.Collection))

	// Keyword index (RediSearch)
	keywordIndex, err := redisearch.NewIndex(redisearch.Config{
		Addrs:    cfg.KeywordIndex.Addrs,
		Username: cfg.KeywordIndex.Username,
		Password: cfg.KeywordIndex.Password,
	})
	if err != nil {
		logger.Fatal("Failed to connect keyword index", zap.Error(err))
	}
	defer keywordIndex.Close()

	if err := keywordIndex.EnsureIndex(ctx); err != nil {
		logger.Fatal("Failed to ensure keyword index", zap.Error(err))
	}
	logger.Info("Keyword index ready")

	// Embedding provider
	embedder := openai.NewEmbedder(openai.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	logger.Info("Embedder created",
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	// Transaction history sink
	monitor := monitoruc.New(cfg.Upload.TransactionHistory, logger)

	// Use case services
	uploadSvc := uploaduc.New(
		objectStore, metaStore, vectorIndex, keywordIndex, embedder, monitor,
		uploaduc.Config{
			StrictTags:         cfg.Upload.StrictTags,
			Timeout:            time.Duration(cfg.Upload.TimeoutSec) * time.Second,
			RollbackMaxRetries: uint64(cfg.Upload.RollbackMaxRetries),
			RollbackBaseDelay:  time.Duration(cfg.Upload.RollbackBaseDelayMS) * time.Millisecond,
		},
		logger,
	)
	searchSvc := searchuc.New(
		vectorIndex, keywordIndex, metaStore, embedder,
		searchuc.Config{
			ScoreFloor:   cfg.Search.ScoreFloor,
			DefaultLimit: cfg.Search.DefaultLimit,
			MaxLimit:     cfg.Search.MaxLimit,
		},
		logger,
	)
	healthSvc := healthuc.New(map[string]healthuc.Pinger{
		"metadata":      metaStore,
		"object_store":  objectStore,
		"vector_index":  vectorIndex,
		"keyword_index": keywordIndex,
		"embedding":     embedder,
	})

	server := chiTransport.NewServer(uploadSvc, searchSvc, monitor, healthSvc,
		chiTransport.Config{
			PresignedURLTTL: time.Duration(cfg.Upload.PresignedURLTTLHours) * time.Hour,
			MaxUploadSize:   0,
		},
		logger,
	)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"success": false,
						"error": map[string]string{
							"category": "internal",
							"message":  "internal error",
						},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
