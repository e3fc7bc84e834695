package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumenhost/imagehost/internal/analysis"
	"github.com/lumenhost/imagehost/internal/analysis/clarifai"
	"github.com/lumenhost/imagehost/internal/cache"
	"github.com/lumenhost/imagehost/internal/config"
	"github.com/lumenhost/imagehost/internal/db"
	"github.com/lumenhost/imagehost/internal/image"
	"github.com/lumenhost/imagehost/internal/middleware"
	"github.com/lumenhost/imagehost/internal/storage"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	// Wire dependencies: storage → analysis → service → handler
	backend, err := storage.Open(ctx, cfg.StorageDriver, storage.Options{
		Endpoint:  cfg.StorageEndpoint,
		Region:    cfg.StorageRegion,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
	})
	if err != nil {
		return fmt.Errorf("object storage init failed: %w", err)
	}
	observer, err := storage.NewPrometheusObserver("imagehost_storage", reg)
	if err != nil {
		return err
	}
	store := storage.NewObservedStorage(storage.NewRetryingStorage(backend, nil), observer)

	strategy, err := analysis.ParseStrategy(cfg.AnalysisStrategy)
	if err != nil {
		return err
	}
	provider := clarifai.New(clarifai.Config{
		PAT:         cfg.ClarifaiPAT,
		WorkflowURL: cfg.ClarifaiWorkflowURL,
		APIBase:     cfg.ClarifaiAPIBase,
		Timeout:     cfg.AnalysisTimeout,
	}, log)
	analyzer := analysis.NewAnalyzer(strategy, provider, log.Named("analysis"))

	metrics, err := image.NewMetrics("imagehost", reg)
	if err != nil {
		return err
	}
	opts := []image.Option{
		image.WithLogger(log.Named("image")),
		image.WithMetrics(metrics),
		image.WithMaxBytes(cfg.UploadMaxBytes),
		image.WithDisplayTTL(cfg.StoragePresignTTL),
	}
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis unavailable, display urls will not be cached", zap.Error(err))
		} else {
			defer client.Close()
			opts = append(opts, image.WithURLCache(cache.NewRedisURLCache(client)))
		}
	}

	svc := image.NewService(repo, store, analyzer, opts...)
	imageHandler := image.NewHandler(svc, log)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// The fallback strategy may call the provider twice per upload.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, log, reg, imageHandler, limiter),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2*cfg.AnalysisTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Port), zap.String("env", cfg.AppEnv),
			zap.String("strategy", strategy.String()), zap.Bool("analysis_available", provider.Available()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, log *zap.Logger) (image.Repository, func(), error) {
	switch cfg.DatabaseDriver {
	case config.DatabaseMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURI, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connection failed: %w", err)
		}
		repo := image.NewMongoRepository(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.Migrate(cfg.DatabaseURL, log); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		return image.NewPostgresRepository(pool), pool.Close, nil
	}
}
