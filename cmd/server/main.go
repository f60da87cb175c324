package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clipfactory/internal/config"
	"clipfactory/internal/export"
	"clipfactory/internal/handlers"
	"clipfactory/internal/ingestion"
	"clipfactory/internal/keypool"
	"clipfactory/internal/lease"
	"clipfactory/internal/logging"
	"clipfactory/internal/media"
	"clipfactory/internal/queue"
	"clipfactory/internal/review"
	"clipfactory/internal/storage"
	"clipfactory/internal/tracing"
	"clipfactory/internal/transcribe"
	"clipfactory/internal/version"
	"clipfactory/internal/worker"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logrus.NewEntry(logging.New(cfg.LogLevel, cfg.LogFormat)).WithField("service", cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.WithError(err).Warn("error shutting down tracer")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	videoRepo := storage.NewVideoRepository(db)
	chunkRepo := storage.NewChunkRepository(db)
	segmentRepo := storage.NewSegmentRepository(db)
	jobRepo := storage.NewJobRepository(db)

	keys := keypool.New(storage.NewAPIKeyRepository(db),
		keypool.WithCooldown(cfg.KeyCooldown),
		keypool.WithPrimaryTier(cfg.PrimaryTier),
		keypool.WithLogger(log),
		keypool.WithExhaustedHook(func(tier string, next time.Time) {
			log.WithFields(logrus.Fields{"tier": tier, "next_available": next}).Warn("api key tier exhausted")
		}),
	)
	if err := keys.Provision(ctx, cfg.APIKeys); err != nil {
		log.WithError(err).Fatal("failed to provision api keys")
	}
	if len(cfg.APIKeys) == 0 {
		log.Warn("no API_KEYS configured; jobs will wait in the queue")
	}

	q := queue.New(jobRepo,
		queue.WithMaxAttempts(cfg.JobMaxAttempts),
		queue.WithBackoff(cfg.JobBackoffBase, queue.DefaultBackoffMax),
		queue.WithLogger(log))
	leases := lease.New(chunkRepo, lease.WithDuration(cfg.LeaseDuration), lease.WithLogger(log))
	reviews := review.New(chunkRepo, segmentRepo, jobRepo, review.WithLogger(log))

	ff := media.New(cfg.FFmpegBin, cfg.FFprobeBin)
	if err := ff.Available(); err != nil {
		log.WithError(err).Warn("ffmpeg not available; ingest and export will fail")
	}
	ingester := ingestion.NewIngester(videoRepo, chunkRepo, ff, cfg.DataDir,
		ingestion.WithWindow(cfg.ChunkWindow, cfg.ChunkOverlap),
		ingestion.WithQueue(q),
		ingestion.WithLogger(log))

	sink, err := newSink(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize export sink")
	}
	assembler := export.New(chunkRepo, segmentRepo, ff, sink, export.WithLogger(log))

	w := worker.NewWorker(q, chunkRepo, keys,
		transcribe.NewGeminiClient(cfg.TranscribeBaseURL, cfg.TranscribeTimeout),
		worker.Config{
			Concurrency:    cfg.WorkerConcurrency,
			Interval:       cfg.WorkerInterval,
			MaxIdle:        cfg.WorkerMaxIdle,
			Timeout:        cfg.TranscribeTimeout,
			EscalationTier: cfg.EscalationTier,
			TierModels:     cfg.TierModels,
			SourceLanguage: cfg.SourceLanguage,
			TargetLanguage: cfg.TargetLanguage,
		},
		worker.WithLogger(log))
	w.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(handlers.RequestLogger(log.WithField("component", "http")))
	handlers.Register(e, handlers.Handlers{
		Chunks: handlers.NewChunkHandler(q, leases, reviews),
		Jobs:   handlers.NewJobHandler(q, cfg.JobRetention),
		Videos: handlers.NewVideoHandler(videoRepo, chunkRepo, ingester),
		Export: handlers.NewExportHandler(assembler),
		Keys:   handlers.NewKeyHandler(keys, w),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(e, cfg.ServiceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "version": version.Version}).Info("starting clipfactory")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}

	cancel()
	w.Stop()
	log.Info("server exited")
}

func newSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	if cfg.MinIOEndpoint == "" {
		return export.NewLocalSink(cfg.ExportDir), nil
	}
	return export.NewMinioSink(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey,
		cfg.MinIOBucket, "exports", cfg.MinIOUseSSL)
}
