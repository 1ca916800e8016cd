package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"bookscan/internal/config"
	"bookscan/internal/detect"
	"bookscan/internal/pipeline"
	"bookscan/internal/queue"
	"bookscan/internal/storage"
	"bookscan/internal/store"
	"bookscan/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal("init object storage", zap.Error(err))
	}
	images := storage.NewImages(backend, cfg.ThumbnailWidth, cfg.ThumbnailMaxBytes, cfg.SignedURLTTL)

	q := queue.NewRedisQueue(cfg)
	engine := detect.NewHTTPEngine(cfg.DetectEndpoint, cfg.DetectAPIKey, cfg.DetectTimeout)

	orch := pipeline.NewOrchestrator(st, images, engine, log, 0)
	runner := pipeline.NewRunner(q, orch, cfg.PollInterval, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("lease", cfg.LeaseTimeout),
		zap.String("detect_endpoint", cfg.DetectEndpoint))
	if err := runner.Run(ctx); err != nil {
		log.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
