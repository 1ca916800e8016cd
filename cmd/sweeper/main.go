package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bookscan/internal/config"
	"bookscan/internal/storage"
	"bookscan/internal/store"
	"bookscan/internal/sweep"
	"bookscan/internal/telemetry"
)

// The sweeper is the time-based trigger for the reaper and the cleaner.
// Both sweeps are stateless and batch bounded, so the cadence here is an
// operational choice, not a correctness requirement.
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

	reaper := sweep.NewReaper(st, cfg.StallThreshold, cfg.ReaperBatch, log)
	cleaner := sweep.NewCleaner(st, images, cfg.RetentionWindow, cfg.DeleteGrace, cfg.CleanerBatch, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go runEvery(ctx, cfg.ReaperInterval, func() {
		sum := reaper.Run(ctx)
		log.Info("reaper run finished",
			zap.Int("processed", sum.Processed), zap.Int("errored", sum.Errored))
	})
	go runEvery(ctx, cfg.CleanerInterval, func() {
		sum := cleaner.Run(ctx)
		log.Info("cleaner run finished",
			zap.Int("processed", sum.Processed), zap.Int("errored", sum.Errored))
	})

	log.Info("sweeper started",
		zap.Duration("reaper_interval", cfg.ReaperInterval),
		zap.Duration("cleaner_interval", cfg.CleanerInterval))
	<-ctx.Done()
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
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
