// muxd is the continuous HLS mux engine: it follows the external playhead,
// switches ffmpeg between source URLs at segment boundaries, and serves one
// uninterrupted HLS output.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/playhead"
	"github.com/deflax/television-sub000/internal/server"
	"github.com/deflax/television-sub000/internal/store"
	"github.com/deflax/television-sub000/internal/streaming"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", false)
		logger.Log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	logger.Log.Info().
		Str("mode", cfg.Mode).
		Str("output_dir", cfg.OutputDir).
		Int("segment_time", cfg.SegmentTime).
		Int("list_size", cfg.ListSize).
		Int("variants", cfg.NumVariants()).
		Msg("Starting mux engine")

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		logger.Log.Error().Err(err).Str("dir", cfg.OutputDir).Msg("Failed to create output directory")
		os.Exit(1)
	}

	segmentStore := store.New(cfg)
	segmentStore.SeedNextSequence(streaming.ScanNextSequence(cfg.OutputDir, cfg.NumVariants()))

	manager := streaming.NewManager(cfg, segmentStore)
	manager.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := playhead.NewMonitor(cfg)
	go monitor.Run(ctx, func(url, name string) {
		logger.Log.Info().
			Str("url", url).
			Str("name", name).
			Msg("Switching to new live source")
		if err := manager.Switch(url); err != nil {
			logger.Log.Error().
				Err(err).
				Str("url", url).
				Msg("Source switch failed")
		}
	})

	cleanupDone := make(chan struct{})
	go runCleanupLoop(ctx, cfg, segmentStore, cleanupDone)

	srv := server.New(cfg, segmentStore, manager)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("HTTP server failed")
			manager.Stop()
			os.Exit(1)
		}
	}

	cancel()
	monitor.Stop()
	<-cleanupDone
	manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server shutdown error")
	}

	logger.Log.Info().Msg("Mux engine stopped")
}

// runCleanupLoop evicts aged-out segments once per segment duration
func runCleanupLoop(ctx context.Context, cfg *config.Config, segmentStore *store.Store, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cfg.SegmentDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			segmentStore.CleanupOldSegments()
		}
	}
}
