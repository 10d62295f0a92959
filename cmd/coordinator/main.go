package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weathervane/coordinator/internal/analysis"
	"github.com/weathervane/coordinator/internal/api"
	"github.com/weathervane/coordinator/internal/blob"
	"github.com/weathervane/coordinator/internal/cache"
	"github.com/weathervane/coordinator/internal/config"
	"github.com/weathervane/coordinator/internal/coordinator"
	"github.com/weathervane/coordinator/internal/db"
	"github.com/weathervane/coordinator/internal/executor"
	"github.com/weathervane/coordinator/internal/job"
	"github.com/weathervane/coordinator/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger := newLogger(cfg)

	log.Printf("Starting coordinator node: %s", cfg.NodeID)
	log.Printf("HTTP port: %d", cfg.HTTPPort)

	dbStore, err := db.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Result store error: %v", err)
	}
	defer dbStore.Close()

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("Blob store error: %v", err)
	}

	resultCache, err := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("Cache error: %v", err)
	}
	defer resultCache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := executor.New(blobs, analysis.Analyze, cfg.QueueSize, logger)
	exec.Start(ctx, cfg.Workers)

	records := job.NewPersistentStore(dbStore)
	coord := coordinator.New(records, resultCache, blobs, exec, logger)

	wsServer := ws.NewServer(logger)
	coord.SetEventHook(wsServer.Broadcast)

	go coord.Run(ctx, exec.Notifications())

	router := api.NewRouter(cfg, coord, wsServer)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	cancel()

	log.Println("Server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Weathervane - Weather dataset analysis coordinator\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration is read from defaults, then the config file, then\n")
		fmt.Fprintf(os.Stderr, "environment variables (HTTP_PORT, DATA_DIR, WORKERS, CACHE_TTL, ...).\n")
	}
}
