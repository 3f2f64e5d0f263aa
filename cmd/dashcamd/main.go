// Package main provides the dashcam/NVR ring-and-trip core's entry point:
// open the store, apply the schema, sync cameras from configuration, start
// the DB actor and one naming service per ring-writing sink, clean up stale
// live-view artifacts, and block until signaled to shut down.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ringtrip/dashcamd/internal/camerastore"
	"github.com/ringtrip/dashcamd/internal/config"
	"github.com/ringtrip/dashcamd/internal/contracts"
	"github.com/ringtrip/dashcamd/internal/dbactor"
	"github.com/ringtrip/dashcamd/internal/housekeeping"
	"github.com/ringtrip/dashcamd/internal/logging"
	"github.com/ringtrip/dashcamd/internal/naming"
	"github.com/ringtrip/dashcamd/internal/notify"
	"github.com/ringtrip/dashcamd/internal/schema"
	"github.com/ringtrip/dashcamd/internal/store"
)

const defaultConfigPath = "/etc/dashcamd/config.yaml"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	handler := logging.NewStreamHandler(logBuffer, os.Stdout, logLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting dashcamd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := getEnv("CONFIG_PATH", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	watcher, err := cfg.Watch(logger)
	if err != nil {
		slog.Warn("config file watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	st, err := store.Open(store.DefaultConfig(filepath.Dir(cfg.Global.DBPath)))
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if err := st.ApplySchema(ctx, schema.Default); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	if err := camerastore.Sync(ctx, st, cfg); err != nil {
		slog.Error("failed to sync cameras from configuration", "error", err)
		os.Exit(1)
	}

	bus, err := notify.Start(notify.Config{StoreDir: ""}, logger)
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	actor := dbactor.New(st, bus, logger)
	handle := actor.NewHandle()
	defer handle.Close()

	cameraKeys := make([]string, 0, len(cfg.Cameras))
	var namers []contracts.SegmentNamer
	for _, cam := range cfg.Cameras {
		cameraKeys = append(cameraKeys, cam.Key)
		if !cam.Enabled {
			continue
		}

		cameraID, found := handle.GetCameraIDByKey(ctx, cam.Key)
		if !found {
			slog.Error("camera not found after sync", "key", cam.Key)
			os.Exit(1)
		}

		for _, sink := range cam.Sinks {
			if !sink.Kind.WritesRing() {
				continue
			}

			// Tolerate a config-time reduction in max_segments: fold a
			// stale segment_index back into range before anything starts
			// handing out paths against it.
			handle.ClampSegmentIndex(cameraID, sink.SinkID, sink.MaxSegments)

			recordingDir := filepath.Join(cfg.Global.RecordingRoot, cam.Key)
			n := naming.New(ctx, handle, bus, logger, cameraID, sink.SinkID, sink.MaxSegments, recordingDir)
			namers = append(namers, n)
			slog.Info("segment naming service ready", "camera", cam.Key, "sink_id", sink.SinkID, "max_segments", sink.MaxSegments)
		}
	}
	slog.Info("segment naming services ready", "count", len(namers))

	if err := housekeeping.Clean(cfg.Global.RecordingRoot, cameraKeys, logger); err != nil {
		slog.Warn("startup housekeeping failed", "error", err)
	}

	go runEvictionSweep(ctx, handle, cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received")
	cancel()
}

func runEvictionSweep(ctx context.Context, handle *dbactor.Handle, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cam := range cfg.Cameras {
				for _, sink := range cam.Sinks {
					if !sink.Kind.WritesRing() {
						continue
					}
					cameraID, found := handle.GetCameraIDByKey(ctx, cam.Key)
					if !found {
						continue
					}
					n, err := handle.MarkEvicted(ctx, cameraID, sink.SinkID, sink.MaxSegments)
					if err != nil {
						logger.Warn("eviction sweep failed", "camera", cam.Key, "sink_id", sink.SinkID, "error", err)
						continue
					}
					if n > 0 {
						logger.Info("trips evicted", "camera", cam.Key, "sink_id", sink.SinkID, "count", n)
					}
				}
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
