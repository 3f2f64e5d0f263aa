// Package config loads and validates the dashcam/NVR configuration: the
// global paths and per-camera source/sink layout the core bootstraps
// itself from. The core never hot-reloads ring or trip state, so Watch
// only notifies that a restart is required; it does not reconcile.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ringtrip/dashcamd/internal/dberr"
)

// Config is the root configuration document.
type Config struct {
	Global  GlobalConfig   `yaml:"global"`
	Cameras []CameraConfig `yaml:"cameras"`

	path string `yaml:"-"`
}

// GlobalConfig holds process-wide paths and defaults.
type GlobalConfig struct {
	DBPath        string `yaml:"db_path"`
	RecordingRoot string `yaml:"recording_root"`
	// SchemaPath is accepted for forward compatibility with deployments that
	// want to override the embedded default schema; the core does not read
	// it itself today since it only ever applies one embedded schema.
	SchemaPath string `yaml:"schema_path,omitempty"`

	VideoWidth     int `yaml:"video_width,omitempty"`
	VideoHeight    int `yaml:"video_height,omitempty"`
	VideoFramerate int `yaml:"video_framerate,omitempty"`
}

// CameraRole describes what a camera is used for.
type CameraRole string

const (
	RoleDashcam CameraRole = "dashcam"
	RoleNVR     CameraRole = "nvr"
	RolePreview CameraRole = "preview"
)

// SourceKind is the kind of capture source feeding a camera.
type SourceKind string

const (
	SourceRTSP      SourceKind = "rtsp"
	SourceV4L2      SourceKind = "v4l2"
	SourceLibcamera SourceKind = "libcamera"
)

// SourceConfig describes where a camera's frames come from.
type SourceConfig struct {
	Kind    SourceKind `yaml:"kind"`
	RTSPURL string     `yaml:"rtsp_url,omitempty"`
	Device  string     `yaml:"device,omitempty"`
}

func (s SourceConfig) identity() string {
	switch s.Kind {
	case SourceRTSP:
		return string(s.Kind) + ":" + s.RTSPURL
	default:
		return string(s.Kind) + ":" + s.Device
	}
}

// SinkKind is the kind of output a sink writes.
type SinkKind string

const (
	SinkDashcamTS SinkKind = "dashcam_ts"
	SinkNvrTS     SinkKind = "nvr_ts"
	SinkHLS       SinkKind = "hls"
)

// WritesRing reports whether this sink kind owns camera_state ring
// counters. HLS sinks write a rolling playlist, not a bounded ring the
// core accounts for.
func (k SinkKind) WritesRing() bool {
	return k == SinkDashcamTS || k == SinkNvrTS
}

// SinkConfig describes one output of a camera.
type SinkConfig struct {
	Kind               SinkKind `yaml:"kind"`
	SinkID             int64    `yaml:"sink_id"`
	SegmentDurationSec int      `yaml:"segment_duration_sec"`
	// MaxSegments is the ring size of a ring-writing sink (dashcam_ts or
	// nvr_ts). Validate requires it to be >= 1 only for dashcam_ts; hls
	// sinks ignore it.
	MaxSegments int64 `yaml:"max_segments,omitempty"`
}

// CameraConfig describes one configured camera.
type CameraConfig struct {
	Key     string       `yaml:"key"`
	Name    string       `yaml:"name"`
	Enabled bool         `yaml:"enabled"`
	Role    CameraRole   `yaml:"role"`
	Source  SourceConfig `yaml:"source"`
	Sinks   []SinkConfig `yaml:"sinks"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dberr.New(dberr.KindConfig, "config.Load", fmt.Errorf("read config file: %w", err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, dberr.New(dberr.KindConfig, "config.Load", fmt.Errorf("parse config file: %w", err))
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the configuration invariants: unique sources across
// enabled cameras, required source fields per kind, unique sink ids per
// camera, and a positive ring size for every dashcam_ts sink.
func (c *Config) Validate() error {
	seenSources := make(map[string]string) // identity -> camera key
	for _, cam := range c.Cameras {
		if !cam.Enabled {
			continue
		}

		switch cam.Source.Kind {
		case SourceRTSP:
			if cam.Source.RTSPURL == "" {
				return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("camera %q: rtsp source requires rtsp_url", cam.Key))
			}
		case SourceV4L2, SourceLibcamera:
			if cam.Source.Device == "" {
				return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("camera %q: local device source requires device", cam.Key))
			}
		default:
			return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("camera %q: unknown source kind %q", cam.Key, cam.Source.Kind))
		}

		identity := cam.Source.identity()
		if owner, ok := seenSources[identity]; ok {
			return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("cameras %q and %q share the same source", owner, cam.Key))
		}
		seenSources[identity] = cam.Key

		seenSinkIDs := make(map[int64]bool)
		for _, sink := range cam.Sinks {
			if seenSinkIDs[sink.SinkID] {
				return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("camera %q: duplicate sink_id %d", cam.Key, sink.SinkID))
			}
			seenSinkIDs[sink.SinkID] = true

			if sink.Kind == SinkDashcamTS && sink.MaxSegments < 1 {
				return dberr.New(dberr.KindConfig, "config.Validate", fmt.Errorf("camera %q sink %d: dashcam_ts requires max_segments >= 1", cam.Key, sink.SinkID))
			}
		}
	}
	return nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string { return c.path }

// Watch watches the config file for changes and logs that a restart is
// required to apply them. Ring and trip state has no hot-reload path: a
// changed max_segments only ever takes effect through the startup-time
// Clamp call, so the watcher's job ends at the log line, not at
// reconciliation.
func (c *Config) Watch(logger *slog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, dberr.New(dberr.KindConfig, "config.Watch", err)
	}

	logger = logger.With("component", "config")

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					logger.Warn("config file changed on disk, restart required to apply", "path", c.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watch error", "error", err)
			}
		}
	}()

	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return nil, dberr.New(dberr.KindConfig, "config.Watch", err)
	}
	return watcher, nil
}
