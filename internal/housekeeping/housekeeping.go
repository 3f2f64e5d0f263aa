// Package housekeeping cleans up stale live-view HLS artifacts left behind
// by a previous run. It never touches ring segment files.
package housekeeping

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ringtrip/dashcamd/internal/dberr"
)

const playlistName = "livestream.m3u8"

// Clean removes stale live-view artifacts (the playlist and its segmentNNN.ts
// files) from every camera's recording directory. Ring files named
// output_<n>.ts are left untouched by construction: they never match the
// "segment*.ts" glob this scans.
func Clean(recordingRoot string, cameraKeys []string, logger *slog.Logger) error {
	logger = logger.With("component", "housekeeping")

	for _, key := range cameraKeys {
		dir := filepath.Join(recordingRoot, key)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		playlist := filepath.Join(dir, playlistName)
		if err := os.Remove(playlist); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove stale playlist", "path", playlist, "error", dberr.New(dberr.KindIO, "housekeeping.Clean", err))
		}

		matches, err := filepath.Glob(filepath.Join(dir, "segment*.ts"))
		if err != nil {
			logger.Warn("failed to glob stale segments", "dir", dir, "error", err)
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove stale segment", "path", m, "error", dberr.New(dberr.KindIO, "housekeeping.Clean", err))
			}
		}
	}
	return nil
}
