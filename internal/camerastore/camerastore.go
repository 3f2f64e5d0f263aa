// Package camerastore bootstraps camera and camera_state rows from parsed
// configuration at startup, upserting by camera key.
package camerastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ringtrip/dashcamd/internal/config"
	"github.com/ringtrip/dashcamd/internal/dberr"
	"github.com/ringtrip/dashcamd/internal/store"
)

// Sync upserts every camera in cfg and ensures a camera_state row exists
// for each of its ring-writing sinks (dashcam_ts, nvr_ts). Existing ring
// positions are never reset: the camera_state insert is ON CONFLICT DO
// NOTHING.
func Sync(ctx context.Context, st *store.Store, cfg *config.Config) error {
	return st.Transaction(ctx, func(tx *sql.Tx) error {
		for _, cam := range cfg.Cameras {
			cameraID, err := upsertCamera(ctx, tx, cam)
			if err != nil {
				return err
			}
			for _, sink := range cam.Sinks {
				if !sink.Kind.WritesRing() {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO camera_state (camera_id, sink_id, segment_index, segment_generation, absolute_segments)
					VALUES (?, ?, 0, 0, 0)
					ON CONFLICT(camera_id, sink_id) DO NOTHING`,
					cameraID, sink.SinkID); err != nil {
					return dberr.New(dberr.KindStorage, "camerastore.Sync", err)
				}
			}
		}
		return nil
	})
}

func upsertCamera(ctx context.Context, tx *sql.Tx, cam config.CameraConfig) (int64, error) {
	var rtspURL any
	if cam.Source.RTSPURL != "" {
		rtspURL = cam.Source.RTSPURL
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cameras (key, name, rtsp_url)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			rtsp_url = COALESCE(excluded.rtsp_url, cameras.rtsp_url)`,
		cam.Key, cam.Name, rtspURL); err != nil {
		return 0, dberr.New(dberr.KindStorage, "camerastore.upsertCamera", err)
	}

	var id int64
	row := tx.QueryRowContext(ctx, `SELECT id FROM cameras WHERE key = ?`, cam.Key)
	if err := row.Scan(&id); err != nil {
		return 0, dberr.New(dberr.KindStorage, "camerastore.upsertCamera", fmt.Errorf("read back camera id: %w", err))
	}
	return id, nil
}
