package camerastore

import (
	"context"
	"testing"

	"github.com/ringtrip/dashcamd/internal/config"
	"github.com/ringtrip/dashcamd/internal/schema"
	"github.com/ringtrip/dashcamd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(&store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.ApplySchema(context.Background(), schema.Default); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return st
}

func TestSyncUpsertsCameraAndProvisionsRingSinks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := &config.Config{
		Cameras: []config.CameraConfig{
			{
				Key: "front", Name: "Front", Enabled: true,
				Source: config.SourceConfig{Kind: config.SourceRTSP, RTSPURL: "rtsp://a"},
				Sinks: []config.SinkConfig{
					{Kind: config.SinkDashcamTS, SinkID: 0, MaxSegments: 100},
					{Kind: config.SinkHLS, SinkID: 1},
				},
			},
		},
	}

	if err := Sync(ctx, st, cfg); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var name, rtspURL string
	if err := st.QueryRowContext(ctx, `SELECT name, rtsp_url FROM cameras WHERE key = 'front'`).Scan(&name, &rtspURL); err != nil {
		t.Fatalf("query camera: %v", err)
	}
	if name != "Front" || rtspURL != "rtsp://a" {
		t.Errorf("unexpected camera row: name=%q rtsp_url=%q", name, rtspURL)
	}

	var ringSinkCount int
	if err := st.QueryRowContext(ctx, `SELECT COUNT(*) FROM camera_state`).Scan(&ringSinkCount); err != nil {
		t.Fatalf("count camera_state: %v", err)
	}
	if ringSinkCount != 1 {
		t.Errorf("expected exactly 1 ring-writing sink provisioned (hls sink should be skipped), got %d", ringSinkCount)
	}
}

func TestSyncUpdatesNameButPreservesRTSPURLWhenNewIsEmpty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg1 := &config.Config{Cameras: []config.CameraConfig{
		{Key: "front", Name: "Front", Enabled: true, Source: config.SourceConfig{Kind: config.SourceRTSP, RTSPURL: "rtsp://a"}},
	}}
	if err := Sync(ctx, st, cfg1); err != nil {
		t.Fatalf("sync 1: %v", err)
	}

	cfg2 := &config.Config{Cameras: []config.CameraConfig{
		{Key: "front", Name: "Front Renamed", Enabled: true, Source: config.SourceConfig{Kind: config.SourceRTSP}},
	}}
	if err := Sync(ctx, st, cfg2); err != nil {
		t.Fatalf("sync 2: %v", err)
	}

	var name, rtspURL string
	if err := st.QueryRowContext(ctx, `SELECT name, rtsp_url FROM cameras WHERE key = 'front'`).Scan(&name, &rtspURL); err != nil {
		t.Fatalf("query camera: %v", err)
	}
	if name != "Front Renamed" {
		t.Errorf("expected updated name, got %q", name)
	}
	if rtspURL != "rtsp://a" {
		t.Errorf("expected rtsp_url preserved, got %q", rtspURL)
	}
}

func TestSyncDoesNotResetExistingRingPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := &config.Config{Cameras: []config.CameraConfig{
		{
			Key: "front", Name: "Front", Enabled: true,
			Source: config.SourceConfig{Kind: config.SourceRTSP, RTSPURL: "rtsp://a"},
			Sinks:  []config.SinkConfig{{Kind: config.SinkDashcamTS, SinkID: 0, MaxSegments: 100}},
		},
	}}
	if err := Sync(ctx, st, cfg); err != nil {
		t.Fatalf("sync 1: %v", err)
	}

	var cameraID int64
	if err := st.QueryRowContext(ctx, `SELECT id FROM cameras WHERE key = 'front'`).Scan(&cameraID); err != nil {
		t.Fatalf("query camera id: %v", err)
	}
	if _, err := st.ExecContext(ctx, `UPDATE camera_state SET segment_index = 42 WHERE camera_id = ? AND sink_id = 0`, cameraID); err != nil {
		t.Fatalf("seed segment index: %v", err)
	}

	if err := Sync(ctx, st, cfg); err != nil {
		t.Fatalf("sync 2: %v", err)
	}

	var idx int64
	if err := st.QueryRowContext(ctx, `SELECT segment_index FROM camera_state WHERE camera_id = ? AND sink_id = 0`, cameraID).Scan(&idx); err != nil {
		t.Fatalf("query segment_index: %v", err)
	}
	if idx != 42 {
		t.Errorf("expected segment_index to stay at 42 across re-sync, got %d", idx)
	}
}
