// Package naming implements the segment naming service: it hands the media
// pipeline the path for the next segment file and keeps an in-memory
// atomic counter that never waits on the database.
package naming

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ringtrip/dashcamd/internal/contracts"
	"github.com/ringtrip/dashcamd/internal/dbactor"
	"github.com/ringtrip/dashcamd/internal/notify"
)

var _ contracts.SegmentNamer = (*Service)(nil)

// Service owns the hot-path counter for one (camera, sink) binding.
type Service struct {
	cameraID, sinkID int64
	maxSegments      int64
	recordingDir     string

	index  atomic.Int64
	handle *dbactor.Handle
	bus    *notify.Bus
	logger *slog.Logger
}

// New constructs a Service and seeds its counter from the last persisted
// segment_index for this binding.
func New(ctx context.Context, handle *dbactor.Handle, bus *notify.Bus, logger *slog.Logger, cameraID, sinkID, maxSegments int64, recordingDir string) *Service {
	s := &Service{
		cameraID:     cameraID,
		sinkID:       sinkID,
		maxSegments:  maxSegments,
		recordingDir: recordingDir,
		handle:       handle,
		bus:          bus,
		logger:       logger.With("component", "naming", "camera_id", cameraID, "sink_id", sinkID),
	}
	s.index.Store(handle.GetSegmentIndex(ctx, cameraID, sinkID))
	return s
}

// NextPath returns the path for the next segment to write, advances the
// in-memory counter, and asynchronously tells the DB Actor and the event
// bus. It never blocks on either of those and must stay on the hot path.
func (s *Service) NextPath() (string, error) {
	current := s.index.Load()

	bucket := current / 1000
	dir := filepath.Join(s.recordingDir, fmt.Sprintf("%d", bucket))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create segment bucket directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("output_%d.ts", current))

	next := current + 1
	if next >= s.maxSegments {
		next = 0
	}
	s.index.Store(next)

	s.handle.SegmentUpdate(s.cameraID, s.sinkID, next, s.maxSegments)

	if s.bus != nil {
		if err := s.bus.PublishSegmentProduced(notify.SegmentProducedEvent{
			CameraID: s.cameraID, SinkID: s.sinkID, Index: current, Path: path,
		}); err != nil {
			s.logger.Debug("segment produced notification dropped", "error", err)
		}
	}

	return path, nil
}
