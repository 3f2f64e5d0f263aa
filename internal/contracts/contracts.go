// Package contracts defines the small interfaces external collaborators
// (the media pipeline, the save-trip post-processor, eviction listeners)
// are expected to implement against, or to call into. The live-view HLS
// writer has no interface here.
package contracts

import (
	"context"

	"github.com/ringtrip/dashcamd/internal/notify"
)

// SegmentNamer is what the media pipeline calls on its own producing
// goroutine to get the next segment file path. It must return quickly: the
// implementation must not wait on database confirmation.
type SegmentNamer interface {
	NextPath() (string, error)
}

// SavePoster is the interface the save-trip post-processor calls against.
// The core only flips trip state; the caller is responsible for physically
// copying segment files covering [ClosedStart, ClosedEnd] into SavedDir and
// for any downstream concatenation.
type SavePoster interface {
	SaveTripAndStartNew(ctx context.Context, cameraID, ringSinkID int64, savedDir string) (SaveResult, error)
}

// SaveResult reports what the core closed and opened as a result of a save
// request.
type SaveResult struct {
	NewTripID    int64
	ClosedTripID int64
	ClosedStart  int64
	ClosedEnd    int64
	SavedDir     string
}

// EvictionNotifiable is implemented by anything that wants to be told when
// the Eviction Oracle stamps trips as fully evicted for a camera, without
// needing to poll the store. The Event Notifier is the concrete bus this
// module wires; this interface exists so tests can substitute a fake.
type EvictionNotifiable interface {
	PublishTripEvicted(e notify.TripEvent) error
}

var _ EvictionNotifiable = (*notify.Bus)(nil)
