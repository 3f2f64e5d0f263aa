// Package dbactor serializes all access to the persistent store behind a
// single goroutine reading one request channel, the Go equivalent of the
// dedicated worker thread draining an mpsc channel that the segment-counter
// update pipeline this module replaces was built around. Every mutation of
// ring or trip state passes through here; nothing else ever touches the
// store directly.
package dbactor

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ringtrip/dashcamd/internal/bootid"
	"github.com/ringtrip/dashcamd/internal/contracts"
	"github.com/ringtrip/dashcamd/internal/dberr"
	"github.com/ringtrip/dashcamd/internal/eviction"
	"github.com/ringtrip/dashcamd/internal/notify"
	"github.com/ringtrip/dashcamd/internal/ring"
	"github.com/ringtrip/dashcamd/internal/store"
	"github.com/ringtrip/dashcamd/internal/trip"
)

// defaultClockSource is what the core always writes for start/end clock
// source today; the field exists so a wall-clock-anchored tag can be
// introduced later without a schema change.
const defaultClockSource = "boot"

type kind int

const (
	kindSegmentUpdate kind = iota
	kindGetSegmentIndex
	kindClampSegmentIndex
	kindGetCameraIDByKey
	kindNewTrip
	kindSaveTrip
	kindMarkEvicted
)

type request struct {
	id   string
	kind kind

	cameraID, sinkID       int64
	newIndex, maxSegments  int64
	key                    string
	bootID, clockSource    string
	savedDir               string

	reply chan response // nil for fire-and-forget messages
}

type response struct {
	index    int64
	found    bool
	newTripID int64
	closed   *trip.ClosedTrip
	count    int
	err      error
}

// Actor owns the store connection exclusively and processes requests one
// at a time in arrival order per producer.
type Actor struct {
	store  *store.Store
	bus    *notify.Bus
	logger *slog.Logger

	reqCh chan request

	mu       sync.Mutex
	refCount int
	closed   bool
}

// New starts the actor's processing goroutine. bus may be nil, in which
// case lifecycle notifications are silently skipped.
func New(st *store.Store, bus *notify.Bus, logger *slog.Logger) *Actor {
	a := &Actor{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "dbactor"),
		reqCh:  make(chan request, 64),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for req := range a.reqCh {
		a.handle(req)
	}
	a.logger.Info("db actor stopped: all handles closed")
}

func (a *Actor) handle(req request) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("db actor panic recovered", "request_id", req.id, "panic", r)
			a.deliver(req, response{err: dberr.New(dberr.KindStorage, "dbactor", nil)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req.kind {
	case kindSegmentUpdate:
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			return ring.UpdateTo(ctx, tx, req.cameraID, req.sinkID, req.newIndex, req.maxSegments)
		})
		if err != nil {
			a.logger.Warn("segment update failed", "request_id", req.id, "camera_id", req.cameraID, "sink_id", req.sinkID, "error", err)
		}
		a.deliver(req, response{err: err})

	case kindGetSegmentIndex:
		var idx int64
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			s, err := ring.Get(ctx, tx, req.cameraID, req.sinkID)
			idx = s.Index
			return err
		})
		if err != nil {
			a.logger.Warn("get segment index failed", "request_id", req.id, "error", err)
			idx = 0
		}
		a.deliver(req, response{index: idx, err: err})

	case kindClampSegmentIndex:
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			return ring.Clamp(ctx, tx, req.cameraID, req.sinkID, req.maxSegments)
		})
		if err != nil {
			a.logger.Warn("clamp segment index failed", "request_id", req.id, "error", err)
		}
		a.deliver(req, response{err: err})

	case kindGetCameraIDByKey:
		var id int64
		found := false
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `SELECT id FROM cameras WHERE key = ?`, req.key)
			scanErr := row.Scan(&id)
			if scanErr == sql.ErrNoRows {
				return nil
			}
			if scanErr != nil {
				return dberr.New(dberr.KindStorage, "dbactor.GetCameraIDByKey", scanErr)
			}
			found = true
			return nil
		})
		if err != nil {
			a.logger.Warn("get camera id failed", "request_id", req.id, "key", req.key, "error", err)
		}
		a.deliver(req, response{index: id, found: found, err: err})

	case kindNewTrip:
		var newID int64
		var closed *trip.ClosedTrip
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			s, err := ring.Get(ctx, tx, req.cameraID, req.sinkID)
			if err != nil {
				return err
			}
			newID, closed, err = trip.NewTrip(ctx, tx, req.cameraID, req.bootID, s.Index, s.Generation, req.clockSource, time.Now())
			return err
		})
		if err != nil {
			a.logger.Warn("new trip failed", "request_id", req.id, "camera_id", req.cameraID, "error", err)
		} else {
			a.publishTripTransition(req.cameraID, newID, closed, "")
		}
		a.deliver(req, response{newTripID: newID, closed: closed, err: err})

	case kindSaveTrip:
		var newID int64
		var closed *trip.ClosedTrip
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			s, err := ring.Get(ctx, tx, req.cameraID, req.sinkID)
			if err != nil {
				return err
			}
			newID, closed, err = trip.SaveTripAndStartNew(ctx, tx, req.cameraID, req.bootID, s.Index, s.Generation, req.clockSource, req.savedDir, time.Now())
			return err
		})
		if err != nil {
			a.logger.Warn("save trip failed", "request_id", req.id, "camera_id", req.cameraID, "error", err)
		} else {
			a.publishTripTransition(req.cameraID, newID, closed, req.savedDir)
		}
		a.deliver(req, response{newTripID: newID, closed: closed, err: err})

	case kindMarkEvicted:
		var n int
		err := a.store.Transaction(ctx, func(tx *sql.Tx) error {
			s, err := ring.Get(ctx, tx, req.cameraID, req.sinkID)
			if err != nil {
				return err
			}
			n, err = eviction.MarkFullyEvictedTrips(ctx, tx, req.cameraID, s.Absolute, req.maxSegments, time.Now())
			return err
		})
		if err != nil {
			a.logger.Warn("mark evicted failed", "request_id", req.id, "camera_id", req.cameraID, "error", err)
			n = 0
		} else if a.bus != nil && n > 0 {
			_ = a.bus.PublishTripEvicted(notify.TripEvent{CameraID: req.cameraID, Timestamp: time.Now()})
		}
		a.deliver(req, response{count: n, err: err})
	}
}

func (a *Actor) publishTripTransition(cameraID, newTripID int64, closed *trip.ClosedTrip, savedDir string) {
	if closed != nil {
		a.logger.Info("trip closed", "camera_id", cameraID, "trip_id", closed.ID)
	}
	a.logger.Info("trip opened", "camera_id", cameraID, "trip_id", newTripID)

	if a.bus == nil {
		return
	}
	now := time.Now()
	if closed != nil {
		_ = a.bus.PublishTripClosed(notify.TripEvent{TripID: closed.ID, CameraID: cameraID, Timestamp: now})
		if savedDir != "" {
			_ = a.bus.PublishTripSaved(notify.TripEvent{TripID: closed.ID, CameraID: cameraID, Timestamp: now, SavedDir: savedDir})
		}
	}
	_ = a.bus.PublishTripOpened(notify.TripEvent{TripID: newTripID, CameraID: cameraID, Timestamp: now})
}

// deliver sends the reply on req.reply without blocking: a slow or absent
// reader must never stall the actor.
func (a *Actor) deliver(req request, resp response) {
	if req.reply == nil {
		return
	}
	select {
	case req.reply <- resp:
	default:
		a.logger.Warn("reply dropped, receiver not ready", "request_id", req.id)
	}
}

// Handle is a reference-counted send-side handle to the actor. The actor
// exits once every handle obtained from NewHandle has been Closed; a bare
// close of the shared channel from one arbitrary caller would race every
// other live producer's sends, so only the refcount reaching zero may
// close it.
type Handle struct {
	a *Actor
}

// NewHandle obtains a new send handle, incrementing the actor's refcount.
func (a *Actor) NewHandle() *Handle {
	a.mu.Lock()
	a.refCount++
	a.mu.Unlock()
	return &Handle{a: a}
}

// Close releases this handle. When the last handle is closed the actor's
// request channel is closed and its goroutine drains and exits.
func (h *Handle) Close() {
	a := h.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.refCount--
	if a.refCount <= 0 {
		a.closed = true
		close(a.reqCh)
	}
}

func (h *Handle) send(req request) {
	req.id = uuid.New().String()
	select {
	case h.a.reqCh <- req:
	default:
		h.a.logger.Warn("request dropped, actor queue full", "kind", req.kind, "camera_id", req.cameraID)
	}
}

// SegmentUpdate is fire-and-forget: callers must not block on it.
func (h *Handle) SegmentUpdate(cameraID, sinkID, newIndex, maxSegments int64) {
	h.send(request{kind: kindSegmentUpdate, cameraID: cameraID, sinkID: sinkID, newIndex: newIndex, maxSegments: maxSegments})
}

// GetSegmentIndex blocks for a reply, bounded by ctx. Returns 0 on error.
func (h *Handle) GetSegmentIndex(ctx context.Context, cameraID, sinkID int64) int64 {
	reply := make(chan response, 1)
	h.send(request{kind: kindGetSegmentIndex, cameraID: cameraID, sinkID: sinkID, reply: reply})
	select {
	case resp := <-reply:
		return resp.index
	case <-ctx.Done():
		return 0
	}
}

// ClampSegmentIndex is fire-and-forget.
func (h *Handle) ClampSegmentIndex(cameraID, sinkID, maxSegments int64) {
	h.send(request{kind: kindClampSegmentIndex, cameraID: cameraID, sinkID: sinkID, maxSegments: maxSegments})
}

// GetCameraIDByKey blocks for a reply, bounded by ctx.
func (h *Handle) GetCameraIDByKey(ctx context.Context, key string) (id int64, found bool) {
	reply := make(chan response, 1)
	h.send(request{kind: kindGetCameraIDByKey, key: key, reply: reply})
	select {
	case resp := <-reply:
		return resp.index, resp.found
	case <-ctx.Done():
		return 0, false
	}
}

// NewTrip closes the current open trip (if any elapsed since it started)
// and opens a new one at the camera's current ring position. ringSinkID
// identifies which of the camera's sinks owns the ring these trips are
// anchored to: a camera can have more than one ring-writing sink
// (dashcam_ts and nvr_ts both set WritesRing), so the caller must say
// which one's position and generation this trip tracks.
func (h *Handle) NewTrip(ctx context.Context, cameraID, ringSinkID int64, bootID, clockSource string) (newTripID int64, closed *trip.ClosedTrip, err error) {
	reply := make(chan response, 1)
	h.send(request{kind: kindNewTrip, cameraID: cameraID, sinkID: ringSinkID, bootID: bootID, clockSource: clockSource, reply: reply})
	select {
	case resp := <-reply:
		return resp.newTripID, resp.closed, resp.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// SaveTrip behaves like NewTrip but additionally records a saved_trips row
// when a trip was actually closed. See NewTrip for what ringSinkID selects.
func (h *Handle) SaveTrip(ctx context.Context, cameraID, ringSinkID int64, bootID, clockSource, savedDir string) (newTripID int64, closed *trip.ClosedTrip, err error) {
	reply := make(chan response, 1)
	h.send(request{kind: kindSaveTrip, cameraID: cameraID, sinkID: ringSinkID, bootID: bootID, clockSource: clockSource, savedDir: savedDir, reply: reply})
	select {
	case resp := <-reply:
		return resp.newTripID, resp.closed, resp.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// SaveTripAndStartNew implements contracts.SavePoster: it is the entry
// point the save-trip post-processor calls. The boot identifier is read
// here through bootid.Current on every call rather than threaded in by the
// caller. See NewTrip for what ringSinkID selects.
func (h *Handle) SaveTripAndStartNew(ctx context.Context, cameraID, ringSinkID int64, savedDir string) (contracts.SaveResult, error) {
	newTripID, closed, err := h.SaveTrip(ctx, cameraID, ringSinkID, bootid.Current(), defaultClockSource, savedDir)
	if err != nil {
		return contracts.SaveResult{}, err
	}
	res := contracts.SaveResult{NewTripID: newTripID, SavedDir: savedDir}
	if closed != nil {
		res.ClosedTripID = closed.ID
		res.ClosedStart = closed.StartSegment
		res.ClosedEnd = closed.FinalSegment
	}
	return res, nil
}

var _ contracts.SavePoster = (*Handle)(nil)

// MarkEvicted stamps fully-evicted trips for a camera and returns the count
// newly stamped. ringSinkID identifies which ring's absolute position to
// measure eviction against; see NewTrip.
func (h *Handle) MarkEvicted(ctx context.Context, cameraID, ringSinkID, maxSegments int64) (int, error) {
	reply := make(chan response, 1)
	h.send(request{kind: kindMarkEvicted, cameraID: cameraID, sinkID: ringSinkID, maxSegments: maxSegments, reply: reply})
	select {
	case resp := <-reply:
		return resp.count, resp.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
