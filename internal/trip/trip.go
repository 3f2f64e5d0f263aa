// Package trip implements the trip ledger: open/close/save bookkeeping for
// the intervals of ring segments a user wants preserved across eviction.
package trip

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ringtrip/dashcamd/internal/dberr"
)

// Trip mirrors one row of the trips table.
type Trip struct {
	ID               int64
	CameraID         int64
	BootID           string
	StartTimeUTC     time.Time
	EndTimeUTC       *time.Time
	StartSegment     int64
	FinalSegment     *int64
	StartClockSource string
	EndClockSource   *string
	StartGen         int64
	EndGen           *int64
	Note             *string
	FullyEvicted     bool
	EvictedAtUTC     *time.Time
}

// AbsoluteStart is start_gen * maxSegments + StartSegment.
func (t Trip) AbsoluteStart(maxSegments int64) int64 {
	return t.StartGen*maxSegments + t.StartSegment
}

// AbsoluteEnd is end_gen * maxSegments + final_segment. Only meaningful once
// the trip is closed; callers must check IsOpen first.
func (t Trip) AbsoluteEnd(maxSegments int64) int64 {
	if t.FinalSegment == nil || t.EndGen == nil {
		return 0
	}
	return *t.EndGen*maxSegments + *t.FinalSegment
}

// IsOpen reports whether the trip has not yet been closed.
func (t Trip) IsOpen() bool { return t.FinalSegment == nil }

const maxClockSourceLen = 64

func clampClockSource(s string) string {
	if len(s) > maxClockSourceLen {
		return s[:maxClockSourceLen]
	}
	return s
}

// OpenCurrentTrip returns the open trip (final_segment IS NULL) for a
// camera, if one exists.
func OpenCurrentTrip(ctx context.Context, tx *sql.Tx, cameraID int64) (*Trip, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, camera_id, boot_id, start_time_utc, end_time_utc,
		       start_segment, final_segment, start_clock_source, end_clock_source,
		       start_gen, end_gen, note, fully_evicted, evicted_at_utc
		  FROM trips
		 WHERE camera_id = ? AND final_segment IS NULL
		 ORDER BY id DESC LIMIT 1`, cameraID)

	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.New(dberr.KindStorage, "trip.OpenCurrentTrip", err)
	}
	return t, nil
}

// InsertTrip opens a new trip row anchored at the given ring position.
func InsertTrip(ctx context.Context, tx *sql.Tx, cameraID int64, bootID string, startSegment, startGen int64, clockSource string, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trips (camera_id, boot_id, start_time_utc, start_segment,
		                    start_clock_source, start_gen)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cameraID, bootID, now.Unix(), startSegment, clampClockSource(clockSource), startGen)
	if err != nil {
		return 0, dberr.New(dberr.KindStorage, "trip.InsertTrip", err)
	}
	return res.LastInsertId()
}

// FinalizeOpenTrip closes a specific trip row.
func FinalizeOpenTrip(ctx context.Context, tx *sql.Tx, tripID, finalSegment, endGen int64, clockSource string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE trips
		   SET final_segment = ?, end_gen = ?, end_time_utc = ?, end_clock_source = ?
		 WHERE id = ? AND final_segment IS NULL`,
		finalSegment, endGen, now.Unix(), clampClockSource(clockSource), tripID)
	if err != nil {
		return dberr.New(dberr.KindStorage, "trip.FinalizeOpenTrip", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dberr.New(dberr.KindStorage, "trip.FinalizeOpenTrip", err)
	}
	if n == 0 {
		return dberr.New(dberr.KindLogic, "trip.FinalizeOpenTrip", fmt.Errorf("trip %d already closed or missing", tripID))
	}
	return nil
}

// ClosedTrip describes the trip closed as a side effect of NewTrip or
// SaveTripAndStartNew.
type ClosedTrip struct {
	ID           int64
	StartSegment int64
	StartGen     int64
	FinalSegment int64
	EndGen       int64
}

// NewTrip implements the close-then-open transaction: if an open trip
// exists and at least one segment has elapsed since it started, it is
// closed at the position just before the current one; a new trip is then
// unconditionally opened at the current position. Both happen in the
// caller's transaction.
func NewTrip(ctx context.Context, tx *sql.Tx, cameraID int64, bootID string, curIndex, curGen int64, clockSource string, now time.Time) (newTripID int64, closed *ClosedTrip, err error) {
	open, err := OpenCurrentTrip(ctx, tx, cameraID)
	if err != nil {
		return 0, nil, err
	}

	if open != nil && curIndex-1 >= open.StartSegment {
		finalSegment := curIndex - 1
		endGen := curGen
		if err := FinalizeOpenTrip(ctx, tx, open.ID, finalSegment, endGen, clockSource, now); err != nil {
			return 0, nil, err
		}
		closed = &ClosedTrip{
			ID:           open.ID,
			StartSegment: open.StartSegment,
			StartGen:     open.StartGen,
			FinalSegment: finalSegment,
			EndGen:       endGen,
		}
	}

	newTripID, err = InsertTrip(ctx, tx, cameraID, bootID, curIndex, curGen, clockSource, now)
	if err != nil {
		return 0, nil, err
	}
	return newTripID, closed, nil
}

// SaveTripAndStartNew behaves exactly like NewTrip, but additionally
// records a saved_trips row when a trip was actually closed.
func SaveTripAndStartNew(ctx context.Context, tx *sql.Tx, cameraID int64, bootID string, curIndex, curGen int64, clockSource, savedDir string, now time.Time) (newTripID int64, closed *ClosedTrip, err error) {
	newTripID, closed, err = NewTrip(ctx, tx, cameraID, bootID, curIndex, curGen, clockSource, now)
	if err != nil {
		return 0, nil, err
	}

	if closed != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO saved_trips (trip_id, saved_dir, saved_at_utc)
			VALUES (?, ?, ?)`, closed.ID, savedDir, now.Unix()); err != nil {
			return 0, nil, dberr.New(dberr.KindStorage, "trip.SaveTripAndStartNew", err)
		}
	}

	return newTripID, closed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (*Trip, error) {
	var t Trip
	var startTime int64
	var endTime, evictedAt sql.NullInt64
	var finalSegment, endGen sql.NullInt64
	var endClockSource, note sql.NullString
	var fullyEvicted int

	if err := row.Scan(
		&t.ID, &t.CameraID, &t.BootID, &startTime,
		&endTime, &t.StartSegment, &finalSegment, &t.StartClockSource, &endClockSource,
		&t.StartGen, &endGen, &note, &fullyEvicted, &evictedAt,
	); err != nil {
		return nil, err
	}
	t.StartTimeUTC = time.Unix(startTime, 0).UTC()

	if endTime.Valid {
		tm := time.Unix(endTime.Int64, 0).UTC()
		t.EndTimeUTC = &tm
	}
	if finalSegment.Valid {
		v := finalSegment.Int64
		t.FinalSegment = &v
	}
	if endGen.Valid {
		v := endGen.Int64
		t.EndGen = &v
	}
	if endClockSource.Valid {
		t.EndClockSource = &endClockSource.String
	}
	if note.Valid {
		t.Note = &note.String
	}
	if evictedAt.Valid {
		tm := time.Unix(evictedAt.Int64, 0).UTC()
		t.EvictedAtUTC = &tm
	}
	t.FullyEvicted = fullyEvicted != 0

	return &t, nil
}
