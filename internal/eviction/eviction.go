// Package eviction computes which closed trips have been fully overwritten
// by the ring and stamps them as such.
package eviction

import (
	"context"
	"database/sql"
	"time"

	"github.com/ringtrip/dashcamd/internal/dberr"
	"github.com/ringtrip/dashcamd/internal/trip"
)

// AbsEarliest returns the absolute index of the oldest segment still on
// disk, given the latest absolute position and the ring size.
func AbsEarliest(absLatest, maxSegments int64) int64 {
	e := absLatest - (maxSegments - 1)
	if e < 0 {
		return 0
	}
	return e
}

// IsTripFullyEvicted reports whether a closed trip's absolute end position
// lies before the oldest segment still on disk. A trip already stamped
// fully_evicted is reported evicted without recomputing the position, and
// an open trip is never evicted.
func IsTripFullyEvicted(t trip.Trip, absLatest, maxSegments int64) bool {
	if t.FullyEvicted {
		return true
	}
	if t.IsOpen() {
		return false
	}
	return t.AbsoluteEnd(maxSegments) < AbsEarliest(absLatest, maxSegments)
}

// IsTripFullyEvictedByID loads a single trip and reports whether it is
// fully evicted given the camera's current ring position.
func IsTripFullyEvictedByID(ctx context.Context, tx *sql.Tx, tripID, absLatest, maxSegments int64) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, camera_id, boot_id, start_time_utc, end_time_utc,
		       start_segment, final_segment, start_clock_source, end_clock_source,
		       start_gen, end_gen, note, fully_evicted, evicted_at_utc
		  FROM trips WHERE id = ?`, tripID)
	t, err := scanTripRow(row)
	if err == sql.ErrNoRows {
		return false, dberr.New(dberr.KindNotFound, "eviction.IsTripFullyEvictedByID", err)
	}
	if err != nil {
		return false, dberr.New(dberr.KindStorage, "eviction.IsTripFullyEvictedByID", err)
	}
	return IsTripFullyEvicted(t, absLatest, maxSegments), nil
}

// ListActiveTrips returns all trips for a camera that are not yet stamped
// fully_evicted (open or closed), newest first.
func ListActiveTrips(ctx context.Context, tx *sql.Tx, cameraID int64) ([]trip.Trip, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, camera_id, boot_id, start_time_utc, end_time_utc,
		       start_segment, final_segment, start_clock_source, end_clock_source,
		       start_gen, end_gen, note, fully_evicted, evicted_at_utc
		  FROM trips
		 WHERE camera_id = ? AND fully_evicted = 0
		 ORDER BY id DESC`, cameraID)
	if err != nil {
		return nil, dberr.New(dberr.KindStorage, "eviction.ListActiveTrips", err)
	}
	defer rows.Close()

	var out []trip.Trip
	for rows.Next() {
		t, err := scanTripRow(rows)
		if err != nil {
			return nil, dberr.New(dberr.KindStorage, "eviction.ListActiveTrips", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.New(dberr.KindStorage, "eviction.ListActiveTrips", err)
	}
	return out, nil
}

// closedUnevictedTrips returns only closed, not-yet-evicted trips for a
// camera (the candidate set mark-fully-evicted scans), narrower than
// ListActiveTrips because an open trip can never be evicted.
func closedUnevictedTrips(ctx context.Context, tx *sql.Tx, cameraID int64) ([]trip.Trip, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, camera_id, boot_id, start_time_utc, end_time_utc,
		       start_segment, final_segment, start_clock_source, end_clock_source,
		       start_gen, end_gen, note, fully_evicted, evicted_at_utc
		  FROM trips
		 WHERE camera_id = ? AND final_segment IS NOT NULL AND fully_evicted = 0
		 ORDER BY id ASC`, cameraID)
	if err != nil {
		return nil, dberr.New(dberr.KindStorage, "eviction.closedUnevictedTrips", err)
	}
	defer rows.Close()

	var out []trip.Trip
	for rows.Next() {
		t, err := scanTripRow(rows)
		if err != nil {
			return nil, dberr.New(dberr.KindStorage, "eviction.closedUnevictedTrips", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.New(dberr.KindStorage, "eviction.closedUnevictedTrips", err)
	}
	return out, nil
}

// MarkFullyEvictedTrips stamps every closed trip for a camera whose
// absolute end now lies before the oldest still-on-disk segment, and
// returns how many rows were stamped.
func MarkFullyEvictedTrips(ctx context.Context, tx *sql.Tx, cameraID, absLatest, maxSegments int64, now time.Time) (int, error) {
	active, err := closedUnevictedTrips(ctx, tx, cameraID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range active {
		if !IsTripFullyEvicted(t, absLatest, maxSegments) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE trips SET fully_evicted = 1, evicted_at_utc = ?
			 WHERE id = ?`, now.Unix(), t.ID); err != nil {
			return count, dberr.New(dberr.KindStorage, "eviction.MarkFullyEvictedTrips", err)
		}
		count++
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTripRow(rows rowScanner) (trip.Trip, error) {
	var t trip.Trip
	var startTime int64
	var endTime, evictedAt sql.NullInt64
	var finalSegment, endGen sql.NullInt64
	var endClockSource, note sql.NullString
	var fullyEvicted int

	if err := rows.Scan(
		&t.ID, &t.CameraID, &t.BootID, &startTime,
		&endTime, &t.StartSegment, &finalSegment, &t.StartClockSource, &endClockSource,
		&t.StartGen, &endGen, &note, &fullyEvicted, &evictedAt,
	); err != nil {
		return trip.Trip{}, err
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
	return t, nil
}
