package eviction

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ringtrip/dashcamd/internal/trip"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera_id INTEGER NOT NULL,
			boot_id TEXT NOT NULL,
			start_time_utc INTEGER NOT NULL,
			end_time_utc INTEGER,
			start_segment INTEGER NOT NULL,
			final_segment INTEGER,
			start_clock_source TEXT NOT NULL,
			end_clock_source TEXT,
			start_gen INTEGER NOT NULL,
			end_gen INTEGER,
			note TEXT,
			fully_evicted INTEGER NOT NULL DEFAULT 0,
			evicted_at_utc INTEGER
		);
	`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func insertClosedTrip(t *testing.T, db *sql.DB, cameraID, startSeg, startGen, finalSeg, endGen int64) {
	t.Helper()
	if _, err := db.Exec(`
		INSERT INTO trips (camera_id, boot_id, start_time_utc, start_segment, final_segment,
		                    start_clock_source, end_clock_source, start_gen, end_gen)
		VALUES (?, 'boot-1', ?, ?, ?, 'boot', 'boot', ?, ?)`,
		cameraID, time.Now().Unix(), startSeg, finalSeg, startGen, endGen); err != nil {
		t.Fatalf("insert closed trip: %v", err)
	}
}

func TestAbsEarliestClampsAtZero(t *testing.T) {
	if got := AbsEarliest(5, 10); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := AbsEarliest(100, 10); got != 91 {
		t.Errorf("expected 91, got %d", got)
	}
}

func TestIsTripFullyEvicted(t *testing.T) {
	endGen := int64(0)
	finalSeg := int64(5)
	tr := trip.Trip{FinalSegment: &finalSeg, EndGen: &endGen}

	if !IsTripFullyEvicted(tr, 100, 10) {
		t.Error("expected trip ending at absolute 5 to be evicted when earliest on-disk is 91")
	}
	if IsTripFullyEvicted(tr, 10, 10) {
		t.Error("expected trip ending at absolute 5 to still be on disk when earliest on-disk is 1")
	}
}

func TestMarkFullyEvictedTripsStampsOnlyEvictedOnes(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	// Trip A: absolute end 5 (gen 0, final 5) -> long overwritten by absLatest=1000, max=10.
	insertClosedTrip(t, db, 1, 0, 0, 5, 0)
	// Trip B: absolute end 995 (gen 99, final 5) -> still within the last 10 segments.
	insertClosedTrip(t, db, 1, 0, 99, 5, 99)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	n, err := MarkFullyEvictedTrips(ctx, tx, 1, 1000, 10, time.Now())
	if err != nil {
		t.Fatalf("mark fully evicted: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n != 1 {
		t.Errorf("expected exactly 1 trip stamped, got %d", n)
	}

	var evictedCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM trips WHERE fully_evicted = 1`).Scan(&evictedCount); err != nil {
		t.Fatalf("count evicted: %v", err)
	}
	if evictedCount != 1 {
		t.Errorf("expected 1 row with fully_evicted=1, got %d", evictedCount)
	}
}

func TestListActiveTripsExcludesEvictedAndIncludesOpen(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	// Trip A: long overwritten (absolute end 5, earliest on disk is 991).
	insertClosedTrip(t, db, 1, 0, 0, 5, 0)
	// Trip B: still on disk.
	insertClosedTrip(t, db, 1, 0, 99, 5, 99)
	// Trip C: open (no final_segment).
	if _, err := db.Exec(`
		INSERT INTO trips (camera_id, boot_id, start_time_utc, start_segment, start_clock_source, start_gen)
		VALUES (1, 'boot-1', ?, 500, 'boot', 100)`, time.Now().Unix()); err != nil {
		t.Fatalf("insert open trip: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := MarkFullyEvictedTrips(ctx, tx, 1, 1000, 10, time.Now()); err != nil {
		t.Fatalf("mark fully evicted: %v", err)
	}

	active, err := ListActiveTrips(ctx, tx, 1)
	if err != nil {
		t.Fatalf("list active trips: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(active) != 2 {
		t.Fatalf("expected 2 active trips (still-on-disk closed + open), got %d", len(active))
	}
	// Newest first.
	if !active[0].IsOpen() {
		t.Error("expected the open trip first (newest)")
	}
}

func TestIsTripFullyEvictedByID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	insertClosedTrip(t, db, 1, 0, 0, 5, 0)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	var tripID int64
	if err := tx.QueryRow(`SELECT id FROM trips LIMIT 1`).Scan(&tripID); err != nil {
		t.Fatalf("read trip id: %v", err)
	}

	evicted, err := IsTripFullyEvictedByID(ctx, tx, tripID, 1000, 10)
	if err != nil {
		t.Fatalf("is trip fully evicted: %v", err)
	}
	if !evicted {
		t.Error("expected trip ending at absolute 5 to be evicted when absLatest=1000, maxSegments=10")
	}

	evicted, err = IsTripFullyEvictedByID(ctx, tx, tripID, 10, 10)
	if err != nil {
		t.Fatalf("is trip fully evicted: %v", err)
	}
	if evicted {
		t.Error("expected trip still on disk when absLatest=10, maxSegments=10")
	}
}
