package ring

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE camera_state (
			camera_id INTEGER NOT NULL,
			sink_id INTEGER NOT NULL,
			segment_index INTEGER NOT NULL DEFAULT 0,
			segment_generation INTEGER NOT NULL DEFAULT 0,
			absolute_segments INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (camera_id, sink_id)
		)`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO camera_state (camera_id, sink_id) VALUES (1, 0)`); err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	return db
}

func withTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestIncrementAdvancesByOne(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		next, err := Increment(ctx, tx, 1, 0, 10)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if next != 1 {
			t.Errorf("expected next index 1, got %d", next)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Absolute != 1 {
			t.Errorf("expected absolute_segments 1, got %d", s.Absolute)
		}
	})
}

func TestIncrementWrapsAndBumpsGeneration(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if err := SetEach(ctx, tx, 1, 0, State{Index: 9, Generation: 0, Absolute: 9}); err != nil {
			t.Fatalf("set each: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		next, err := Increment(ctx, tx, 1, 0, 10)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if next != 0 {
			t.Errorf("expected wrap to 0, got %d", next)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Generation != 1 {
			t.Errorf("expected generation 1 after wrap, got %d", s.Generation)
		}
		if s.Absolute != 10 {
			t.Errorf("expected absolute_segments 10, got %d", s.Absolute)
		}
	})
}

func TestUpdateToAdvancesAcrossGap(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if err := UpdateTo(ctx, tx, 1, 0, 5, 10); err != nil {
			t.Fatalf("update to: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Index != 5 || s.Absolute != 5 {
			t.Errorf("expected index=5 absolute=5, got index=%d absolute=%d", s.Index, s.Absolute)
		}
	})
}

func TestUpdateToWrapsOnce(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if err := SetEach(ctx, tx, 1, 0, State{Index: 8, Generation: 0, Absolute: 8}); err != nil {
			t.Fatalf("set each: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		// 8 -> 2 across a max_segments=10 ring: wraps once, diff = (10-8)+2 = 4
		if err := UpdateTo(ctx, tx, 1, 0, 2, 10); err != nil {
			t.Fatalf("update to: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Generation != 1 {
			t.Errorf("expected generation 1, got %d", s.Generation)
		}
		if s.Absolute != 12 {
			t.Errorf("expected absolute_segments 12, got %d", s.Absolute)
		}
	})
}

// TestUpdateToNoOpAfterFullWrap documents the known, intentionally
// preserved under-count: a full lap that lands back on the same index is
// indistinguishable from no movement at all.
func TestUpdateToNoOpAfterFullWrap(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if err := SetEach(ctx, tx, 1, 0, State{Index: 3, Generation: 0, Absolute: 3}); err != nil {
			t.Fatalf("set each: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		if err := UpdateTo(ctx, tx, 1, 0, 3, 10); err != nil {
			t.Fatalf("update to: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Absolute != 3 {
			t.Errorf("expected absolute_segments to stay at 3 (known under-count), got %d", s.Absolute)
		}
	})
}

func TestClampFoldsIndexWithoutTouchingAbsolute(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if err := SetEach(ctx, tx, 1, 0, State{Index: 15, Generation: 2, Absolute: 100}); err != nil {
			t.Fatalf("set each: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		if err := Clamp(ctx, tx, 1, 0, 10); err != nil {
			t.Fatalf("clamp: %v", err)
		}
	})

	withTx(t, db, func(tx *sql.Tx) {
		s, err := Get(ctx, tx, 1, 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if s.Index != 5 {
			t.Errorf("expected clamped index 5, got %d", s.Index)
		}
		if s.Generation != 2 || s.Absolute != 100 {
			t.Errorf("expected generation/absolute untouched, got generation=%d absolute=%d", s.Generation, s.Absolute)
		}
	})
}

func TestIncrementRejectsInvalidMaxSegments(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	withTx(t, db, func(tx *sql.Tx) {
		if _, err := Increment(ctx, tx, 1, 0, 0); err == nil {
			t.Error("expected error for max_segments=0")
		}
	})
}
