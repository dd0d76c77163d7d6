package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "strata.db"), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesCoreTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range CoreTables {
		ok, err := s.TableExists(ctx, name)
		if err != nil {
			t.Fatalf("TableExists(%s) failed: %v", name, err)
		}
		if !ok {
			t.Errorf("expected table %s to exist", name)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")
	s, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO events (seq, event_type, occurred_at, source_id, payload, identity)
		VALUES (1, 'session.goal', 0, 's1', '{}', 'abc')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	s.Close()

	s, err = Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.ReadDB().QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("event count mismatch: got %d, want 1", n)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")
	s, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := s.DB().Exec("UPDATE store_meta SET value = '99' WHERE key = 'schema_version'"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Close()

	if _, err := Open(path, DefaultOptions()); err == nil {
		t.Fatal("expected error opening database with newer schema version")
	}
}

func TestIsConstraintError(t *testing.T) {
	s := openTestStore(t)
	insert := `INSERT INTO events (seq, event_type, occurred_at, source_id, payload, identity)
		VALUES (?, 'session.goal', 0, 's1', '{}', 'same-identity')`

	if _, err := s.DB().Exec(insert, 1); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := s.DB().Exec(insert, 2)
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
	if !IsConstraintError(err) {
		t.Errorf("IsConstraintError(%v) = false, want true", err)
	}
	if IsConstraintError(sql.ErrNoRows) {
		t.Error("sql.ErrNoRows is not a constraint error")
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES ('k', 'v')`); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	if err != sql.ErrTxDone {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	var n int
	if err := s.ReadDB().QueryRow("SELECT COUNT(*) FROM store_meta WHERE key = 'k'").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled back row is visible: count=%d", n)
	}
}

func TestEvents_Immutable(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.DB().Exec(`INSERT INTO events (seq, event_type, occurred_at, source_id, payload, identity)
		VALUES (1, 'session.goal', 0, 's1', '{}', 'abc')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	tests := []struct {
		name string
		stmt string
	}{
		{"update payload", "UPDATE events SET payload = '{\"content\":\"x\"}' WHERE seq = 1"},
		{"update seq", "UPDATE events SET seq = 7"},
		{"delete one", "DELETE FROM events WHERE seq = 1"},
		{"delete all", "DELETE FROM events"},
		{"replace", `INSERT OR REPLACE INTO events (seq, event_type, occurred_at, source_id, payload, identity)
			VALUES (1, 'session.goal', 5, 's1', '{}', 'abc')`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.DB().Exec(tt.stmt)
			if err == nil {
				t.Fatal("expected statement to be rejected")
			}
			if !strings.Contains(err.Error(), "events are immutable") {
				t.Errorf("unexpected error: %v", err)
			}
			if !IsConstraintError(err) {
				t.Errorf("IsConstraintError(%v) = false, want true", err)
			}
		})
	}

	var n int
	if err := s.ReadDB().QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("event count changed: got %d, want 1", n)
	}
}
