// Package extraction tracks which source units have already been ingested so
// that readers can skip unchanged units. It is a pure optimization: the log
// deduplicates on its own, and materialization never consults this state.
package extraction

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// Source kinds recorded by the built-in readers.
const (
	KindGit      = "git"
	KindSessions = "sessions"
	KindJSONL    = "jsonl"
)

// Tracker reads and writes the extraction_state table.
type Tracker struct {
	db     *sql.DB
	readDB *sql.DB
	now    func() time.Time
}

// NewTracker creates a tracker over st.
func NewTracker(st *store.Store) *Tracker {
	return &Tracker{db: st.DB(), readDB: st.ReadDB(), now: time.Now}
}

// ShouldProcess reports whether the unit must be (re)ingested: true when no
// state exists or the stored fingerprint differs.
func (t *Tracker) ShouldProcess(ctx context.Context, kind, unit, fingerprint string) (bool, error) {
	st, err := t.Get(ctx, kind, unit)
	if err != nil {
		return false, err
	}
	return st == nil || st.ContentFingerprint != fingerprint, nil
}

// RecordProcessed upserts the state for a unit after its events were appended.
func (t *Tracker) RecordProcessed(ctx context.Context, kind, unit, fingerprint string, eventCount int64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO extraction_state (source_kind, unit_id, content_fingerprint, last_processed_at, produced_event_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_kind, unit_id) DO UPDATE SET
			content_fingerprint = excluded.content_fingerprint,
			last_processed_at = excluded.last_processed_at,
			produced_event_count = excluded.produced_event_count`,
		kind, unit, fingerprint, types.UnixNanos(t.now()), eventCount)
	if err != nil {
		return fmt.Errorf("extraction: failed to record %s/%s: %w", kind, unit, err)
	}
	return nil
}

// Get returns the state for one unit, or nil when none is recorded.
func (t *Tracker) Get(ctx context.Context, kind, unit string) (*types.ExtractionState, error) {
	row := t.readDB.QueryRowContext(ctx, `
		SELECT source_kind, unit_id, content_fingerprint, last_processed_at, produced_event_count
		FROM extraction_state WHERE source_kind = ? AND unit_id = ?`, kind, unit)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extraction: failed to read %s/%s: %w", kind, unit, err)
	}
	return st, nil
}

// List returns all states of a kind (all kinds when kind is empty), ordered by kind and unit.
func (t *Tracker) List(ctx context.Context, kind string) ([]*types.ExtractionState, error) {
	query := `SELECT source_kind, unit_id, content_fingerprint, last_processed_at, produced_event_count
		FROM extraction_state`
	var args []interface{}
	if kind != "" {
		query += " WHERE source_kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY source_kind, unit_id"

	rows, err := t.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("extraction: failed to list state: %w", err)
	}
	defer rows.Close()

	var out []*types.ExtractionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("extraction: failed to scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Reset deletes state for a kind, or all state when kind is empty. The next
// ingest re-reads every unit; the log deduplicates whatever it already holds.
func (t *Tracker) Reset(ctx context.Context, kind string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = t.db.ExecContext(ctx, "DELETE FROM extraction_state")
	} else {
		res, err = t.db.ExecContext(ctx, "DELETE FROM extraction_state WHERE source_kind = ?", kind)
	}
	if err != nil {
		return 0, fmt.Errorf("extraction: failed to reset state: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(s scanner) (*types.ExtractionState, error) {
	var (
		st types.ExtractionState
		at int64
	)
	if err := s.Scan(&st.SourceKind, &st.UnitID, &st.ContentFingerprint, &at, &st.ProducedEventCount); err != nil {
		return nil, err
	}
	st.LastProcessedAt = types.FromUnixNanos(at)
	return &st, nil
}

// ContentFingerprint returns the SHA-256 hex digest of content.
func ContentFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FileFingerprint derives a cheap fingerprint from file metadata.
func FileFingerprint(modTime time.Time, size int64) string {
	return fmt.Sprintf("%d:%d", modTime.UTC().UnixNano(), size)
}
