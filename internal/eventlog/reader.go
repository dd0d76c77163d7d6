package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// EventColumns is the column list matching ScanEvent.
const EventColumns = "seq, event_type, occurred_at, source_id, source_locator, payload, identity"

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanEvent scans one events row selected with EventColumns.
func ScanEvent(s RowScanner) (types.Event, error) {
	var (
		ev         types.Event
		seq        int64
		occurredAt int64
		payload    string
	)
	if err := s.Scan(&seq, &ev.EventType, &occurredAt, &ev.SourceID, &ev.SourceLocator, &payload, &ev.Identity); err != nil {
		return types.Event{}, err
	}
	ev.Seq = uint64(seq)
	ev.OccurredAt = types.FromUnixNanos(occurredAt)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

// Reader reads the event log through the store's read pool.
type Reader struct {
	db *sql.DB
}

// NewReader creates a reader over st.
func NewReader(st *store.Store) *Reader {
	return &Reader{db: st.ReadDB()}
}

// Tip returns the highest assigned seq, or 0 for an empty log.
func (r *Reader) Tip(ctx context.Context) (uint64, error) {
	var tip int64
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&tip); err != nil {
		return 0, fmt.Errorf("eventlog: failed to read tip: %w", err)
	}
	return uint64(tip), nil
}

// Count returns the number of events in the log.
func (r *Reader) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("eventlog: failed to count events: %w", err)
	}
	return n, nil
}

// Get returns the event with the given seq, or nil if it does not exist.
func (r *Reader) Get(ctx context.Context, seq uint64) (*types.Event, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+EventColumns+" FROM events WHERE seq = ?", int64(seq))
	ev, err := ScanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to get event %d: %w", seq, err)
	}
	return &ev, nil
}

// SeqForIdentity returns the seq holding identity, or 0 when absent.
func (r *Reader) SeqForIdentity(ctx context.Context, identity string) (uint64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, "SELECT seq FROM events WHERE identity = ?", identity).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: failed to look up identity: %w", err)
	}
	return uint64(seq), nil
}

// Page returns up to limit events with afterSeq < seq <= upTo in seq order.
func (r *Reader) Page(ctx context.Context, afterSeq, upTo uint64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+EventColumns+" FROM events WHERE seq > ? AND seq <= ? ORDER BY seq LIMIT ?",
		int64(afterSeq), int64(upTo), limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to read page: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		ev, err := ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: failed to iterate events: %w", err)
	}
	return events, nil
}

// Stream calls fn for every event with afterSeq < seq <= upTo in seq order.
// Events are fetched in pages so no read cursor stays open while fn runs.
func (r *Reader) Stream(ctx context.Context, afterSeq, upTo uint64, pageSize int, fn func(types.Event) error) error {
	cursor := afterSeq
	for cursor < upTo {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.Page(ctx, cursor, upTo, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, ev := range page {
			if err := fn(ev); err != nil {
				return err
			}
			cursor = ev.Seq
		}
	}
	return nil
}

// eachIdentity calls fn for every stored identity.
func (r *Reader) eachIdentity(ctx context.Context, fn func(string)) error {
	rows, err := r.db.QueryContext(ctx, "SELECT identity FROM events")
	if err != nil {
		return fmt.Errorf("eventlog: failed to read identities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("eventlog: failed to scan identity: %w", err)
		}
		fn(id)
	}
	return rows.Err()
}
