// Package query is the read-only surface over the event log and the
// materialized views. Reads never trigger materialization; a lagging view
// returns stale but consistent rows.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// Surface answers queries through the store's read pool.
type Surface struct {
	db     *sql.DB
	reader *eventlog.Reader
	store  *store.Store
}

// New creates a query surface over st.
func New(st *store.Store) *Surface {
	return &Surface{db: st.ReadDB(), reader: eventlog.NewReader(st), store: st}
}

// EventFilter selects events. Zero values match everything.
type EventFilter struct {
	// Types restricts event_type; empty means all types
	Types []string

	// SourceID restricts source_id when set
	SourceID string

	// AsOf bounds occurred_at (inclusive) when non-zero
	AsOf time.Time
}

// where renders the filter as SQL conditions over alias.
func (f EventFilter) where(alias string) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if len(f.Types) > 0 {
		conds = append(conds, fmt.Sprintf("%s.event_type IN (%s)", alias, placeholders(len(f.Types))))
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.SourceID != "" {
		conds = append(conds, alias+".source_id = ?")
		args = append(args, f.SourceID)
	}
	if !f.AsOf.IsZero() {
		if f.AsOf.Before(types.MinTime) {
			// Nothing stored can precede the representable range.
			conds = append(conds, "0 = 1")
		} else {
			conds = append(conds, alias+".occurred_at <= ?")
			args = append(args, types.UnixNanos(f.AsOf))
		}
	}
	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prefixed(alias string) string {
	cols := strings.Split(eventlog.EventColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// AsOf returns every event that occurred at or before ts, restricted to
// eventTypes when given, in (occurred_at, seq) order.
func (s *Surface) AsOf(ctx context.Context, ts time.Time, eventTypes ...string) ([]types.Event, error) {
	if ts.IsZero() {
		return nil, strataerrors.NewQueryError(strataerrors.CodeInvalidFilter, "as_of timestamp is required")
	}
	return s.Events(ctx, EventFilter{Types: eventTypes, AsOf: ts})
}

// Events returns events matching f in (occurred_at, seq) order.
func (s *Surface) Events(ctx context.Context, f EventFilter) ([]types.Event, error) {
	cond, args := f.where("e")
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+prefixed("e")+" FROM events e WHERE "+cond+" ORDER BY e.occurred_at, e.seq", args...)
	if err != nil {
		return nil, strataerrors.NewStorageError("failed to query events", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := eventlog.ScanEvent(rows)
		if err != nil {
			return nil, strataerrors.NewStorageError("failed to scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, strataerrors.NewStorageError("failed to iterate events", err)
	}
	return out, nil
}

// Pair is two events that occurred within a window of each other.
type Pair struct {
	A     types.Event   `json:"a"`
	B     types.Event   `json:"b"`
	Delta time.Duration `json:"delta"`
}

// Near returns pairs (a, b) with a matching fa, b matching fb and
// |a.occurred_at - b.occurred_at| <= window. An event is never paired with
// itself. When both events of a pair match both filters the pair is returned
// once, with the lower seq as A. Pairs are ordered by
// (a.occurred_at, a.seq, b.occurred_at, b.seq).
func (s *Surface) Near(ctx context.Context, fa, fb EventFilter, window time.Duration) ([]Pair, error) {
	if window < 0 {
		return nil, strataerrors.NewQueryError(strataerrors.CodeInvalidFilter,
			fmt.Sprintf("window must not be negative, got %s", window))
	}
	condA, argsA := fa.where("a")
	condB, argsB := fb.where("b")
	// The mirror of (a, b) is also a result when b matches fa and a matches
	// fb; keep only the orientation with a.seq < b.seq.
	mirrorA, mirrorArgsA := fa.where("b")
	mirrorB, mirrorArgsB := fb.where("a")

	q := "SELECT " + prefixed("a") + ", " + prefixed("b") + `
		FROM events a JOIN events b
			ON b.occurred_at BETWEEN a.occurred_at - ? AND a.occurred_at + ?
			AND b.seq <> a.seq
		WHERE ` + condA + " AND " + condB + `
			AND NOT (a.seq > b.seq AND ` + mirrorA + " AND " + mirrorB + `)
		ORDER BY a.occurred_at, a.seq, b.occurred_at, b.seq`
	w := window.Nanoseconds()
	args := append([]interface{}{w, w}, argsA...)
	args = append(args, argsB...)
	args = append(args, mirrorArgsA...)
	args = append(args, mirrorArgsB...)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, strataerrors.NewStorageError("failed to query event pairs", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, strataerrors.NewStorageError("failed to scan event pair", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, strataerrors.NewStorageError("failed to iterate event pairs", err)
	}
	return out, nil
}

// eventRow holds the scan targets of one events row selected with
// eventlog.EventColumns.
type eventRow struct {
	seq        int64
	eventType  string
	occurredAt int64
	sourceID   string
	locator    string
	payload    string
	identity   string
}

func (r *eventRow) targets() []interface{} {
	return []interface{}{&r.seq, &r.eventType, &r.occurredAt, &r.sourceID, &r.locator, &r.payload, &r.identity}
}

func (r *eventRow) event() types.Event {
	return types.Event{
		Seq:           uint64(r.seq),
		EventType:     r.eventType,
		OccurredAt:    types.FromUnixNanos(r.occurredAt),
		SourceID:      r.sourceID,
		SourceLocator: r.locator,
		Payload:       json.RawMessage(r.payload),
		Identity:      r.identity,
	}
}

// scanPair scans a row selected as prefixed("a"), prefixed("b").
func scanPair(rows *sql.Rows) (Pair, error) {
	var a, b eventRow
	if err := rows.Scan(append(a.targets(), b.targets()...)...); err != nil {
		return Pair{}, err
	}
	ea, eb := a.event(), b.event()
	return Pair{A: ea, B: eb, Delta: eb.OccurredAt.Sub(ea.OccurredAt)}, nil
}
