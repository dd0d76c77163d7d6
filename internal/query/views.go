package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/pkg/types"
)

// Tip returns the highest seq in the log.
func (s *Surface) Tip(ctx context.Context) (uint64, error) {
	return s.reader.Tip(ctx)
}

// Count returns the number of events in the log.
func (s *Surface) Count(ctx context.Context) (int64, error) {
	return s.reader.Count(ctx)
}

// Range returns up to limit events with seq > afterSeq in seq order.
func (s *Surface) Range(ctx context.Context, afterSeq uint64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		return nil, strataerrors.NewQueryError(strataerrors.CodeInvalidFilter,
			fmt.Sprintf("limit must be positive, got %d", limit))
	}
	tip, err := s.reader.Tip(ctx)
	if err != nil {
		return nil, err
	}
	return s.reader.Page(ctx, afterSeq, tip, limit)
}

// CoChange is one file pair and the number of commits touching both.
type CoChange struct {
	FileA string `json:"file_a"`
	FileB string `json:"file_b"`
	Count int    `json:"count"`
}

// CoChanges returns pairs involving path (all pairs when path is empty)
// with at least minCount commits, most frequent first.
func (s *Surface) CoChanges(ctx context.Context, path string, minCount int) ([]CoChange, error) {
	q := "SELECT file_a, file_b, count FROM co_changes WHERE count >= ?"
	args := []interface{}{minCount}
	if path != "" {
		q += " AND (file_a = ? OR file_b = ?)"
		args = append(args, path, path)
	}
	q += " ORDER BY count DESC, file_a, file_b"

	var out []CoChange
	err := s.viewRows(ctx, "co_changes", q, args, func(rows *sql.Rows) error {
		var c CoChange
		if err := rows.Scan(&c.FileA, &c.FileB, &c.Count); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// DecisionCommit links a session decision to a nearby commit.
type DecisionCommit struct {
	DecisionSeq uint64 `json:"decision_seq"`
	CommitSeq   uint64 `json:"commit_seq"`
	SessionID   string `json:"session_id"`
	SHA         string `json:"sha"`
	Decision    string `json:"decision"`
	Message     string `json:"message"`
	DeltaNanos  int64  `json:"delta_nanos"`
}

// DecisionCommits returns decision/commit links, restricted to sessionID
// when set, ordered by decision then commit seq.
func (s *Surface) DecisionCommits(ctx context.Context, sessionID string) ([]DecisionCommit, error) {
	q := `SELECT dc.decision_seq, dc.commit_seq, dc.session_id, dc.sha,
			COALESCE(d.content, ''), COALESCE(c.message, ''), dc.delta_nanos
		FROM decision_commits dc
		LEFT JOIN decisions d ON d.seq = dc.decision_seq
		LEFT JOIN commits c ON c.sha = dc.sha`
	var args []interface{}
	if sessionID != "" {
		q += " WHERE dc.session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY dc.decision_seq, dc.commit_seq"

	var out []DecisionCommit
	err := s.viewRows(ctx, "decision_commits", q, args, func(rows *sql.Rows) error {
		var (
			dc       DecisionCommit
			dseq, cs int64
		)
		if err := rows.Scan(&dseq, &cs, &dc.SessionID, &dc.SHA, &dc.Decision, &dc.Message, &dc.DeltaNanos); err != nil {
			return err
		}
		dc.DecisionSeq, dc.CommitSeq = uint64(dseq), uint64(cs)
		out = append(out, dc)
		return nil
	})
	return out, err
}

// Symbol is the latest definition of a code symbol.
type Symbol struct {
	File      string          `json:"file"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Seq       uint64          `json:"seq"`
	Line      int             `json:"line"`
	Signature string          `json:"signature,omitempty"`
	IsPublic  bool            `json:"is_public"`
	Details   json.RawMessage `json:"details"`
}

// Symbols returns the symbols defined in file (all files when empty).
func (s *Surface) Symbols(ctx context.Context, file string) ([]Symbol, error) {
	q := "SELECT file, name, kind, seq, line, COALESCE(signature, ''), is_public, details FROM code_symbols"
	var args []interface{}
	if file != "" {
		q += " WHERE file = ?"
		args = append(args, file)
	}
	q += " ORDER BY file, line, name, kind"

	var out []Symbol
	err := s.viewRows(ctx, "code_symbols", q, args, func(rows *sql.Rows) error {
		var (
			sym     Symbol
			seq     int64
			public  int
			details string
		)
		if err := rows.Scan(&sym.File, &sym.Name, &sym.Kind, &seq, &sym.Line, &sym.Signature, &public, &details); err != nil {
			return err
		}
		sym.Seq = uint64(seq)
		sym.IsPublic = public != 0
		sym.Details = json.RawMessage(details)
		out = append(out, sym)
		return nil
	})
	return out, err
}

// ViewStatus is a view checkpoint and how far it lags the log tip.
type ViewStatus struct {
	types.Checkpoint
	Tip uint64 `json:"tip"`
	Lag uint64 `json:"lag"`
}

// Staleness returns the checkpoint of every materialized view with its lag
// behind the current tip, ordered by view name.
func (s *Surface) Staleness(ctx context.Context) ([]ViewStatus, error) {
	tip, err := s.reader.Tip(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT view_name, last_applied_seq, view_version, updated_at FROM view_checkpoints ORDER BY view_name")
	if err != nil {
		return nil, strataerrors.NewStorageError("failed to read checkpoints", err)
	}
	defer rows.Close()

	var out []ViewStatus
	for rows.Next() {
		var (
			st      ViewStatus
			seq     int64
			updated int64
		)
		if err := rows.Scan(&st.ViewName, &seq, &st.ViewVersion, &updated); err != nil {
			return nil, strataerrors.NewStorageError("failed to scan checkpoint", err)
		}
		st.LastAppliedSeq = uint64(seq)
		st.UpdatedAt = types.FromUnixNanos(updated)
		st.Tip = tip
		if tip > st.LastAppliedSeq {
			st.Lag = tip - st.LastAppliedSeq
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, strataerrors.NewStorageError("failed to iterate checkpoints", err)
	}
	return out, nil
}

// viewRows runs q against a view table. A view that was never materialized
// yields no rows.
func (s *Surface) viewRows(ctx context.Context, table, q string, args []interface{}, fn func(*sql.Rows) error) error {
	exists, err := s.store.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return strataerrors.NewStorageError(fmt.Sprintf("failed to query %s", table), err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return strataerrors.NewStorageError(fmt.Sprintf("failed to scan %s", table), err)
		}
	}
	if err := rows.Err(); err != nil {
		return strataerrors.NewStorageError(fmt.Sprintf("failed to iterate %s", table), err)
	}
	return nil
}

// CodeHit is a code symbol matching a full-text search.
type CodeHit struct {
	File    string `json:"file"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Snippet string `json:"snippet"`
}

// SearchCode runs an FTS4 MATCH expression against the code_search view and
// returns up to limit hits ordered by file, name and kind.
func (s *Surface) SearchCode(ctx context.Context, match string, limit int) ([]CodeHit, error) {
	if err := checkSearch(match, limit); err != nil {
		return nil, err
	}
	q := `SELECT name, file, kind, snippet(code_search, '[', ']', '...', -1, 12)
		FROM code_search WHERE code_search MATCH ?
		ORDER BY file, name, kind LIMIT ?`

	var out []CodeHit
	err := s.viewRows(ctx, "code_search", q, []interface{}{match, limit}, func(rows *sql.Rows) error {
		var h CodeHit
		if err := rows.Scan(&h.Name, &h.File, &h.Kind, &h.Snippet); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, matchError(match, err)
}

// CommitHit is a commit matching a full-text search.
type CommitHit struct {
	SHA        string    `json:"sha"`
	AuthorName string    `json:"author_name"`
	OccurredAt time.Time `json:"occurred_at"`
	Snippet    string    `json:"snippet"`
}

// SearchCommits runs an FTS4 MATCH expression against commit messages and
// authors and returns up to limit hits, newest first.
func (s *Surface) SearchCommits(ctx context.Context, match string, limit int) ([]CommitHit, error) {
	if err := checkSearch(match, limit); err != nil {
		return nil, err
	}
	q := `SELECT commit_search.sha, commit_search.author_name, COALESCE(c.occurred_at, 0),
			snippet(commit_search, '[', ']', '...', 1, 12)
		FROM commit_search
		LEFT JOIN commits c ON c.sha = commit_search.sha
		WHERE commit_search MATCH ?
		ORDER BY c.occurred_at DESC, commit_search.sha LIMIT ?`

	var out []CommitHit
	err := s.viewRows(ctx, "commit_search", q, []interface{}{match, limit}, func(rows *sql.Rows) error {
		var (
			h  CommitHit
			at int64
		)
		if err := rows.Scan(&h.SHA, &h.AuthorName, &at, &h.Snippet); err != nil {
			return err
		}
		h.OccurredAt = types.FromUnixNanos(at)
		out = append(out, h)
		return nil
	})
	return out, matchError(match, err)
}

func checkSearch(match string, limit int) error {
	if strings.TrimSpace(match) == "" {
		return strataerrors.NewQueryError(strataerrors.CodeInvalidFilter, "search expression is required")
	}
	if limit <= 0 {
		return strataerrors.NewQueryError(strataerrors.CodeInvalidFilter,
			fmt.Sprintf("limit must be positive, got %d", limit))
	}
	return nil
}

// matchError reports a malformed MATCH expression as a filter error rather
// than a storage failure.
func matchError(match string, err error) error {
	if err != nil && strings.Contains(err.Error(), "malformed MATCH expression") {
		return strataerrors.NewQueryError(strataerrors.CodeInvalidFilter,
			fmt.Sprintf("invalid search expression %q", match))
	}
	return err
}
