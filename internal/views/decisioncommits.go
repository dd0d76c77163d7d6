package views

import (
	"context"
	"fmt"
	"time"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// DecisionCommitsView links session decisions to commits made within a time
// window around them. It reads the append-only tables of the commits and
// decisions views, restricted to seq below the event being applied, so each
// pair is linked exactly once, when its later event is applied.
//
// The window is stored in decision_commit_params when the tables are created
// and read back by the projectors, so a changed window only takes effect
// after the view is rebuilt.
func DecisionCommitsView(window time.Duration) *materialize.View {
	return &materialize.View{
		Name:      DecisionCommits,
		Version:   1,
		DependsOn: []string{Commits, Decisions},
		Tables: []materialize.Table{
			{Name: "decision_commit_params", DDL: []string{
				`CREATE TABLE IF NOT EXISTS decision_commit_params (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					window_nanos INTEGER NOT NULL
				)`,
				fmt.Sprintf(`INSERT OR IGNORE INTO decision_commit_params (id, window_nanos) VALUES (1, %d)`,
					window.Nanoseconds()),
			}},
			{Name: "decision_commits", DDL: []string{
				`CREATE TABLE IF NOT EXISTS decision_commits (
					decision_seq INTEGER NOT NULL,
					commit_seq INTEGER NOT NULL,
					session_id TEXT NOT NULL,
					sha TEXT NOT NULL,
					delta_nanos INTEGER NOT NULL,
					PRIMARY KEY (decision_seq, commit_seq)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_decision_commits_session ON decision_commits(session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_decision_commits_sha ON decision_commits(sha)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeCommit:          linkCommit,
			schema.TypeSessionDecision: linkDecision,
		},
	}
}

// StoredDecisionWindow returns the window the decision_commits tables were
// built with. The tables must exist.
func StoredDecisionWindow(ctx context.Context, q materialize.Tx) (time.Duration, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT window_nanos FROM decision_commit_params WHERE id = 1`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}

func decisionWindow(ctx context.Context, tx materialize.Tx) (int64, error) {
	w, err := StoredDecisionWindow(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("views: failed to read decision window: %w", err)
	}
	return w.Nanoseconds(), nil
}

// linkCommit links a commit to every earlier decision within the window.
func linkCommit(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.CommitPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	w, err := decisionWindow(ctx, tx)
	if err != nil {
		return err
	}
	at := types.UnixNanos(ev.OccurredAt)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO decision_commits (decision_seq, commit_seq, session_id, sha, delta_nanos)
		SELECT d.seq, ?, d.session_id, ?, ? - d.occurred_at
		FROM decisions d
		WHERE d.seq < ? AND d.occurred_at BETWEEN ? AND ?`,
		int64(ev.Seq), p.SHA, at, int64(ev.Seq), at-w, at+w)
	if err != nil {
		return fmt.Errorf("views: failed to link commit %s: %w", p.SHA, err)
	}
	return nil
}

// linkDecision links a decision to every earlier commit event within the window.
func linkDecision(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	w, err := decisionWindow(ctx, tx)
	if err != nil {
		return err
	}
	at := types.UnixNanos(ev.OccurredAt)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO decision_commits (decision_seq, commit_seq, session_id, sha, delta_nanos)
		SELECT ?, c.seq, ?, c.sha, c.occurred_at - ?
		FROM commit_events c
		WHERE c.seq < ? AND c.occurred_at BETWEEN ? AND ?`,
		int64(ev.Seq), ev.SourceID, at, int64(ev.Seq), at-w, at+w)
	if err != nil {
		return fmt.Errorf("views: failed to link decision %d: %w", ev.Seq, err)
	}
	return nil
}
