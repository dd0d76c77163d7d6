package views

import (
	"context"
	"fmt"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// SessionsView holds development sessions, their goals and observations.
func SessionsView() *materialize.View {
	return &materialize.View{
		Name:    Sessions,
		Version: 1,
		Tables: []materialize.Table{
			{Name: "sessions", DDL: []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					seq INTEGER NOT NULL,
					title TEXT NOT NULL,
					branch TEXT,
					classification TEXT,
					files_changed INTEGER NOT NULL,
					commit_count INTEGER NOT NULL,
					started_at INTEGER NOT NULL,
					locator TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_branch ON sessions(branch)`,
			}},
			{Name: "goals", DDL: []string{
				`CREATE TABLE IF NOT EXISTS goals (
					session_id TEXT NOT NULL,
					content TEXT NOT NULL,
					completed INTEGER NOT NULL,
					seq INTEGER NOT NULL,
					PRIMARY KEY (session_id, content)
				)`,
			}},
			{Name: "observations", DDL: []string{
				`CREATE TABLE IF NOT EXISTS observations (
					seq INTEGER PRIMARY KEY,
					session_id TEXT NOT NULL,
					content TEXT NOT NULL,
					observation_type TEXT NOT NULL,
					occurred_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(observation_type)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeSessionStarted:     projectSessionStarted,
			schema.TypeSessionGoal:        projectGoal,
			schema.TypeSessionObservation: projectObservation,
		},
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func projectSessionStarted(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.SessionStartedPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, seq, title, branch, classification, files_changed, commit_count, started_at, locator)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SourceID, int64(ev.Seq), p.Title, nullable(p.Branch), nullable(p.Classification),
		p.FilesChanged, p.CommitCount, types.UnixNanos(ev.OccurredAt), nullable(ev.SourceLocator))
	if err != nil {
		return fmt.Errorf("views: failed to upsert session %s: %w", ev.SourceID, err)
	}
	return nil
}

// projectGoal upserts the goal keyed by (session, goal text) with the state
// carried by the applied event. The log deduplicates by content, so a goal
// that returns to a state it already had resolves to that earlier event and
// is never applied again: the row holds the state of the highest-seq distinct
// event, not the state most recently re-emitted.
func projectGoal(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.SessionGoalPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO goals (session_id, content, completed, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, content) DO UPDATE SET
			completed = excluded.completed,
			seq = excluded.seq`,
		ev.SourceID, p.Content, boolInt(p.Completed), int64(ev.Seq))
	if err != nil {
		return fmt.Errorf("views: failed to upsert goal for %s: %w", ev.SourceID, err)
	}
	return nil
}

func projectObservation(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.SessionObservationPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO observations (seq, session_id, content, observation_type, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		int64(ev.Seq), ev.SourceID, p.Content, p.ObservationType, types.UnixNanos(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("views: failed to insert observation for %s: %w", ev.SourceID, err)
	}
	return nil
}

// DecisionsView is an append-only list of session decisions.
func DecisionsView() *materialize.View {
	return &materialize.View{
		Name:    Decisions,
		Version: 1,
		Tables: []materialize.Table{
			{Name: "decisions", DDL: []string{
				`CREATE TABLE IF NOT EXISTS decisions (
					seq INTEGER PRIMARY KEY,
					session_id TEXT NOT NULL,
					content TEXT NOT NULL,
					rationale TEXT,
					occurred_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_decisions_occurred ON decisions(occurred_at)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeSessionDecision: projectDecision,
		},
	}
}

func projectDecision(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.SessionDecisionPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (seq, session_id, content, rationale, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		int64(ev.Seq), ev.SourceID, p.Content, nullable(p.Rationale), types.UnixNanos(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("views: failed to insert decision for %s: %w", ev.SourceID, err)
	}
	return nil
}
