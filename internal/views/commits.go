package views

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// CommitsView keeps the latest state of every commit sha, its files, and an
// append-only row per commit event.
func CommitsView() *materialize.View {
	return &materialize.View{
		Name:    Commits,
		Version: 1,
		Tables: []materialize.Table{
			{Name: "commits", DDL: []string{
				`CREATE TABLE IF NOT EXISTS commits (
					sha TEXT PRIMARY KEY,
					seq INTEGER NOT NULL,
					message TEXT NOT NULL,
					author_name TEXT NOT NULL,
					author_email TEXT NOT NULL,
					occurred_at INTEGER NOT NULL,
					commit_type TEXT,
					scope TEXT,
					breaking INTEGER NOT NULL,
					pr_ref INTEGER,
					issue_refs TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_commits_occurred ON commits(occurred_at)`,
				`CREATE INDEX IF NOT EXISTS idx_commits_author ON commits(author_email)`,
			}},
			{Name: "commit_files", DDL: []string{
				`CREATE TABLE IF NOT EXISTS commit_files (
					sha TEXT NOT NULL,
					path TEXT NOT NULL,
					change_type TEXT NOT NULL,
					lines_added INTEGER NOT NULL,
					lines_removed INTEGER NOT NULL,
					PRIMARY KEY (sha, path)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_commit_files_path ON commit_files(path)`,
			}},
			{Name: "commit_events", DDL: []string{
				`CREATE TABLE IF NOT EXISTS commit_events (
					seq INTEGER PRIMARY KEY,
					sha TEXT NOT NULL,
					occurred_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_commit_events_occurred ON commit_events(occurred_at)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeCommit: projectCommit,
		},
	}
}

func projectCommit(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.CommitPayload
	if err := decode(ev, &p); err != nil {
		return err
	}

	cc := ParseConventional(p.Message)
	refs, err := json.Marshal(issueRefs(cc.IssueRefs))
	if err != nil {
		return err
	}
	var commitType, scope, prRef interface{}
	if cc.Type != "" {
		commitType = cc.Type
	}
	if cc.Scope != "" {
		scope = cc.Scope
	}
	if cc.PRRef != 0 {
		prRef = cc.PRRef
	}
	occurred := types.UnixNanos(ev.OccurredAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO commits
			(sha, seq, message, author_name, author_email, occurred_at, commit_type, scope, breaking, pr_ref, issue_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SHA, int64(ev.Seq), p.Message, p.AuthorName, p.AuthorEmail, occurred,
		commitType, scope, boolInt(cc.Breaking), prRef, string(refs)); err != nil {
		return fmt.Errorf("views: failed to upsert commit %s: %w", p.SHA, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM commit_files WHERE sha = ?", p.SHA); err != nil {
		return fmt.Errorf("views: failed to clear files of %s: %w", p.SHA, err)
	}
	for _, f := range p.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_files (sha, path, change_type, lines_added, lines_removed)
			VALUES (?, ?, ?, ?, ?)`,
			p.SHA, f.Path, f.ChangeType, f.LinesAdded, f.LinesRemoved); err != nil {
			return fmt.Errorf("views: failed to insert file %s of %s: %w", f.Path, p.SHA, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO commit_events (seq, sha, occurred_at) VALUES (?, ?, ?)",
		int64(ev.Seq), p.SHA, occurred); err != nil {
		return fmt.Errorf("views: failed to record commit event %d: %w", ev.Seq, err)
	}
	return nil
}

func issueRefs(refs []int64) []int64 {
	if refs == nil {
		return []int64{}
	}
	return refs
}
