package views

import (
	"context"
	"fmt"
	"sort"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// CoChangesView counts, for every pair of files, the commits that touched
// both. Only the latest file set of each sha contributes.
func CoChangesView() *materialize.View {
	return &materialize.View{
		Name:    CoChanges,
		Version: 1,
		Tables: []materialize.Table{
			{Name: "co_change_files", DDL: []string{
				`CREATE TABLE IF NOT EXISTS co_change_files (
					sha TEXT NOT NULL,
					path TEXT NOT NULL,
					PRIMARY KEY (sha, path)
				)`,
			}},
			{Name: "co_changes", DDL: []string{
				`CREATE TABLE IF NOT EXISTS co_changes (
					file_a TEXT NOT NULL,
					file_b TEXT NOT NULL,
					count INTEGER NOT NULL,
					PRIMARY KEY (file_a, file_b),
					CHECK (file_a < file_b)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_co_changes_b ON co_changes(file_b)`,
				`CREATE INDEX IF NOT EXISTS idx_co_changes_count ON co_changes(count DESC)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeCommit: projectCoChange,
		},
	}
}

func projectCoChange(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.CommitPayload
	if err := decode(ev, &p); err != nil {
		return err
	}

	previous, err := coChangeFiles(ctx, tx, p.SHA)
	if err != nil {
		return err
	}
	if err := adjustPairs(ctx, tx, previous, -1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM co_change_files WHERE sha = ?", p.SHA); err != nil {
		return fmt.Errorf("views: failed to clear co-change files of %s: %w", p.SHA, err)
	}

	current := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		current = append(current, f.Path)
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO co_change_files (sha, path) VALUES (?, ?)", p.SHA, f.Path); err != nil {
			return fmt.Errorf("views: failed to record co-change file %s: %w", f.Path, err)
		}
	}
	return adjustPairs(ctx, tx, current, 1)
}

func coChangeFiles(ctx context.Context, tx materialize.Tx, sha string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT path FROM co_change_files WHERE sha = ? ORDER BY path", sha)
	if err != nil {
		return nil, fmt.Errorf("views: failed to read co-change files of %s: %w", sha, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// adjustPairs adds delta to the count of every unordered pair in paths.
// Pairs whose count drops to zero are removed.
func adjustPairs(ctx context.Context, tx materialize.Tx, paths []string, delta int) error {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a == b {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO co_changes (file_a, file_b, count) VALUES (?, ?, ?)
				ON CONFLICT(file_a, file_b) DO UPDATE SET count = count + excluded.count`,
				a, b, delta); err != nil {
				return fmt.Errorf("views: failed to update pair (%s, %s): %w", a, b, err)
			}
		}
	}
	if delta < 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM co_changes WHERE count <= 0"); err != nil {
			return fmt.Errorf("views: failed to prune co-change pairs: %w", err)
		}
	}
	return nil
}
