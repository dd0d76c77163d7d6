package views

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// searchIndex is a full-text (FTS4) table mirroring the current rows of a
// dependency table. A plain docs table assigns each source key a stable
// docid, so a key can be re-indexed without scanning the FTS table.
//
// Projectors refresh the key touched by the applied event from the
// dependency's current row. Dependencies are always at or past the
// dependent's checkpoint, so every key ends up holding the dependency's
// latest state whether the view is built incrementally or from scratch.
type searchIndex struct {
	fts     string
	docs    string
	keyCols []string

	// columns of fts, filled by exprs evaluated over source
	columns []string
	exprs   []string
	source  string
}

func (s searchIndex) tables() []materialize.Table {
	keys := make([]string, len(s.keyCols))
	for i, c := range s.keyCols {
		keys[i] = c + " TEXT NOT NULL"
	}
	return []materialize.Table{
		{Name: s.docs, DDL: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				docid INTEGER PRIMARY KEY,
				%s,
				UNIQUE (%s)
			)`, s.docs, strings.Join(keys, ",\n\t\t\t\t"), strings.Join(s.keyCols, ", ")),
		}},
		{Name: s.fts, DDL: []string{
			fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts4(%s, tokenize=porter)`,
				s.fts, strings.Join(s.columns, ", ")),
		}},
	}
}

func (s searchIndex) keyWhere() string {
	conds := make([]string, len(s.keyCols))
	for i, c := range s.keyCols {
		conds[i] = c + " = ?"
	}
	return strings.Join(conds, " AND ")
}

// refresh replaces the indexed document of key with the current source row.
// A key whose source row is gone keeps its docid and no document.
func (s searchIndex) refresh(ctx context.Context, tx materialize.Tx, key ...interface{}) error {
	var docid int64
	err := tx.QueryRowContext(ctx, "SELECT docid FROM "+s.docs+" WHERE "+s.keyWhere(), key...).Scan(&docid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.docs, strings.Join(s.keyCols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(key)), ", ")), key...)
		if err != nil {
			return fmt.Errorf("views: failed to allocate %s docid: %w", s.fts, err)
		}
		if docid, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("views: failed to read %s docid: %w", s.fts, err)
		}
	case err != nil:
		return fmt.Errorf("views: failed to look up %s docid: %w", s.fts, err)
	default:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.fts+" WHERE docid = ?", docid); err != nil {
			return fmt.Errorf("views: failed to clear %s document %d: %w", s.fts, docid, err)
		}
	}

	args := append([]interface{}{docid}, key...)
	_, err = tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (docid, %s) SELECT ?, %s FROM %s WHERE %s",
		s.fts, strings.Join(s.columns, ", "), strings.Join(s.exprs, ", "), s.source, s.keyWhere()), args...)
	if err != nil {
		return fmt.Errorf("views: failed to index %s document %d: %w", s.fts, docid, err)
	}
	return nil
}

var codeSearch = searchIndex{
	fts:     "code_search",
	docs:    "code_search_docs",
	keyCols: []string{"file", "name", "kind"},
	columns: []string{"name", "file", "kind", "body"},
	exprs:   []string{"name", "file", "kind", "COALESCE(signature, details)"},
	source:  "code_symbols",
}

// CodeSearchView is a full-text index over code_symbols: symbol name, file,
// kind and the signature (or the details document when there is none).
func CodeSearchView() *materialize.View {
	return &materialize.View{
		Name:      CodeSearch,
		Version:   1,
		DependsOn: []string{CodeSymbols},
		Tables:    codeSearch.tables(),
		Projectors: map[string]materialize.Projector{
			schema.TypeCodeFunction: indexSymbol,
			schema.TypeCodeStruct:   indexSymbol,
			schema.TypeCodeImport:   indexSymbol,
		},
	}
}

func indexSymbol(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	s, err := symbolFor(ev)
	if err != nil {
		return err
	}
	return codeSearch.refresh(ctx, tx, s.file, s.name, s.kind)
}

var commitSearch = searchIndex{
	fts:     "commit_search",
	docs:    "commit_search_docs",
	keyCols: []string{"sha"},
	columns: []string{"sha", "message", "author_name"},
	exprs:   []string{"sha", "message", "author_name"},
	source:  "commits",
}

// CommitSearchView is a full-text index over commit messages and authors.
func CommitSearchView() *materialize.View {
	return &materialize.View{
		Name:      CommitSearch,
		Version:   1,
		DependsOn: []string{Commits},
		Tables:    commitSearch.tables(),
		Projectors: map[string]materialize.Projector{
			schema.TypeCommit: indexCommit,
		},
	}
}

func indexCommit(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	var p schema.CommitPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	return commitSearch.refresh(ctx, tx, p.SHA)
}
