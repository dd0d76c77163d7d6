package views

import (
	"context"
	"fmt"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/pkg/types"
)

// Symbol kinds stored in code_symbols.
const (
	KindFunction = "function"
	KindStruct   = "struct"
	KindImport   = "import"
)

// CodeSymbolsView keeps the latest definition per (file, name, kind).
func CodeSymbolsView() *materialize.View {
	return &materialize.View{
		Name:    CodeSymbols,
		Version: 1,
		Tables: []materialize.Table{
			{Name: "code_symbols", DDL: []string{
				`CREATE TABLE IF NOT EXISTS code_symbols (
					file TEXT NOT NULL,
					name TEXT NOT NULL,
					kind TEXT NOT NULL,
					seq INTEGER NOT NULL,
					line INTEGER NOT NULL,
					signature TEXT,
					is_public INTEGER NOT NULL,
					details TEXT NOT NULL,
					PRIMARY KEY (file, name, kind)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_code_symbols_name ON code_symbols(name)`,
			}},
		},
		Projectors: map[string]materialize.Projector{
			schema.TypeCodeFunction: projectSymbol,
			schema.TypeCodeStruct:   projectSymbol,
			schema.TypeCodeImport:   projectSymbol,
		},
	}
}

type symbolRow struct {
	file, name, kind string
	line             int
	signature        string
	public           bool
	details          string
}

func upsertSymbol(ctx context.Context, tx materialize.Tx, ev types.Event, s symbolRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO code_symbols (file, name, kind, seq, line, signature, is_public, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.file, s.name, s.kind, int64(ev.Seq), s.line, nullable(s.signature), boolInt(s.public), s.details)
	if err != nil {
		return fmt.Errorf("views: failed to upsert symbol %s in %s: %w", s.name, s.file, err)
	}
	return nil
}

func projectSymbol(ctx context.Context, tx materialize.Tx, ev types.Event) error {
	s, err := symbolFor(ev)
	if err != nil {
		return err
	}
	return upsertSymbol(ctx, tx, ev, s)
}

// symbolFor decodes a code event into its code_symbols row.
func symbolFor(ev types.Event) (symbolRow, error) {
	switch ev.EventType {
	case schema.TypeCodeFunction:
		return functionSymbol(ev)
	case schema.TypeCodeStruct:
		return structSymbol(ev)
	case schema.TypeCodeImport:
		return importSymbol(ev)
	}
	return symbolRow{}, fmt.Errorf("views: %s is not a code symbol event", ev.EventType)
}

func functionSymbol(ev types.Event) (symbolRow, error) {
	var p schema.CodeFunctionPayload
	if err := decode(ev, &p); err != nil {
		return symbolRow{}, err
	}
	details, err := jsonObject(map[string]interface{}{
		"parameters":  listOrEmpty(p.Parameters),
		"return_type": p.ReturnType,
		"is_async":    p.IsAsync,
	})
	if err != nil {
		return symbolRow{}, err
	}
	return symbolRow{
		file: p.File, name: p.Name, kind: KindFunction, line: p.Line,
		signature: p.Signature, public: p.IsPublic, details: details,
	}, nil
}

func structSymbol(ev types.Event) (symbolRow, error) {
	var p schema.CodeStructPayload
	if err := decode(ev, &p); err != nil {
		return symbolRow{}, err
	}
	kind := p.Kind
	if kind == "" {
		kind = KindStruct
	}
	fields, err := jsonList(p.Fields)
	if err != nil {
		return symbolRow{}, err
	}
	return symbolRow{
		file: p.File, name: p.Name, kind: kind, line: p.Line,
		signature: p.Signature, public: p.IsPublic, details: `{"fields":` + fields + `}`,
	}, nil
}

func importSymbol(ev types.Event) (symbolRow, error) {
	var p schema.CodeImportPayload
	if err := decode(ev, &p); err != nil {
		return symbolRow{}, err
	}
	names, err := jsonList(p.ImportedNames)
	if err != nil {
		return symbolRow{}, err
	}
	return symbolRow{
		file: p.File, name: p.Name, kind: KindImport, line: p.Line,
		details: `{"imported_names":` + names + `}`,
	}, nil
}

func listOrEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
