// Package materialize derives view tables from the event log. Every view is a
// pure function of the events up to its checkpoint, so a full rebuild and any
// sequence of incremental passes produce identical rows.
package materialize

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// Tx is the write handle a projector receives. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Projector applies one event to a view. It must read state only through tx
// (its own tables or those of declared dependencies) and must not consult the
// wall clock, randomness or anything outside the store.
type Projector func(ctx context.Context, tx Tx, ev types.Event) error

// Table declares one table owned by a view. DDL statements are executed in
// order and must create the table (and its indexes) idempotently.
type Table struct {
	Name string
	DDL  []string
}

// View describes a derived view.
type View struct {
	Name string

	// Version must be bumped whenever projector semantics or table layout
	// change; a stored checkpoint with another version forces a rebuild.
	Version int

	Tables     []Table
	Projectors map[string]Projector

	// DependsOn lists views whose tables the projectors read.
	DependsOn []string
}

// Registry holds the registered views.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*View
	owner map[string]string // table name -> view name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		views: make(map[string]*View),
		owner: make(map[string]string),
	}
}

// Register adds a view.
func (r *Registry) Register(v *View) error {
	if v == nil || v.Name == "" {
		return fmt.Errorf("materialize: view name is required")
	}
	if v.Version < 1 {
		return fmt.Errorf("materialize: view %s version must be >= 1, got %d", v.Name, v.Version)
	}
	if len(v.Tables) == 0 {
		return fmt.Errorf("materialize: view %s must declare at least one table", v.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.views[v.Name]; ok {
		return fmt.Errorf("materialize: view %s already registered", v.Name)
	}
	core := make(map[string]bool, len(store.CoreTables))
	for _, t := range store.CoreTables {
		core[t] = true
	}
	for _, t := range v.Tables {
		if t.Name == "" || len(t.DDL) == 0 {
			return fmt.Errorf("materialize: view %s has a table without name or DDL", v.Name)
		}
		if core[t.Name] {
			return fmt.Errorf("materialize: view %s cannot own core table %s", v.Name, t.Name)
		}
		if other, ok := r.owner[t.Name]; ok {
			return fmt.Errorf("materialize: table %s already owned by view %s", t.Name, other)
		}
	}
	for _, t := range v.Tables {
		r.owner[t.Name] = v.Name
	}
	r.views[v.Name] = v
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(v *View) {
	if err := r.Register(v); err != nil {
		panic(err)
	}
}

// Get returns a view by name.
func (r *Registry) Get(name string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[name]
	return v, ok
}

// Names returns all view names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.views))
	for n := range r.views {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// closure returns names plus all their transitive dependencies. An empty
// request means every registered view.
func (r *Registry) closure(names []string) (map[string]bool, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if set[name] {
			return nil
		}
		v, ok := r.views[name]
		if !ok {
			return strataerrors.NewProjectionError(strataerrors.CodeUnknownView,
				fmt.Sprintf("unknown view %q", name))
		}
		set[name] = true
		for _, d := range v.DependsOn {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// dependents returns every registered view that transitively depends on one of roots.
func (r *Registry) dependents(roots map[string]bool) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for name, v := range r.views {
			if out[name] {
				continue
			}
			for _, d := range v.DependsOn {
				if roots[d] || out[d] {
					out[name] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

// levels groups set into dependency levels: every view's dependencies sit in
// strictly earlier levels. Views within a level are sorted by name.
func (r *Registry) levels(set map[string]bool) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(set))
	level := make(map[string]int, len(set))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return strataerrors.NewProjectionError(strataerrors.CodeDependencyCycle,
				fmt.Sprintf("dependency cycle through view %q", name))
		}
		state[name] = visiting
		v, ok := r.views[name]
		if !ok {
			return strataerrors.NewProjectionError(strataerrors.CodeUnknownView,
				fmt.Sprintf("unknown view %q", name))
		}
		lvl := 0
		for _, d := range v.DependsOn {
			if err := visit(d); err != nil {
				return err
			}
			if level[d]+1 > lvl {
				lvl = level[d] + 1
			}
		}
		level[name] = lvl
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	var out [][]string
	for _, n := range names {
		l := level[n]
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], n)
	}
	return out, nil
}
