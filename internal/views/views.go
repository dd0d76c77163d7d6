// Package views holds the built-in derived views and their projectors.
package views

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/pkg/types"
)

// Built-in view names.
const (
	Commits         = "commits"
	CoChanges       = "co_changes"
	Sessions        = "sessions"
	Decisions       = "decisions"
	CodeSymbols     = "code_symbols"
	DecisionCommits = "decision_commits"
	CodeSearch      = "code_search"
	CommitSearch    = "commit_search"
)

// DefaultDecisionWindow is the default maximum distance between a decision
// and a commit for them to be linked.
const DefaultDecisionWindow = 72 * time.Hour

// Options configure the built-in views.
type Options struct {
	DecisionWindow time.Duration
}

// DefaultOptions returns the default view options.
func DefaultOptions() Options {
	return Options{DecisionWindow: DefaultDecisionWindow}
}

// All returns every built-in view.
func All(opts Options) []*materialize.View {
	if opts.DecisionWindow <= 0 {
		opts.DecisionWindow = DefaultDecisionWindow
	}
	return []*materialize.View{
		CommitsView(),
		CoChangesView(),
		SessionsView(),
		DecisionsView(),
		CodeSymbolsView(),
		DecisionCommitsView(opts.DecisionWindow),
		CodeSearchView(),
		CommitSearchView(),
	}
}

// Register adds every built-in view to reg.
func Register(reg *materialize.Registry, opts Options) error {
	for _, v := range All(opts) {
		if err := reg.Register(v); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding every built-in view.
func NewRegistry(opts Options) (*materialize.Registry, error) {
	reg := materialize.NewRegistry()
	if err := Register(reg, opts); err != nil {
		return nil, err
	}
	return reg, nil
}

// decode unmarshals the canonical payload of ev into p.
func decode(ev types.Event, p interface{}) error {
	if err := json.Unmarshal(ev.Payload, p); err != nil {
		return fmt.Errorf("views: failed to decode %s payload at seq %d: %w", ev.EventType, ev.Seq, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// jsonObject encodes m with sorted keys.
func jsonObject(m map[string]interface{}) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonList encodes a string list as a JSON array; nil becomes "[]".
func jsonList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
