package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/engine"
	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/query"
)

func (a *App) newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read events and materialized views",
		Long: `Read raw events with time-bounded filters, or rows of materialized views.
Queries never materialize; run "strata materialize" first to see new events
in views.`,
	}
	cmd.AddCommand(
		a.newQueryAsOfCmd(),
		a.newQueryNearCmd(),
		a.newQueryEventsCmd(),
		a.newQueryCoChangesCmd(),
		a.newQueryDecisionsCmd(),
		a.newQuerySymbolsCmd(),
		a.newQuerySearchCmd(),
	)
	return cmd
}

// parseTime parses an RFC3339 timestamp given on the command line.
func parseTime(flag, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, strataerrors.NewValidationError(strataerrors.CodeInvalidFilter,
			"--"+flag+" must be an RFC3339 timestamp: "+err.Error())
	}
	return ts, nil
}

func (a *App) newQueryAsOfCmd() *cobra.Command {
	var (
		asOf   string
		types  []string
		source string
	)
	cmd := &cobra.Command{
		Use:   "asof",
		Short: "List events that occurred at or before a point in time",
		Example: `  strata query asof --as-of 2025-01-05T00:00:00Z
  strata query asof --as-of 2025-01-05T00:00:00Z --type vcs.commit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTime("as-of", asOf)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				events, err := e.Query().Events(cmd.Context(), query.EventFilter{Types: types, SourceID: source, AsOf: ts})
				if err != nil {
					return err
				}
				return a.printJSON(events)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "Upper bound on occurred_at (RFC3339, inclusive)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Event type to include (repeatable)")
	cmd.Flags().StringVar(&source, "source", "", "Only events from this source id")
	_ = cmd.MarkFlagRequired("as-of")
	return cmd
}

func (a *App) newQueryNearCmd() *cobra.Command {
	var (
		typeA, typeB     string
		sourceA, sourceB string
		asOf             string
		window           time.Duration
	)
	cmd := &cobra.Command{
		Use:     "near",
		Short:   "Pair events of two kinds that occurred within a window of each other",
		Example: `  strata query near --a session.decision --b vcs.commit --window 72h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if window < 0 {
				return strataerrors.NewValidationError(strataerrors.CodeInvalidFilter, "--window must not be negative")
			}
			fa := query.EventFilter{Types: []string{typeA}, SourceID: sourceA}
			fb := query.EventFilter{Types: []string{typeB}, SourceID: sourceB}
			if asOf != "" {
				ts, err := parseTime("as-of", asOf)
				if err != nil {
					return err
				}
				fa.AsOf, fb.AsOf = ts, ts
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				pairs, err := e.Query().Near(cmd.Context(), fa, fb, window)
				if err != nil {
					return err
				}
				return a.printJSON(pairs)
			})
		},
	}
	cmd.Flags().StringVar(&typeA, "a", "", "Event type of the first member")
	cmd.Flags().StringVar(&typeB, "b", "", "Event type of the second member")
	cmd.Flags().StringVar(&sourceA, "a-source", "", "Source id of the first member")
	cmd.Flags().StringVar(&sourceB, "b-source", "", "Source id of the second member")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Upper bound on occurred_at of both members (RFC3339)")
	cmd.Flags().DurationVar(&window, "window", 72*time.Hour, "Maximum occurred_at distance")
	_ = cmd.MarkFlagRequired("a")
	_ = cmd.MarkFlagRequired("b")
	return cmd
}

func (a *App) newQueryEventsCmd() *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the log in seq order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				events, err := e.Query().Range(cmd.Context(), after, limit)
				if err != nil {
					return err
				}
				return a.printJSON(events)
			})
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "Return events with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func (a *App) newQueryCoChangesCmd() *cobra.Command {
	var minCount int
	cmd := &cobra.Command{
		Use:   "cochanges [PATH]",
		Short: "List file pairs changed in the same commits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				pairs, err := e.Query().CoChanges(cmd.Context(), path, minCount)
				if err != nil {
					return err
				}
				return a.printJSON(pairs)
			})
		},
	}
	cmd.Flags().IntVar(&minCount, "min", 1, "Minimum number of shared commits")
	return cmd
}

func (a *App) newQueryDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions [SESSION]",
		Short: "List decisions linked to the commits that followed them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var session string
			if len(args) == 1 {
				session = args[0]
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				links, err := e.Query().DecisionCommits(cmd.Context(), session)
				if err != nil {
					return err
				}
				return a.printJSON(links)
			})
		},
	}
}

func (a *App) newQuerySymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols [FILE]",
		Short: "List extracted code symbols",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				symbols, err := e.Query().Symbols(cmd.Context(), file)
				if err != nil {
					return err
				}
				return a.printJSON(symbols)
			})
		},
	}
}

func (a *App) newQuerySearchCmd() *cobra.Command {
	var (
		commits bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search EXPR",
		Short: "Full-text search over code symbols or commit messages",
		Long: `Run a full-text MATCH expression (FTS4 syntax: terms, "phrases", prefix*,
AND/OR/NOT) against the code_search view, or against commit_search with
--commits. Terms are stemmed, so "archiving" also finds "archive".`,
		Example: `  strata query search 'open*'
  strata query search --commits 'retry AND busy'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				if commits {
					hits, err := e.Query().SearchCommits(cmd.Context(), args[0], limit)
					if err != nil {
						return err
					}
					return a.printJSON(hits)
				}
				hits, err := e.Query().SearchCode(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return a.printJSON(hits)
			})
		},
	}
	cmd.Flags().BoolVar(&commits, "commits", false, "Search commit messages instead of code symbols")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of hits")
	return cmd
}
