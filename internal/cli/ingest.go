package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/engine"
	"github.com/strata-log/strata/internal/materialize"
)

// sourceFlags are shared by ingest and rebuild.
type sourceFlags struct {
	git      string
	branch   string
	sessions string
	jsonl    []string
	noState  bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.git, "git", "", "Git repository to read commits from")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Branch to walk instead of HEAD")
	cmd.Flags().StringVar(&f.sessions, "sessions", "", "Directory of session markdown files")
	cmd.Flags().StringSliceVar(&f.jsonl, "jsonl", nil, "JSON-lines candidate file (repeatable)")
	cmd.Flags().BoolVar(&f.noState, "no-state", false, "Ignore extraction state and read every unit")
}

// options merges the flags over the configured sources. Any source flag
// replaces the configured selection entirely.
func (f *sourceFlags) options(a *App) engine.IngestOptions {
	opts := engine.IngestOptionsFromConfig(a.cfg)
	if f.git != "" || f.sessions != "" || len(f.jsonl) > 0 {
		opts = engine.IngestOptions{
			GitPath:     f.git,
			SessionsDir: f.sessions,
			JSONLPaths:  f.jsonl,
			NoState:     opts.NoState,
		}
	}
	opts.GitBranch = f.branch
	if f.noState {
		opts.NoState = true
	}
	return opts
}

func (a *App) newIngestCmd() *cobra.Command {
	flags := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append events from the selected sources to the log",
		Long: `Read the selected sources and append their events to the log. Units whose
fingerprint is unchanged since the last run are skipped unless --no-state is
given; re-reading them is harmless because the log deduplicates by content.

Examples:
  strata ingest --git . --sessions docs/sessions
  strata ingest --jsonl facts.jsonl --no-state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				sum, err := e.Ingest(cmd.Context(), flags.options(a))
				if sum != nil {
					if perr := a.printJSON(sum); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *App) newMaterializeCmd() *cobra.Command {
	var (
		force   bool
		fromSeq uint64
	)
	cmd := &cobra.Command{
		Use:   "materialize [views...]",
		Short: "Bring views up to date with the log",
		Long: `Apply new events to the named views (all views when none are named) and to
the views they depend on. A view is rebuilt from scratch when forced, when
--from-seq is before its checkpoint, or when its version changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := materialize.Options{Force: force}
			if cmd.Flags().Changed("from-seq") {
				opts.FromSeq = &fromSeq
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				return a.materialize(cmd.Context(), e, args, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild the selected views from scratch")
	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "Replay from this seq (0 rebuilds)")
	return cmd
}

func (a *App) materialize(ctx context.Context, e *engine.Engine, names []string, opts materialize.Options) error {
	rep, err := e.Materialize(ctx, names, opts)
	if rep != nil {
		if perr := a.printJSON(rep); perr != nil {
			return perr
		}
	}
	return err
}

func (a *App) newRebuildCmd() *cobra.Command {
	flags := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Ingest every source and rebuild every view",
		Long: `Ingest the selected (or configured) sources, then rebuild all views from the
log. On a fresh clone this reproduces the views of any other machine that
holds the same sources.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				res, err := e.Rebuild(cmd.Context(), flags.options(a))
				if res != nil {
					if perr := a.printJSON(res); perr != nil {
						return perr
					}
				}
				if err != nil {
					return fmt.Errorf("rebuild: %w", err)
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}
