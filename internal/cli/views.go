package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/engine"
)

func (a *App) newViewsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "views",
		Short: "List views with their checkpoints and lag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				status, err := e.Query().Staleness(cmd.Context())
				if err != nil {
					return err
				}
				materialized := make(map[string]bool, len(status))

				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VIEW\tVERSION\tCHECKPOINT\tLAG\tUPDATED")
				for _, s := range status {
					materialized[s.ViewName] = true
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
						s.ViewName, s.ViewVersion, s.LastAppliedSeq, s.Lag, s.UpdatedAt.Format(time.RFC3339))
				}
				for _, name := range e.Materializer().Registry().Names() {
					if !materialized[name] {
						fmt.Fprintf(tw, "%s\t-\t-\t-\tnever\n", name)
					}
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(a.newViewsDigestCmd(), a.newViewsDropCmd())
	return cmd
}

func (a *App) newViewsDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest VIEW...",
		Short: "Print a content digest of view tables",
		Long: `Print a SHA-256 digest over the rows of each named view. Two databases that
replayed the same log have equal digests for every view.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				for _, name := range args {
					d, err := e.Materializer().Digest(cmd.Context(), name)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "%s  %s\n", d, name)
				}
				return nil
			})
		},
	}
}

func (a *App) newViewsDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop VIEW",
		Short: "Drop a view, its dependents and their checkpoints",
		Long: `Drop the tables and checkpoint of a view and of every view that depends on
it. The next materialize run rebuilds them from the log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				dropped, err := e.Materializer().Drop(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(map[string][]string{"dropped": dropped})
			})
		},
	}
}
