package cli

import (
	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/engine"
)

func (a *App) newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset extraction state",
		Long: `Extraction state records a fingerprint per processed source unit so that
unchanged units are skipped. It is an optimization only: resetting it makes the
next ingest read everything again, and the log deduplicates the result.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [KIND]",
			Short: "List extraction state, optionally for one source kind",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
					states, err := e.Tracker().List(cmd.Context(), optionalArg(args))
					if err != nil {
						return err
					}
					return a.printJSON(states)
				})
			},
		},
		&cobra.Command{
			Use:   "reset [KIND]",
			Short: "Forget extraction state, optionally for one source kind",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
					n, err := e.ResetState(cmd.Context(), optionalArg(args))
					if err != nil {
						return err
					}
					return a.printJSON(map[string]int64{"reset": n})
				})
			},
		},
	)
	return cmd
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
