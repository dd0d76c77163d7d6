package cli

import (
	"github.com/spf13/cobra"

	"github.com/strata-log/strata/internal/engine"
)

func (a *App) newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export, verify and restore log segments",
		Long: `Copy the event log to the configured archive destination (a local directory
or an S3 bucket) as compressed, content-addressed segments. Exporting the
same log twice writes the same objects.`,
	}

	var tail bool
	export := &cobra.Command{
		Use:   "export",
		Short: "Write sealed segments and the manifest to the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				arch, err := e.Archiver(cmd.Context(), tail)
				if err != nil {
					return err
				}
				res, err := arch.Export(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}
	export.Flags().BoolVar(&tail, "tail", false, "Also export the unsealed tail segment")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that the archive is intact and a prefix of the local log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				arch, err := e.Archiver(cmd.Context(), false)
				if err != nil {
					return err
				}
				res, err := arch.Verify(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore",
		Short: "Append archived events to the local log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				res, err := e.Restore(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}

	cmd.AddCommand(export, verify, restore)
	return cmd
}
