package main

import (
	"github.com/spf13/cobra"
)

func newReconcileCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ownership records with the vector index and repair drift",
		Long: "Lists vectors whose document has no ownership record and records whose\n" +
			"document has no vectors, then removes both unless --dry-run is set.\n" +
			"Run it while no uploads or syncs are in progress.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Documents.Reconcile(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().Bool("dry-run", false, "report drift without removing anything")
	return cmd
}
