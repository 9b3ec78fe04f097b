package main

import (
	"github.com/spf13/cobra"
)

func newStatsCmd(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print document, vector and tenant counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Documents.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}
