package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"queryprism/internal/bootstrap"
)

// NewRootCmd builds the operator CLI that works on the ledger and the
// vector index directly, without the HTTP server.
func NewRootCmd() *cobra.Command {
	return newRootCmd(openApp)
}

func newRootCmd(open appOpener) *cobra.Command {
	root := &cobra.Command{
		Use:           "queryprism-maint",
		Short:         "Maintenance tasks for the queryprism document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				return nil
			}
			return os.Setenv("CONFIG_FILE", path)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (overrides CONFIG_FILE)")

	root.AddCommand(
		newReconcileCmd(open),
		newStatsCmd(open),
	)
	return root
}

type appOpener func(ctx context.Context) (*bootstrap.App, error)

func openApp(ctx context.Context) (*bootstrap.App, error) {
	return bootstrap.New(ctx, bootstrap.Options{Messaging: false})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output failed: %w", err)
	}
	return nil
}
