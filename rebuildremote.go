package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRebuildRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-remote",
		Short: "Rebuild the remote database from the local vault",
		Long: `Scan every file in the vault, reset and recreate the remote database, and
replicate the full vault state to it. Use this after the remote database
has been deleted or corrupted, or to discard remote history entirely.`,
		RunE: runRebuildRemote,
	}
}

func runRebuildRemote(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	if err := co.RebuildRemote(ctx); err != nil {
		return fmt.Errorf("rebuild-remote: %w", err)
	}

	statusf(flagQuiet, "Remote database rebuilt from vault\n")

	return nil
}
