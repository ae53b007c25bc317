package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Replicate from the remote database into the vault",
		Long: `Run a one-shot pull_from_server: replicates every outstanding change from
the remote CouchDB-protocol database into the local vault, without starting
continuous replication.`,
		RunE: runPull,
	}
}

func runPull(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	if err := co.PullFromServer(ctx); err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	statusf(flagQuiet, "Pull complete\n")

	return nil
}
