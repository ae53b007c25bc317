package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Replicate from the vault to the remote database",
		Long: `Run a one-shot push_to_server: replicates every outstanding local change
to the remote CouchDB-protocol database, without starting continuous
replication.`,
		RunE: runPush,
	}
}

func runPush(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	if err := co.PushToServer(ctx); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	statusf(flagQuiet, "Push complete\n")

	return nil
}
