package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFetchFromRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-from-remote",
		Short: "Rebuild the local vault from the remote database",
		Long: `Mark this device resolved on the remote, then reset local state and
rebuild the vault entirely from the remote database's current content.
This is the prescribed recovery from a device-rejection error (a salt
mismatch means the remote no longer trusts this device's local state).`,
		RunE: runFetchFromRemote,
	}
}

func runFetchFromRemote(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	if err := co.FetchFromServer(ctx); err != nil {
		return fmt.Errorf("fetch-from-remote: %w", err)
	}

	statusf(flagQuiet, "Vault rebuilt from remote database\n")

	return nil
}
