package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fridaysync/vaultsync/internal/config"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause syncing for this vault",
		Long: `Pause syncing for this vault. Replication stops and filesystem changes are
no longer pushed until resumed.

If a sync --watch daemon is running against this vault, it receives a SIGHUP
and pauses immediately. Otherwise the flag takes effect the next time
sync --watch starts.

Example:
  vaultsync pause --vault ~/notes`,
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.KV().SetPaused(ctx, true); err != nil {
		return fmt.Errorf("setting paused flag: %w", err)
	}

	statusf(flagQuiet, "Vault paused\n")
	notifyDaemon(cc.Vault, flagQuiet)

	return nil
}

// notifyDaemon attempts to send SIGHUP to a running sync --watch daemon for
// vault. Non-fatal: if no daemon is running, prints a note instead.
func notifyDaemon(vault string, quiet bool) {
	pidPath := config.PIDFilePath(vault)

	if err := sendSIGHUP(pidPath); err != nil {
		statusf(quiet, "Note: %v -- takes effect on next daemon start\n", err)
	} else {
		statusf(quiet, "Notified running daemon\n")
	}
}
