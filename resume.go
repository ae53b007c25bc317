package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing for this vault",
		Long: `Resume syncing for this vault after a pause.

If a sync --watch daemon is running against this vault, it receives a SIGHUP
and resumes immediately. Otherwise the flag takes effect the next time
sync --watch starts.

Example:
  vaultsync resume --vault ~/notes`,
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	paused, err := st.KV().IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("reading paused flag: %w", err)
	}

	if !paused {
		statusf(flagQuiet, "Vault is not paused\n")
		return nil
	}

	if err := st.KV().SetPaused(ctx, false); err != nil {
		return fmt.Errorf("clearing paused flag: %w", err)
	}

	statusf(flagQuiet, "Vault resumed\n")
	notifyDaemon(cc.Vault, flagQuiet)

	return nil
}
