package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/coordinator"
)

func newSyncCmd() *cobra.Command {
	var flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the vault with the remote database",
		Long: `Run a sync cycle against the configured CouchDB-protocol remote.

Without --watch, opens replication once, lets the initial pull/push settle,
then closes it (a one-shot equivalent of syncOnStart). With --watch, stays
running as a daemon: a continuous replication feed plus a filesystem watcher
and periodic hidden-file scan, until interrupted. A running --watch daemon
can be paused and resumed from another invocation via "vaultsync pause"/
"vaultsync resume", which signal it with SIGHUP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "run continuously as a daemon")

	return cmd
}

func runSync(cmd *cobra.Command, watch bool) error {
	cc := mustCLIContext(cmd.Context())

	if watch {
		return runSyncWatch(cc)
	}

	ctx := cmd.Context()

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	ok, err := co.StartSync(ctx, false, "PLUGIN_STARTUP")
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if !ok {
		statusf(flagQuiet, "Remote unreachable, queued for reconnect\n")
		return nil
	}

	if err := co.StopSync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	statusf(flagQuiet, "Sync complete\n")

	return nil
}

func runSyncWatch(cc *CLIContext) error {
	pidPath := config.PIDFilePath(cc.Vault)

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(context.Background(), cc.Logger)

	co, err := newCoordinator(ctx, cc)
	if err != nil {
		return err
	}
	defer co.Close()

	paused, err := co.Store().KV().IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("reading paused flag: %w", err)
	}

	if !paused {
		if _, err := co.StartSync(ctx, true, "PLUGIN_STARTUP"); err != nil {
			return fmt.Errorf("sync --watch: %w", err)
		}
	}

	statusf(flagQuiet, "vaultsync watching %s\n", cc.Vault)

	sighup := sighupChannel()

	for {
		select {
		case <-ctx.Done():
			if err := co.StopSync(context.Background()); err != nil {
				cc.Logger.Error("sync --watch: stop_sync on shutdown failed", "error", err)
			}

			return nil
		case <-sighup:
			handleWatchSighup(context.Background(), cc, co)
		}
	}
}

// handleWatchSighup reloads the persisted pause flag and transitions the
// running daemon accordingly, the receiving side of pause.go/resume.go's
// notifyDaemon.
func handleWatchSighup(ctx context.Context, cc *CLIContext, co *coordinator.Coordinator) {
	paused, err := co.Store().KV().IsPaused(ctx)
	if err != nil {
		cc.Logger.Error("sync --watch: reading paused flag failed", "error", err)
		return
	}

	switch {
	case paused && co.State() != coordinator.Paused:
		if err := co.Pause(ctx); err != nil {
			cc.Logger.Error("sync --watch: pause failed", "error", err)
		} else {
			statusf(flagQuiet, "Paused\n")
		}
	case !paused && co.State() == coordinator.Paused:
		if _, err := co.Resume(ctx); err != nil {
			cc.Logger.Error("sync --watch: resume failed", "error", err)
		} else {
			statusf(flagQuiet, "Resumed\n")
		}
	}
}
