package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/coordinator"
	"github.com/fridaysync/vaultsync/internal/store"
)

// ensureStateDir creates the vault's ".vaultsync" state directory if it
// doesn't already exist, so store.Open never fails against a brand-new
// vault.
func ensureStateDir(vault string) error {
	if err := os.MkdirAll(config.StateDir(vault), pidDirPermissions); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	return nil
}

// newCoordinator builds a SyncCoordinator for cc's resolved vault and
// config, wiring a real replicator.Client. Callers own the returned
// coordinator's lifetime and must Close it (directly, or via StopSync).
func newCoordinator(ctx context.Context, cc *CLIContext) (*coordinator.Coordinator, error) {
	if err := ensureStateDir(cc.Vault); err != nil {
		return nil, err
	}

	repl := newReplicatorClient(cc.Logger)

	co, err := coordinator.Initialize(ctx, cc.Logger, cc.Cfg, cc.Vault, config.StatePath(cc.Vault), repl, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing coordinator: %w", err)
	}

	return co, nil
}

// openStore opens the vault's local store directly, for CLI commands that
// only need KV/query access without standing up a full coordinator.
func openStore(ctx context.Context, cc *CLIContext) (*store.Store, error) {
	if err := ensureStateDir(cc.Vault); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, config.StatePath(cc.Vault), cc.Logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	return st, nil
}
