package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// appName names the application directory used across platforms.
const appName = "vaultsync"

// configFileName is the default config file name within DefaultConfigDir.
const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for the config
// file, mirroring the teacher's internal/config/paths.go: XDG_CONFIG_HOME on
// Linux, Application Support on macOS, ~/.config elsewhere.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the full path to the default config file, used
// as the fallback when neither VAULTSYNC_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// stateDirName is the vault-local hidden directory holding per-vault daemon
// state: the SQLite database, the daemon PID file, and nothing else (vault
// content itself never lives under here). Named after vaultio's own
// ".vaultsync-partial" convention — state travels with the vault rather than
// living in a machine-global XDG data dir, since a vault is routinely synced
// to more than one machine by means outside this daemon's control.
const stateDirName = ".vaultsync"

// StateDir returns the hidden state directory under vaultRoot.
func StateDir(vaultRoot string) string {
	return filepath.Join(vaultRoot, stateDirName)
}

// StatePath returns the SQLite LocalStore database path under vaultRoot.
func StatePath(vaultRoot string) string {
	return filepath.Join(StateDir(vaultRoot), "state.db")
}

// PIDFilePath returns the running daemon's PID file path under vaultRoot.
func PIDFilePath(vaultRoot string) string {
	return filepath.Join(StateDir(vaultRoot), "daemon.pid")
}
