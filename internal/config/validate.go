package config

import (
	"fmt"
	"strings"
)

// validE2EEAlgorithms lists the opaque algorithm tags accepted by the codec
// collaborator (spec.md §6 "Algorithm version selected by E2EEAlgorithm
// setting... the codec library owns semantics").
var validE2EEAlgorithms = map[string]bool{"": true, "V1": true, "V2": true, "V3": true}

// Validate checks a Config for the minimal set of preconditions
// SyncCoordinator.initialize requires before it will construct a LocalStore
// or Replicator. Failures here are ConfigError per spec.md §7: surfaced
// synchronously, no retry.
func Validate(cfg *Config, vaultRoot string) error {
	if strings.TrimSpace(cfg.Couch.URI) == "" {
		return fmt.Errorf("%w: couchdb.uri is required", ErrConfigInvalid)
	}

	if strings.TrimSpace(cfg.Couch.DBName) == "" {
		return fmt.Errorf("%w: couchdb.dbname is required", ErrConfigInvalid)
	}

	if !strings.HasPrefix(cfg.Couch.URI, "http://") && !strings.HasPrefix(cfg.Couch.URI, "https://") {
		return fmt.Errorf("%w: couchdb.uri must be an http(s) URL, got %q", ErrConfigInvalid, cfg.Couch.URI)
	}

	if strings.TrimSpace(vaultRoot) == "" {
		return fmt.Errorf("%w: vault root is required", ErrConfigInvalid)
	}

	if cfg.Couch.Encrypt && cfg.Couch.Passphrase == "" && cfg.Couch.PassphraseFile == "" {
		return fmt.Errorf("%w: couchdb.encrypt is true but no passphrase or passphrase_file was given", ErrConfigInvalid)
	}

	if !validE2EEAlgorithms[cfg.Couch.E2EEAlgorithm] {
		return fmt.Errorf("%w: unknown e2ee_algorithm %q", ErrConfigInvalid, cfg.Couch.E2EEAlgorithm)
	}

	if cfg.Sync.SyncInternalFilesInterval < 0 {
		return fmt.Errorf("%w: sync_internal_files_interval must be non-negative", ErrConfigInvalid)
	}

	return nil
}
