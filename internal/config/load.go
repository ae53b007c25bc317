package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fridaysync/vaultsync/internal/secretfile"
)

// ErrConfigInvalid wraps any validation failure raised while resolving config.
// Per spec.md §7, ConfigError is surfaced synchronously with no retry.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Load reads and decodes the TOML config file at path, starting from
// DefaultConfig() so unset fields keep their defaults. Returns DefaultConfig()
// unmodified if path is empty or does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	return cfg, nil
}

// EnvOverrides holds settings sourced from environment variables, applied
// after the config file and before CLI flags in the four-layer chain.
type EnvOverrides struct {
	URI      string
	User     string
	Password string
	DBName   string
}

// envPrefix namespaces every vaultsync environment variable.
const envPrefix = "VAULTSYNC_"

// ReadEnvOverrides reads VAULTSYNC_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		URI:      os.Getenv(envPrefix + "COUCHDB_URI"),
		User:     os.Getenv(envPrefix + "COUCHDB_USER"),
		Password: os.Getenv(envPrefix + "COUCHDB_PASSWORD"),
		DBName:   os.Getenv(envPrefix + "COUCHDB_DBNAME"),
	}
}

// Apply merges non-empty env overrides onto cfg, mutating in place.
func (e EnvOverrides) Apply(cfg *Config) {
	if e.URI != "" {
		cfg.Couch.URI = e.URI
	}

	if e.User != "" {
		cfg.Couch.User = e.User
	}

	if e.Password != "" {
		cfg.Couch.Password = e.Password
	}

	if e.DBName != "" {
		cfg.Couch.DBName = e.DBName
	}
}

// Resolve validates cfg, resolves secrets (password/passphrase files), parses
// human-readable durations, and returns the Resolved configuration consumed
// by the coordinator. vaultRoot is the absolute path to the local vault.
func Resolve(cfg *Config, vaultRoot string) (*Resolved, error) {
	if err := Validate(cfg, vaultRoot); err != nil {
		return nil, err
	}

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	connectTimeout, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect_timeout %q: %v", ErrConfigInvalid, cfg.Network.ConnectTimeout, err)
	}

	dataTimeout, err := time.ParseDuration(cfg.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: data_timeout %q: %v", ErrConfigInvalid, cfg.Network.DataTimeout, err)
	}

	return &Resolved{
		Config:             *cfg,
		ConnectTimeout:     connectTimeout,
		DataTimeout:        dataTimeout,
		SyncInternalsEvery: time.Duration(cfg.Sync.SyncInternalFilesInterval) * time.Second,
		TombstoneRetention: time.Duration(cfg.Sync.TombstoneRetentionDays) * 24 * time.Hour,
	}, nil
}

// resolveSecrets loads couchDB_PASSWORD and passphrase from their *_file
// companions when the inline field is empty, mirroring the teacher's
// tokenfile pattern for never putting secrets directly in a shared config.
func resolveSecrets(cfg *Config) error {
	if cfg.Couch.Password == "" && cfg.Couch.PasswordFile != "" {
		pw, err := secretfile.Read(cfg.Couch.PasswordFile)
		if err != nil {
			return fmt.Errorf("%w: reading password_file: %v", ErrConfigInvalid, err)
		}

		cfg.Couch.Password = pw
	}

	if cfg.Couch.Passphrase == "" && cfg.Couch.PassphraseFile != "" {
		pp, err := secretfile.Read(cfg.Couch.PassphraseFile)
		if err != nil {
			return fmt.Errorf("%w: reading passphrase_file: %v", ErrConfigInvalid, err)
		}

		cfg.Couch.Passphrase = pp
	}

	return nil
}
