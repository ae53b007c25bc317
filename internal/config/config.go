// Package config implements TOML configuration loading, validation, and
// defaulting for vaultsync. Layout mirrors the four-layer override chain
// used across the rest of the daemon: built-in defaults, config file,
// environment variables, CLI flags (highest priority, applied by the caller).
package config

import "time"

// Config is the top-level configuration structure.
type Config struct {
	Couch   CouchConfig   `toml:"couchdb"`
	Sync    SyncConfig    `toml:"sync"`
	Filter  FilterConfig  `toml:"filter"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// CouchConfig holds connection and replication-mode settings for the remote
// CouchDB-protocol document store (spec.md §6 "CLI/config surface").
type CouchConfig struct {
	URI                string `toml:"uri"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	PasswordFile       string `toml:"password_file"`
	DBName             string `toml:"dbname"`
	Encrypt            bool   `toml:"encrypt"`
	Passphrase         string `toml:"passphrase"`
	PassphraseFile     string `toml:"passphrase_file"`
	E2EEAlgorithm      string `toml:"e2ee_algorithm"` // V1 | V2 | V3, opaque to the core
	UsePathObfuscation bool   `toml:"use_path_obfuscation"`
}

// SyncConfig controls sync behavior and timing. Fields map directly onto
// spec.md §6's CLI/config surface plus the timing constants named in §5.
type SyncConfig struct {
	LiveSync                         bool   `toml:"live_sync"`
	SyncOnStart                      bool   `toml:"sync_on_start"`
	SyncOnSave                       bool   `toml:"sync_on_save"`
	SyncInternalFiles                bool   `toml:"sync_internal_files"`
	SyncInternalFilesInterval        int    `toml:"sync_internal_files_interval"` // seconds
	SuspendParseReplicationResult    bool   `toml:"suspend_parse_replication_result"`
	SuspendFileWatching              bool   `toml:"suspend_file_watching"`
	SelectiveSyncImages              bool   `toml:"selective_sync_images"`
	SelectiveSyncAudio               bool   `toml:"selective_sync_audio"`
	SelectiveSyncVideo               bool   `toml:"selective_sync_video"`
	SelectiveSyncPDF                 bool   `toml:"selective_sync_pdf"`
	TombstoneRetentionDays           int    `toml:"tombstone_retention_days"`
	Websocket                        bool   `toml:"websocket"` // optional live-changes notification channel (coder/websocket)
}

// FilterConfig controls ignore/target pattern cascades for both the normal
// vault tree (StorageEventQueue) and the hidden-file tree (HiddenFileSync).
type FilterConfig struct {
	UseIgnoreFiles                []string `toml:"use_ignore_files"`
	SyncInternalFilesIgnorePatterns []string `toml:"sync_internal_files_ignore_patterns"`
	SyncInternalFilesTargetPatterns []string `toml:"sync_internal_files_target_patterns"`
	SyncInternalFileOverwritePatterns []string `toml:"sync_internal_file_overwrite_patterns"`
}

// LoggingConfig controls log output behavior, mirrored from the teacher's
// internal/config.LoggingConfig.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior for the replicator.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// Resolved is the fully-defaulted, validated, duration-parsed configuration
// handed to the coordinator. Parsing human-readable durations/sizes happens
// once here rather than scattered through consumers.
type Resolved struct {
	Config

	ConnectTimeout     time.Duration
	DataTimeout        time.Duration
	SyncInternalsEvery time.Duration
	TombstoneRetention time.Duration
}
