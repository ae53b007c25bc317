package config

// Default values for configuration options, chosen from spec.md's named
// constants (§4, §5) so an empty config file still produces correct timing.
const (
	defaultSyncInternalFilesInterval = 60 // seconds, spec.md §4.7 "Periodic scan"
	defaultTombstoneRetentionDays    = 30
	defaultLogLevel                  = "info"
	defaultLogFormat                 = "auto"
	defaultConnectTimeout            = "10s" // spec.md §5 "Connectivity probe: 10 s"
	defaultDataTimeout               = "60s"
	defaultIgnoreMarker              = ".syncignore"
)

// DefaultConfig returns a Config populated with safe defaults, used both as
// the TOML decode target (so unset fields keep defaults) and the fallback
// when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			SyncInternalFiles:         true,
			SyncInternalFilesInterval: defaultSyncInternalFilesInterval,
			TombstoneRetentionDays:    defaultTombstoneRetentionDays,
		},
		Filter: FilterConfig{
			UseIgnoreFiles: []string{defaultIgnoreMarker},
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      "vaultsync/0.1",
		},
	}
}
