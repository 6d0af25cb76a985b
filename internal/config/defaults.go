package config

// Default values for configuration options, matching the fixed polling
// parameters and retention windows an installation ships with until an
// operator overrides them via config.toml.
const (
	defaultPollRatePerMinute     = 120
	defaultHitRateMultiplier     = 0.25
	defaultMaxBurstPerSecond     = 10
	defaultNormalPriorityReserve = 0.20
	defaultRecentEditWindow      = "5m"
	defaultFullRepollInterval    = "30m"
	defaultFastPathMaxDelay      = "60s"
	defaultTickInterval          = "500ms"

	defaultActivityPollInterval = "3s"
	defaultDeletionPollInterval = "10s"
	defaultShutdownTimeout      = "5s"
	defaultReloadBackoffBase    = "250ms"
	defaultReloadBackoffCap     = "10s"
	defaultReloadMaxAttempts    = 8

	defaultBuild                   = "prod"
	defaultTombstoneRetentionDays   = 30
	defaultMoveRetentionDays        = 30
	defaultPreOpBackupRetentionDays = 7

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// used both as the base for TOML decoding (so unset fields keep their
// defaults) and as the fallback when no config file exists yet.
func DefaultConfig() *Config {
	return &Config{
		Writer:  WriterConfig{},
		Polling: defaultPollingConfig(),
		Sync:    defaultSyncConfig(),
		Safety:  defaultSafetyConfig(),
		Logging: defaultLoggingConfig(),
		Backup:  BackupConfig{},
		SDs:     nil,
	}
}

func defaultPollingConfig() PollingConfig {
	return PollingConfig{
		PollRatePerMinute:     defaultPollRatePerMinute,
		HitRateMultiplier:     defaultHitRateMultiplier,
		MaxBurstPerSecond:     defaultMaxBurstPerSecond,
		NormalPriorityReserve: defaultNormalPriorityReserve,
		RecentEditWindow:      defaultRecentEditWindow,
		FullRepollInterval:    defaultFullRepollInterval,
		FastPathMaxDelay:      defaultFastPathMaxDelay,
		TickInterval:          defaultTickInterval,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ActivityPollInterval: defaultActivityPollInterval,
		DeletionPollInterval: defaultDeletionPollInterval,
		ShutdownTimeout:      defaultShutdownTimeout,
		ReloadBackoffBase:    defaultReloadBackoffBase,
		ReloadBackoffCap:     defaultReloadBackoffCap,
		ReloadMaxAttempts:    defaultReloadMaxAttempts,
	}
}

func defaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		Build:                    defaultBuild,
		TombstoneRetentionDays:   defaultTombstoneRetentionDays,
		MoveRetentionDays:        defaultMoveRetentionDays,
		PreOpBackupRetentionDays: defaultPreOpBackupRetentionDays,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
