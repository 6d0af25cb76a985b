// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the notesync engine.
package config

// Config is the top-level configuration structure, decoded from TOML.
// Sub-structs group settings by concern, matching the engine's tiers.
type Config struct {
	Writer   WriterConfig   `toml:"writer"`
	Polling  PollingConfig  `toml:"polling"`
	Sync     SyncConfig     `toml:"sync"`
	Safety   SafetyConfig   `toml:"safety"`
	Logging  LoggingConfig  `toml:"logging"`
	Backup   BackupConfig   `toml:"backup"`
	SDs      []SDEntry      `toml:"sd"`
}

// WriterConfig identifies this installed instance. ProfileID is stable per
// user profile on this machine; InstanceID is stable per installed instance
// and, once generated, is persisted and never regenerated.
type WriterConfig struct {
	ProfileID  string `toml:"profile_id"`
	InstanceID string `toml:"instance_id"`
	ProfileName string `toml:"profile_name"`
}

// PollingConfig mirrors the Tier-2 scheduler's fixed defaults, exposed so an
// operator can retune them without recompiling.
type PollingConfig struct {
	PollRatePerMinute     int    `toml:"poll_rate_per_minute"`
	HitRateMultiplier     float64 `toml:"hit_rate_multiplier"`
	MaxBurstPerSecond     int    `toml:"max_burst_per_second"`
	NormalPriorityReserve float64 `toml:"normal_priority_reserve"`
	RecentEditWindow      string `toml:"recent_edit_window"`
	FullRepollInterval    string `toml:"full_repoll_interval"`
	FastPathMaxDelay      string `toml:"fast_path_max_delay"`
	TickInterval          string `toml:"tick_interval"`
}

// SyncConfig controls the activity/deletion sync drivers.
type SyncConfig struct {
	ActivityPollInterval string `toml:"activity_poll_interval"`
	DeletionPollInterval string `toml:"deletion_poll_interval"`
	ShutdownTimeout      string `toml:"shutdown_timeout"`
	ReloadBackoffBase    string `toml:"reload_backoff_base"`
	ReloadBackoffCap     string `toml:"reload_backoff_cap"`
	ReloadMaxAttempts    int    `toml:"reload_max_attempts"`
}

// SafetyConfig controls retention and the dev/prod SD marker policy.
type SafetyConfig struct {
	Build                  string `toml:"build"` // "dev" or "prod"
	TombstoneRetentionDays int    `toml:"tombstone_retention_days"`
	MoveRetentionDays      int    `toml:"move_retention_days"`
	PreOpBackupRetentionDays int  `toml:"pre_op_backup_retention_days"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// BackupConfig controls where backups are written.
type BackupConfig struct {
	Root string `toml:"root"`
}

// SDEntry is one registered Storage Directory in the config file.
type SDEntry struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}
