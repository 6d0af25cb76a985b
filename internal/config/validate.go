package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minPollRatePerMinute = 1
	minMaxBurstPerSecond = 1
	minRetentionDays     = 0
	minReloadMaxAttempts = 1
)

// Validate checks all configuration values and returns every problem found,
// joined with errors.Join, so an operator sees a complete report rather than
// one error at a time.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validatePolling(&cfg.Polling)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateSDs(cfg.SDs)...)

	return errors.Join(errs...)
}

func validatePolling(p *PollingConfig) []error {
	var errs []error

	if p.PollRatePerMinute < minPollRatePerMinute {
		errs = append(errs, fmt.Errorf("polling.poll_rate_per_minute: must be >= %d, got %d",
			minPollRatePerMinute, p.PollRatePerMinute))
	}

	if p.HitRateMultiplier <= 0 || p.HitRateMultiplier > 1 {
		errs = append(errs, fmt.Errorf("polling.hit_rate_multiplier: must be in (0, 1], got %v",
			p.HitRateMultiplier))
	}

	if p.MaxBurstPerSecond < minMaxBurstPerSecond {
		errs = append(errs, fmt.Errorf("polling.max_burst_per_second: must be >= %d, got %d",
			minMaxBurstPerSecond, p.MaxBurstPerSecond))
	}

	if p.NormalPriorityReserve < 0 || p.NormalPriorityReserve > 1 {
		errs = append(errs, fmt.Errorf("polling.normal_priority_reserve: must be in [0, 1], got %v",
			p.NormalPriorityReserve))
	}

	errs = append(errs, validateDurationMin("polling.recent_edit_window", p.RecentEditWindow, 0)...)
	errs = append(errs, validateDurationMin("polling.full_repoll_interval", p.FullRepollInterval, 0)...)
	errs = append(errs, validateDurationMin("polling.fast_path_max_delay", p.FastPathMaxDelay, 0)...)
	errs = append(errs, validateDurationMin("polling.tick_interval", p.TickInterval, 0)...)

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("sync.activity_poll_interval", s.ActivityPollInterval, 0)...)
	errs = append(errs, validateDurationMin("sync.deletion_poll_interval", s.DeletionPollInterval, 0)...)
	errs = append(errs, validateDurationMin("sync.shutdown_timeout", s.ShutdownTimeout, 0)...)
	errs = append(errs, validateDurationMin("sync.reload_backoff_base", s.ReloadBackoffBase, 0)...)
	errs = append(errs, validateDurationMin("sync.reload_backoff_cap", s.ReloadBackoffCap, 0)...)

	if s.ReloadMaxAttempts < minReloadMaxAttempts {
		errs = append(errs, fmt.Errorf("sync.reload_max_attempts: must be >= %d, got %d",
			minReloadMaxAttempts, s.ReloadMaxAttempts))
	}

	return errs
}

var validBuildMarkers = map[string]bool{"dev": true, "prod": true}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if !validBuildMarkers[s.Build] {
		errs = append(errs, fmt.Errorf("safety.build: must be \"dev\" or \"prod\", got %q", s.Build))
	}

	if s.TombstoneRetentionDays < minRetentionDays {
		errs = append(errs, fmt.Errorf("safety.tombstone_retention_days: must be >= %d, got %d",
			minRetentionDays, s.TombstoneRetentionDays))
	}

	if s.MoveRetentionDays < minRetentionDays {
		errs = append(errs, fmt.Errorf("safety.move_retention_days: must be >= %d, got %d",
			minRetentionDays, s.MoveRetentionDays))
	}

	if s.PreOpBackupRetentionDays < minRetentionDays {
		errs = append(errs, fmt.Errorf("safety.pre_op_backup_retention_days: must be >= %d, got %d",
			minRetentionDays, s.PreOpBackupRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q",
			l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q",
			l.LogFormat))
	}

	return errs
}

func validateSDs(sds []SDEntry) []error {
	var errs []error

	seen := make(map[string]bool, len(sds))

	for i, sd := range sds {
		if sd.Name == "" {
			errs = append(errs, fmt.Errorf("sd[%d].name: must not be empty", i))
		}

		if sd.Path == "" {
			errs = append(errs, fmt.Errorf("sd[%d].path: must not be empty", i))
		}

		if seen[sd.Name] {
			errs = append(errs, fmt.Errorf("sd[%d].name: duplicate name %q", i, sd.Name))
		}

		seen[sd.Name] = true
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
