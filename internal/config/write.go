package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// decodeInto decodes TOML text into cfg, tolerating unknown keys the same
// way Load does.
func decodeInto(content string, cfg *Config) error {
	_, err := toml.Decode(content, cfg)
	return err
}

// configFilePermissions is the standard permission mode for config and
// identity files: owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config
// directories: owner rwx, group and others rx.
const configDirPermissions = 0o755

// configTemplate is the default config file content written on first run.
// Most options appear commented out with their default value; tick_interval,
// the reload_* settings, log_format, the [backup] section and the
// profile/instance ids are not listed.
const configTemplate = `# notesync configuration

[writer]
# profile_name = ""

[polling]
# poll_rate_per_minute = 120
# hit_rate_multiplier = 0.25
# max_burst_per_second = 10
# normal_priority_reserve = 0.20
# recent_edit_window = "5m"
# full_repoll_interval = "30m"
# fast_path_max_delay = "60s"

[sync]
# activity_poll_interval = "3s"
# deletion_poll_interval = "10s"
# shutdown_timeout = "5s"

[safety]
# build = "prod"
# tombstone_retention_days = 30
# move_retention_days = 30
# pre_op_backup_retention_days = 7

[logging]
# log_level = "info"
# log_file = ""

# ── Storage Directories ──
# Added automatically by 'sd add'.
`

// CreateDefaultConfig writes the default config template to path if no file
// exists there yet. It is idempotent: calling it against an existing config
// file returns nil without modifying it.
func CreateDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return atomicWriteFile(path, []byte(configTemplate))
}

// sdSection generates the TOML text for a new [[sd]] entry.
func sdSection(name, path string) string {
	return fmt.Sprintf("\n[[sd]]\nname = %q\npath = %q\n", name, path)
}

// AppendSD appends a new [[sd]] array-table entry to an existing config
// file. The write is atomic (temp file + rename) so a crash mid-write never
// leaves a truncated config file behind.
func AppendSD(path, name, sdPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)
	if content != "" && content[len(content)-1] != '\n' {
		content += "\n"
	}

	content += sdSection(name, sdPath)

	return atomicWriteFile(path, []byte(content))
}

// RemoveSD drops the [[sd]] entry named name from the config file,
// rewriting the rest of the file unchanged (re-decoding then re-appending
// the remaining entries, since array-tables have no unique per-entry
// header AppendSD's text-splice approach could target). Returns false,
// nil if no entry with that name was found.
func RemoveSD(path, name string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := decodeInto(string(data), cfg); err != nil {
		return false, fmt.Errorf("parsing config file: %w", err)
	}

	kept := cfg.SDs[:0]
	found := false

	for _, sd := range cfg.SDs {
		if sd.Name == name {
			found = true
			continue
		}

		kept = append(kept, sd)
	}

	if !found {
		return false, nil
	}

	content := stripSDSections(string(data))
	for _, sd := range kept {
		content += sdSection(sd.Name, sd.Path)
	}

	return true, atomicWriteFile(path, []byte(content))
}

// stripSDSections removes every existing [[sd]] array-table block from
// config text, leaving everything before the first one untouched.
func stripSDSections(content string) string {
	idx := strings.Index(content, "[[sd]]")
	if idx < 0 {
		return content
	}

	return content[:idx]
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it into place. Parent directories are created as
// needed. The temp file is fsynced before rename, since rename alone is
// metadata-only on POSIX and a crash could otherwise leave an empty file
// at path after power loss.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
