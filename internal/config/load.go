package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are tolerated (forward compatibility with
// newer config files read by an older build) but logged at debug level.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		logger.Debug("config file has unrecognized keys", "path", path, "keys", keys)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully", "path", path, "sd_count", len(cfg.SDs))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports starting notesync
// with zero configuration: a first run creates its own config file lazily.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag over environment variable over platform default.
func ResolveConfigPath(env EnvOverrides, cliPath string, logger *slog.Logger) string {
	path := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		path = env.ConfigPath
		source = "env"
	}

	if cliPath != "" {
		path = cliPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", path, "source", source)

	return path
}

// EnsureInstanceID loads the persisted instance identifier from path,
// generating and persisting a fresh UUID on first run. Once written, the
// identifier is never regenerated — it is the writer ID embedded in every
// CRDT delta this installation produces, and changing it would orphan the
// append-log sequence this instance had been allocating.
func EnsureInstanceID(path string, logger *slog.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := string(data)
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading instance id file %s: %w", path, err)
	}

	id := uuid.NewString()

	logger.Info("generating new instance id", "instance_id", id, "path", path)

	if err := atomicWriteFile(path, []byte(id)); err != nil {
		return "", fmt.Errorf("persisting instance id: %w", err)
	}

	return id, nil
}
