package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "NOTESYNC_CONFIG"
	EnvProfile    = "NOTESYNC_PROFILE"
	EnvInstanceID = "NOTESYNC_INSTANCE_ID"
	EnvDataDir    = "NOTESYNC_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables. These are
// resolved by ReadEnvOverrides; callers apply the relevant fields on top of
// the loaded Config.
type EnvOverrides struct {
	ConfigPath string // NOTESYNC_CONFIG: override config file path
	Profile    string // NOTESYNC_PROFILE: active profile name
	InstanceID string // NOTESYNC_INSTANCE_ID: override the persisted instance id, used by tests
	DataDir    string // NOTESYNC_DATA_DIR: override the default data directory
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Profile:    os.Getenv(EnvProfile),
		InstanceID: os.Getenv(EnvInstanceID),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
