package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "BLOGSYNC_CONFIG"
	EnvDataDir  = "BLOGSYNC_DATA_DIR"
	EnvLogLevel = "BLOGSYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // BLOGSYNC_CONFIG: override config file path
	DataDir    string // BLOGSYNC_DATA_DIR: state and token directory
	LogLevel   string // BLOGSYNC_LOG_LEVEL: debug, info, warn, error
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
