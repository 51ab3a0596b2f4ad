package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.DataDir != nil {
		cfg.DataDir = *cli.DataDir
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	cfg.DataDir = ExpandHome(cfg.DataDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// durationOr parses value, falling back to def when value is empty or
// malformed. Validate rejects malformed values before they get here.
func durationOr(value, def string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}

// StaleAfterDuration returns the lock staleness threshold.
func (l *LockConfig) StaleAfterDuration() time.Duration {
	return durationOr(l.StaleAfter, defaultStaleAfter)
}

// RenewIntervalDuration returns how often lock holders renew.
func (l *LockConfig) RenewIntervalDuration() time.Duration {
	return durationOr(l.RenewInterval, defaultRenewInterval)
}

// StartupWindowDuration returns how long the startup retry budget applies.
func (l *LockConfig) StartupWindowDuration() time.Duration {
	return durationOr(l.StartupWindow, defaultStartupWindow)
}

// RetryDelayDuration returns the pause between acquisition attempts.
func (l *LockConfig) RetryDelayDuration() time.Duration {
	return durationOr(l.RetryDelay, defaultRetryDelay)
}

// WatchDebounceDuration returns the quiet period watch mode waits for
// before flushing a batch of changed paths.
func (u *UpdateConfig) WatchDebounceDuration() time.Duration {
	return durationOr(u.WatchDebounce, defaultWatchDebounce)
}

// TransferTimeoutDuration returns the per-file transfer deadline.
func (r *ReconcileConfig) TransferTimeoutDuration() time.Duration {
	return durationOr(r.TransferTimeout, defaultTransferTimeout)
}

// MaxDownloadBytes returns max_download_size in bytes. Zero means no limit.
func (r *ReconcileConfig) MaxDownloadBytes() int64 {
	n, err := ParseSize(r.MaxDownloadSize)
	if err != nil {
		return 0
	}

	return n
}
