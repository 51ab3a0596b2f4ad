package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validation range constants.
const (
	minConcurrency     = 1
	maxConcurrency     = 64
	minLogRetention    = 1
	minStaleAfter      = 1 * time.Second
	minRenewInterval   = 100 * time.Millisecond
	minTransferTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLock(&cfg.Lock)...)
	errs = append(errs, validateUpdate(&cfg.Update)...)
	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateServer(&cfg.Server)...)

	return errors.Join(errs...)
}

func validateLock(l *LockConfig) []error {
	var errs []error

	stale, err := parseDurationMin("lock.stale_after", l.StaleAfter, minStaleAfter)
	if err != nil {
		errs = append(errs, err)
	}

	renew, err := parseDurationMin("lock.renew_interval", l.RenewInterval, minRenewInterval)
	if err != nil {
		errs = append(errs, err)
	}

	// A holder that renews slower than the staleness threshold would have
	// its own lock reclaimed out from under it.
	if stale > 0 && renew > 0 && renew >= stale {
		errs = append(errs, fmt.Errorf("lock.renew_interval: must be shorter than stale_after (%s), got %s",
			stale, renew))
	}

	if _, err := parseDurationMin("lock.startup_window", l.StartupWindow, 0); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseDurationMin("lock.retry_delay", l.RetryDelay, 0); err != nil {
		errs = append(errs, err)
	}

	if l.StartupRetries < 0 {
		errs = append(errs, fmt.Errorf("lock.startup_retries: must be >= 0, got %d", l.StartupRetries))
	}

	if l.Retries < 0 {
		errs = append(errs, fmt.Errorf("lock.retries: must be >= 0, got %d", l.Retries))
	}

	return errs
}

func validateUpdate(u *UpdateConfig) []error {
	var errs []error

	if u.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("update.max_iterations: must be >= 0, got %d", u.MaxIterations))
	}

	for dir, option := range u.MarkerDirs {
		if dir == "" || strings.ContainsAny(dir, `/\`) {
			errs = append(errs, fmt.Errorf("update.marker_dirs: %q must be a single folder name", dir))
		}

		if option == "" {
			errs = append(errs, fmt.Errorf("update.marker_dirs: option for %q must not be empty", dir))
		}
	}

	if _, err := parseDurationMin("update.watch_debounce", u.WatchDebounce, 0); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateReconcile(r *ReconcileConfig) []error {
	var errs []error

	if _, err := ParseSize(r.MaxDownloadSize); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.max_download_size: %w", err))
	}

	for _, ext := range r.DeniedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("reconcile.denied_extensions: %q must start with a dot", ext))
		}
	}

	if _, err := parseDurationMin("reconcile.transfer_timeout", r.TransferTimeout, minTransferTimeout); err != nil {
		errs = append(errs, err)
	}

	if r.Concurrency < minConcurrency || r.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("reconcile.concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, r.Concurrency))
	}

	return errs
}

// parseDurationMin parses a duration string and checks it against a minimum.
func parseDurationMin(field, value string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d, nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateServer(s *ServerConfig) []error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: %w", err)}
	}

	return nil
}
